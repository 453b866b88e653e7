package pulsarutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
	commonconfig "github.com/G-Research/bookdist/internal/common/config"
)

func TestCreatePulsarClientHappyPath(t *testing.T) {
	cwd, _ := os.Executable() // Need a valid file for tokens and certs

	// test with auth and tls configured
	config := &commonconfig.PulsarConfig{
		URL: "pulsar://pulsarhost:50000",

		TLSTrustCertsFilePath:      cwd,
		TLSAllowInsecureConnection: true,
		TLSValidateHostname:        true,
		MaxConnectionsPerBroker:    100,
		AuthenticationEnabled:      true,
		AuthenticationType:         "JWT",
		JwtTokenPath:               cwd,
	}
	client, err := NewPulsarClient(config)
	assert.NoError(t, err)
	client.Close()

	// Test without auth or TLS
	config = &commonconfig.PulsarConfig{
		URL:                     "pulsar://pulsarhost:50000",
		MaxConnectionsPerBroker: 100,
	}
	client, err = NewPulsarClient(config)
	assert.NoError(t, err)
	client.Close()
}

func TestCreatePulsarClientInvalidAuth(t *testing.T) {
	// No Auth type
	_, err := NewPulsarClient(&commonconfig.PulsarConfig{
		AuthenticationEnabled: true,
	})
	assert.True(t, bookdisterrors.IsInvalidArgument(err))

	// Invalid Auth type
	_, err = NewPulsarClient(&commonconfig.PulsarConfig{
		AuthenticationEnabled: true,
		AuthenticationType:    "INVALID",
	})
	assert.True(t, bookdisterrors.IsInvalidArgument(err))

	// No Token
	_, err = NewPulsarClient(&commonconfig.PulsarConfig{
		AuthenticationEnabled: true,
		AuthenticationType:    "JWT",
	})
	assert.True(t, bookdisterrors.IsInvalidArgument(err))

	// Token file missing
	_, err = NewPulsarClient(&commonconfig.PulsarConfig{
		AuthenticationEnabled: true,
		AuthenticationType:    "JWT",
		JwtTokenPath:          filepath.Join(t.TempDir(), "missing.jwt"),
	})
	assert.True(t, bookdisterrors.IsInvalidArgument(err))
}
