package pulsarutils

import (
	"fmt"
	"os"
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
	commonconfig "github.com/G-Research/bookdist/internal/common/config"
)

// NewPulsarClient builds a client from config. Pulsar's own logging goes through the logrus standard logger.
func NewPulsarClient(config *commonconfig.PulsarConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication

	if config.AuthenticationEnabled {
		jwtPath, err := getTokenPath(config)
		if err != nil {
			return nil, err
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(jwtPath)
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		OperationTimeout:           config.SendTimeout,
		Authentication:             authentication,
		Logger:                     pulsarlog.NewLoggerWithLogrus(logrus.StandardLogger()),
	})
	return client, errors.WithStack(err)
}

func getTokenPath(config *commonconfig.PulsarConfig) (string, error) {
	if strings.ToLower(config.AuthenticationType) != "jwt" {
		return "", errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "pulsar.AuthenticationType",
			Value:   config.AuthenticationType,
			Message: "Only JWT Authentication for Pulsar is supported right now.",
		})
	}
	if strings.TrimSpace(config.JwtTokenPath) == "" {
		return "", errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "pulsar.JwtTokenPath",
			Value:   config.JwtTokenPath,
			Message: "JWT authentication was configured for Pulsar but no JwtTokenPath was supplied",
		})
	}
	if _, err := os.Stat(config.JwtTokenPath); err != nil {
		return "", errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "pulsar.JwtTokenPath",
			Value:   config.JwtTokenPath,
			Message: fmt.Sprintf("JWT token file cannot be read: %v", err),
		})
	}
	return config.JwtTokenPath, nil
}
