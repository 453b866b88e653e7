package config

import (
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

type PostgresConfig struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Connection      map[string]string `validate:"required"`
}

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath string
	// Topic carrying books waiting to be assigned
	BooksTopic string `validate:"required"`
	// Topic carrying reader subscribe and unsubscribe requests
	ReadersTopic string `validate:"required"`
	// Topic holding books for which no reader was available
	UnallocatedTopic string `validate:"required"`
	// Subscription used by every bookdist consumer
	SubscriptionName string `validate:"required"`
	// Compression to use.  Valid values are "None", "LZ4", "Zlib", "Zstd".  Default is "None"
	CompressionType pulsar.CompressionType
	// Compression Level to use.  Valid values are "Default", "Better", "Faster".  Default is "Default"
	CompressionLevel pulsar.CompressionLevel
	// Maximum time a single publish may take
	SendTimeout time.Duration `validate:"required"`
	// How long a single receive blocks before the consumer checks for shutdown
	ReceiveTimeout time.Duration `validate:"required"`
}
