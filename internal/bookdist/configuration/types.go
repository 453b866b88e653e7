package configuration

import (
	"time"

	"github.com/go-redis/redis"

	"github.com/G-Research/bookdist/internal/bookdist/estimator"
	commonconfig "github.com/G-Research/bookdist/internal/common/config"
)

const DefaultAlignmentCoefficient = 2.0

type BookDistConfig struct {
	// Length of one simulated reading day in seconds. Values below 1 fall back to 24.
	DayLengthSeconds int
	// A reader whose queue finishes later than now plus this multiple of the group's average
	// backlog is drained when a new reader subscribes. Must be greater than 1.
	AlignmentCoefficient float64 `validate:"gt=1"`
	// How long re-announcing unallocated books waits for one more book before it stops
	UnallocatedDrainTimeout time.Duration `validate:"required"`
	// Time for which a pulsar consumer backs off after failing to receive a message
	PulsarBackoffTime time.Duration
	// Port serving /metrics
	MetricsPort uint16
	// Port serving /health
	HealthPort uint16
	Redis      redis.UniversalOptions
	Postgres   commonconfig.PostgresConfig
	Pulsar     commonconfig.PulsarConfig
}

// Normalise fills in defaults for settings left unset.
func (c *BookDistConfig) Normalise() {
	if c.DayLengthSeconds < 1 {
		c.DayLengthSeconds = estimator.DefaultDayLengthSeconds
	}
	if c.AlignmentCoefficient == 0 {
		c.AlignmentCoefficient = DefaultAlignmentCoefficient
	}
	if c.PulsarBackoffTime <= 0 {
		c.PulsarBackoffTime = time.Second
	}
}

// BookCtlConfig configures the producer command line tool.
type BookCtlConfig struct {
	Pulsar commonconfig.PulsarConfig
}
