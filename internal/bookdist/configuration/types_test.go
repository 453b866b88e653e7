package configuration

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonconfig "github.com/G-Research/bookdist/internal/common/config"
)

func validConfig() BookDistConfig {
	return BookDistConfig{
		DayLengthSeconds:        10,
		AlignmentCoefficient:    2,
		UnallocatedDrainTimeout: time.Second,
		Postgres: commonconfig.PostgresConfig{
			Connection: map[string]string{"host": "localhost"},
		},
		Pulsar: commonconfig.PulsarConfig{
			URL:              "pulsar://localhost:6650",
			BooksTopic:       "books",
			ReadersTopic:     "readers",
			UnallocatedTopic: "unallocated",
			SubscriptionName: "bookdist",
			SendTimeout:      5 * time.Second,
			ReceiveTimeout:   time.Second,
		},
	}
}

func TestNormalise_Defaults(t *testing.T) {
	config := BookDistConfig{DayLengthSeconds: 0}
	config.Normalise()
	assert.Equal(t, 24, config.DayLengthSeconds)
	assert.Equal(t, 2.0, config.AlignmentCoefficient)
	assert.Equal(t, time.Second, config.PulsarBackoffTime)

	config = BookDistConfig{DayLengthSeconds: 5, AlignmentCoefficient: 3}
	config.Normalise()
	assert.Equal(t, 5, config.DayLengthSeconds)
	assert.Equal(t, 3.0, config.AlignmentCoefficient)
}

func TestValidate(t *testing.T) {
	config := validConfig()
	assert.NoError(t, commonconfig.Validate(config))
}

func TestValidate_AlignmentCoefficientMustExceedOne(t *testing.T) {
	for _, coefficient := range []float64{1, 0.5, -2} {
		config := validConfig()
		config.AlignmentCoefficient = coefficient
		config.Normalise()

		err := commonconfig.Validate(config)

		var validationErrors validator.ValidationErrors
		require.ErrorAs(t, err, &validationErrors)
		assert.Equal(t, "AlignmentCoefficient", validationErrors[0].Field())
	}
}

func TestValidate_MissingPulsarTopic(t *testing.T) {
	config := validConfig()
	config.Pulsar.BooksTopic = ""

	err := commonconfig.Validate(config)

	var validationErrors validator.ValidationErrors
	require.ErrorAs(t, err, &validationErrors)
	assert.Equal(t, "BooksTopic", validationErrors[0].Field())
}
