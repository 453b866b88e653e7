package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStacktrace(t *testing.T) {
	logger, hook := test.NewNullLogger()
	err := errors.WithMessage(errors.New("redis unavailable"), "error appending book")

	WithStacktrace(logrus.NewEntry(logger), err).Error("failed")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, err, hook.LastEntry().Data[logrus.ErrorKey])
	assert.NotNil(t, hook.LastEntry().Data[Stacktrace])
}

func TestExtractStack_NoStack(t *testing.T) {
	assert.Nil(t, ExtractStack(fmt.Errorf("plain")))
}

func TestExtractStack_WrappedWithFmt(t *testing.T) {
	err := fmt.Errorf("outer: %w", errors.New("inner"))
	assert.NotNil(t, ExtractStack(err))
}

func TestPrometheusHook(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hook := NewPrometheusHook()
	logger.AddHook(hook)

	logger.Warn("one")
	logger.Warn("two")
	logger.Error("three")

	assert.Equal(t, 2.0, testutil.ToFloat64(hook.counters[logrus.WarnLevel]))
	assert.Equal(t, 1.0, testutil.ToFloat64(hook.counters[logrus.ErrorLevel]))
}
