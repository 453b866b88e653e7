package logging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// PrometheusHook implements logrus.Hook and counts log lines per level.
type PrometheusHook struct {
	counters map[logrus.Level]prometheus.Counter
}

func NewPrometheusHook() *PrometheusHook {
	counters := make(map[logrus.Level]prometheus.Counter)

	for _, level := range []logrus.Level{
		logrus.DebugLevel,
		logrus.InfoLevel,
		logrus.WarnLevel,
		logrus.ErrorLevel,
	} {
		counters[level] = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "log_messages",
			Help: "Total number of log lines logged by level",
			ConstLabels: prometheus.Labels{
				"level": level.String(),
			},
		})
	}
	return &PrometheusHook{counters: counters}
}

func (h *PrometheusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *PrometheusHook) Fire(entry *logrus.Entry) error {
	if counter, ok := h.counters[entry.Level]; ok {
		counter.Inc()
	}
	return nil
}

func (h *PrometheusHook) Describe(desc chan<- *prometheus.Desc) {
	for _, counter := range h.counters {
		counter.Describe(desc)
	}
}

func (h *PrometheusHook) Collect(metrics chan<- prometheus.Metric) {
	for _, counter := range h.counters {
		counter.Collect(metrics)
	}
}
