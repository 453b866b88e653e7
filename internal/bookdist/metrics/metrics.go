package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	prefix      = "bookdist_"
	readerLabel = "reader"
)

type Metrics struct {
	booksAssigned    prometheus.Counter
	booksUnallocated prometheus.Counter
	booksCompleted   prometheus.Counter
	booksDrained     prometheus.Counter
	readers          prometheus.Gauge
	queueLength      *prometheus.GaugeVec
	estimatedSeconds prometheus.Histogram
	allMetrics       []prometheus.Collector
}

func New() *Metrics {
	booksAssigned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "books_assigned_total",
		Help: "Number of books appended to a reader's queue",
	})
	booksUnallocated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "books_unallocated_total",
		Help: "Number of books parked on the unallocated topic because no reader could read them",
	})
	booksCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "books_completed_total",
		Help: "Number of books readers have finished",
	})
	booksDrained := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "books_drained_total",
		Help: "Number of books taken from overloaded readers and republished",
	})
	readers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "readers",
		Help: "Number of registered readers",
	})
	queueLength := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "reader_queue_length",
			Help: "Number of books waiting in a reader's queue",
		},
		[]string{readerLabel},
	)
	estimatedSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    prefix + "book_estimated_seconds",
		Help:    "Predicted time for a reader to finish a book when it starts reading it",
		Buckets: prometheus.ExponentialBuckets(1, 2, 20),
	})
	return &Metrics{
		booksAssigned:    booksAssigned,
		booksUnallocated: booksUnallocated,
		booksCompleted:   booksCompleted,
		booksDrained:     booksDrained,
		readers:          readers,
		queueLength:      queueLength,
		estimatedSeconds: estimatedSeconds,
		allMetrics: []prometheus.Collector{
			booksAssigned,
			booksUnallocated,
			booksCompleted,
			booksDrained,
			readers,
			queueLength,
			estimatedSeconds,
		},
	}
}

func (m *Metrics) Register(registerer prometheus.Registerer) error {
	for _, c := range m.allMetrics {
		if err := registerer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) RecordAssigned(reader string, queueLength int) {
	m.booksAssigned.Inc()
	m.queueLength.WithLabelValues(reader).Set(float64(queueLength))
}

func (m *Metrics) RecordUnallocated() {
	m.booksUnallocated.Inc()
}

func (m *Metrics) RecordStarted(reader string, queueLength int, estimate time.Duration) {
	m.estimatedSeconds.Observe(estimate.Seconds())
	m.queueLength.WithLabelValues(reader).Set(float64(queueLength))
}

func (m *Metrics) RecordCompleted() {
	m.booksCompleted.Inc()
}

func (m *Metrics) RecordDrained(reader string, drained int, queueLength int) {
	m.booksDrained.Add(float64(drained))
	m.queueLength.WithLabelValues(reader).Set(float64(queueLength))
}

func (m *Metrics) SetReaders(count int) {
	m.readers.Set(float64(count))
}

func (m *Metrics) SetQueueLength(reader string, queueLength int) {
	m.queueLength.WithLabelValues(reader).Set(float64(queueLength))
}

func (m *Metrics) DeleteReader(reader string) {
	m.queueLength.DeleteLabelValues(reader)
}
