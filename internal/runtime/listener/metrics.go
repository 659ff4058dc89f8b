package listener

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for processed messages.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics records poll loop statistics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	mu sync.Mutex

	messagesTotal   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	fetchedTotal    *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	deleteErrors    *prometheus.CounterVec
	pollCycles      *prometheus.CounterVec
	activeListeners prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queuehost",
			Subsystem: "listener",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the listener collectors. Register must be called before
// they show up on registerer; a nil registerer means the Prometheus default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:    registerer,
		messagesTotal: newCounterVec("messages_total", "Messages handed to a handler, by outcome", []string{"queue", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "queuehost",
				Subsystem: "listener",
				Name:      "handler_duration_seconds",
				Help:      "Time spent invoking the handler for one message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		fetchedTotal: newCounterVec("fetched_total", "Messages returned by batch fetches", []string{"queue"}),
		fetchErrors:  newCounterVec("fetch_errors_total", "Failed existence checks or batch fetches", []string{"queue"}),
		deleteErrors: newCounterVec("delete_errors_total", "Messages that could not be deleted after processing", []string{"queue"}),
		pollCycles:   newCounterVec("poll_cycles_total", "Completed drain passes", []string{"queue"}),
		activeListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "queuehost",
			Subsystem: "listener",
			Name:      "active",
			Help:      "Number of running poll loops",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.handlerDuration,
		m.fetchedTotal,
		m.fetchErrors,
		m.deleteErrors,
		m.pollCycles,
		m.activeListeners,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) recordMessage(queue string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.messagesTotal.WithLabelValues(queue, outcome).Inc()
	m.handlerDuration.WithLabelValues(queue).Observe(took.Seconds())
}

func (m *Metrics) recordFetch(queue string, n int) {
	if m == nil {
		return
	}
	m.fetchedTotal.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) recordFetchError(queue string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(queue).Inc()
}

func (m *Metrics) recordDeleteError(queue string) {
	if m == nil {
		return
	}
	m.deleteErrors.WithLabelValues(queue).Inc()
}

func (m *Metrics) recordPollCycle(queue string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(queue).Inc()
}

func (m *Metrics) loopStarted() {
	if m == nil {
		return
	}
	m.activeListeners.Inc()
}

func (m *Metrics) loopExited() {
	if m == nil {
		return
	}
	m.activeListeners.Dec()
}
