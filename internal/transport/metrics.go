package transport

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gdrive"

// Metrics holds the Prometheus collectors for HTTP exchanges.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP exchanges by method and status code.",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Wall-clock duration of HTTP exchanges until response headers.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"method"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "transport_errors_total",
			Help:      "HTTP exchanges that failed before a response was received.",
		}, []string{"method"}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.failures)
	}

	return m
}

func (m *Metrics) observe(method string, code int, d time.Duration) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) observeFailure(method string, d time.Duration) {
	if m == nil {
		return
	}

	m.failures.WithLabelValues(method).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

// WriteTextfile dumps everything g gathers to path in the text exposition
// format, for the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("transport: writing metrics to %s: %w", path, err)
	}

	return nil
}
