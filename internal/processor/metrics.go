package processor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes reported to Metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// Metrics captures processor telemetry.
type Metrics interface {
	// ObserveItem records one processed item.
	ObserveItem(action, outcome string, duration time.Duration)
	// SetPending updates the current pending item count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveItem implements Metrics.
func (NopMetrics) ObserveItem(string, string, time.Duration) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}

// PrometheusMetrics exports processor telemetry to Prometheus.
type PrometheusMetrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	pending   prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexsync_queue_items_processed_total",
				Help: "Total number of processed queue items.",
			},
			[]string{"action", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexsync_queue_item_duration_seconds",
				Help:    "Queue item processing duration in seconds.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"action"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lexsync_queue_pending_items",
				Help: "Number of pending queue items.",
			},
		),
	}
	reg.MustRegister(m.processed, m.duration, m.pending)
	return m
}

// ObserveItem implements Metrics.
func (m *PrometheusMetrics) ObserveItem(action, outcome string, duration time.Duration) {
	m.processed.WithLabelValues(action, outcome).Inc()
	m.duration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetPending implements Metrics.
func (m *PrometheusMetrics) SetPending(count int) {
	m.pending.Set(float64(count))
}
