package execution

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the execution pipeline.
type Metrics struct {
	Started  prometheus.Counter
	Finished *prometheus.CounterVec
	Duration prometheus.Histogram
	Swept    *prometheus.CounterVec
}

// NewMetrics creates and registers execution metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "execution",
			Name:      "started_total",
			Help:      "Total executions accepted and dispatched.",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "execution",
			Name:      "finished_total",
			Help:      "Total executions that reached a terminal state, by status and fault kind.",
		}, []string{"status", "kind"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scriptbox",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall time from Running to the terminal state.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 300},
		}),
		Swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "execution",
			Name:      "swept_total",
			Help:      "Total records touched by the recovery sweep, by action.",
		}, []string{"action"}),
	}

	reg.MustRegister(m.Started, m.Finished, m.Duration, m.Swept)
	return m
}

func (m *Metrics) started() {
	if m != nil {
		m.Started.Inc()
	}
}

func (m *Metrics) finished(status, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.Finished.WithLabelValues(status, kind).Inc()
	m.Duration.Observe(seconds)
}

func (m *Metrics) swept(action string) {
	if m != nil {
		m.Swept.WithLabelValues(action).Inc()
	}
}
