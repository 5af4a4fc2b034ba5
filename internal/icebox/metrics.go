package icebox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	transitions *prometheus.CounterVec
	active      prometheus.Gauge
	observers   prometheus.Gauge
	failures    prometheus.Counter
}

// newMetrics registers the collectors with reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icebox",
			Name:      "service_transitions_total",
			Help:      "Number of completed service transitions by service and event.",
		}, []string{"service", "event"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "icebox",
			Name:      "services_active",
			Help:      "Number of started services.",
		}),
		observers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "icebox",
			Name:      "observers",
			Help:      "Number of registered service observers.",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "icebox",
			Name:      "observer_notification_failures_total",
			Help:      "Number of failed observer notifications.",
		}),
	}
}

func (m *metrics) started(name string) {
	m.transitions.WithLabelValues(name, "started").Inc()
	m.active.Inc()
}

func (m *metrics) stopped(name string) {
	m.transitions.WithLabelValues(name, "stopped").Inc()
	m.active.Dec()
}
