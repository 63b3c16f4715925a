package changes

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments changes connections.
type Metrics struct {
	Messages             *prometheus.CounterVec
	Reconnects           prometheus.Counter
	Errors               prometheus.Counter
	ConfirmationTimeouts prometheus.Counter
	Subscriptions        prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsession",
			Subsystem: "changes",
			Name:      "messages_total",
			Help:      "Messages received, by type.",
		}, []string{"type"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docsession",
			Subsystem: "changes",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docsession",
			Subsystem: "changes",
			Name:      "connection_errors_total",
			Help:      "Connections lost or failed.",
		}),
		ConfirmationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docsession",
			Subsystem: "changes",
			Name:      "confirmation_timeouts_total",
			Help:      "Commands not confirmed in time.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docsession",
			Subsystem: "changes",
			Name:      "subscriptions",
			Help:      "Registered subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Messages, m.Reconnects, m.Errors, m.ConfirmationTimeouts, m.Subscriptions)
	}
	return m
}
