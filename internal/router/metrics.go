package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the router collectors of one gateway instance.
type Metrics struct {
	routes     *prometheus.GaugeVec
	dispatched *prometheus.CounterVec
}

// NewMetrics creates router metrics registered with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		routes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "svcproxy",
				Subsystem: "router",
				Name:      "routes",
				Help:      "Number of compiled routes by adapter kind",
			},
			[]string{"kind"},
		),
		dispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "svcproxy",
				Subsystem: "router",
				Name:      "dispatch_total",
				Help:      "Total number of requests dispatched by the router",
			},
			[]string{"result"},
		),
	}
}

// SetTable records the route counts of t.
func (m *Metrics) SetTable(t *RouteTable) {
	if m == nil {
		return
	}
	m.routes.Reset()
	for kind, n := range t.CountByKind() {
		m.routes.WithLabelValues(kind.String()).Set(float64(n))
	}
}

func (m *Metrics) recordDispatch(matched bool) {
	if m == nil {
		return
	}
	result := "unmatched"
	if matched {
		result = "matched"
	}
	m.dispatched.WithLabelValues(result).Inc()
}
