package tunnel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upgrade outcomes used as metric labels.
const (
	outcomeTunneled = "tunneled"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

// Metrics contains the tunnel collectors of one gateway instance.
type Metrics struct {
	upgradesTotal  *prometheus.CounterVec
	active         prometheus.Gauge
	tunnelDuration prometheus.Histogram
}

// NewMetrics creates tunnel metrics registered with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		upgradesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "svcproxy",
				Subsystem: "tunnel",
				Name:      "upgrades_total",
				Help:      "Total number of upgrade attempts by outcome",
			},
			[]string{"outcome"},
		),
		active: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "svcproxy",
				Subsystem: "tunnel",
				Name:      "active",
				Help:      "Number of open tunnels",
			},
		),
		tunnelDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "svcproxy",
				Subsystem: "tunnel",
				Name:      "duration_seconds",
				Help:      "Lifetime of tunnels in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
	}

	// Pre-populate outcomes so they appear in /metrics immediately.
	for _, o := range []string{outcomeTunneled, outcomeRejected, outcomeFailed} {
		m.upgradesTotal.WithLabelValues(o)
	}
	return m
}

func (m *Metrics) recordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.upgradesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) tunnelOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) tunnelClosed(d time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.tunnelDuration.Observe(d.Seconds())
}
