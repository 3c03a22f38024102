package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the proxy collectors of one gateway instance.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
}

// NewMetrics creates proxy metrics registered with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "svcproxy",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total number of proxied requests by final status",
			},
			[]string{"service", "kind", "status"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "svcproxy",
				Subsystem: "proxy",
				Name:      "errors_total",
				Help:      "Total number of failed forwards",
			},
			[]string{"service", "error_type"},
		),
		backendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "svcproxy",
				Subsystem: "proxy",
				Name:      "backend_duration_seconds",
				Help:      "Time until the backend response headers arrived",
				Buckets: []float64{
					.001, .005, .01, .025,
					.05, .1, .25, .5,
					1, 2.5, 5, 10, 30, 60,
				},
			},
			[]string{"service"},
		),
	}
}

func (m *Metrics) recordRequest(service, kind string, status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(service, kind, strconv.Itoa(status)).Inc()
}

func (m *Metrics) recordError(service string, err error) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(service, errorType(err)).Inc()
}

func (m *Metrics) recordBackend(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.backendDuration.WithLabelValues(service).Observe(d.Seconds())
}
