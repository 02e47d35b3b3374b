package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// APIMetrics instruments the REST server.
type APIMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewAPIMetrics creates the REST server collectors, nil when metrics
// are disabled.
func NewAPIMetrics() *APIMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &APIMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "teivault_http_requests_total",
				Help: "Total HTTP requests by method, route pattern, and status code",
			},
			[]string{"method", "route", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "teivault_http_request_duration_seconds",
				Help: "HTTP request duration by route pattern",
				Buckets: []float64{
					0.001, // metadata lookups
					0.005,
					0.025,
					0.1,
					0.5, // blob transfers
					2.5,
					10, // sync trigger
				},
			},
			[]string{"route"},
		),
		inFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "teivault_http_requests_in_flight",
				Help: "Currently served HTTP requests",
			},
		),
	}
}

// ObserveRequest records one finished request.
func (m *APIMetrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(d.Seconds())
}

// RequestStarted marks a request in flight. The returned func marks it
// done.
func (m *APIMetrics) RequestStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
