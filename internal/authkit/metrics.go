package authkit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Auth event names recorded by the Service.
const (
	MetricLoginInitiated        = "auth.login.initiated"
	MetricCallbackReceived      = "auth.callback.received"
	MetricCallbackAuthenticated = "auth.callback.authenticated"
	MetricCallbackFailed        = "auth.callback.failed"
	MetricRefreshSuccess        = "auth.refresh.success"
	MetricRefreshFailed         = "auth.refresh.failed"
	MetricLogout                = "auth.logout"
	MetricAuthenticateRejected  = "auth.authenticate.rejected"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

// PrometheusMetrics exports auth events as a labelled counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the auth event counter on the registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		events: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "socialauth",
				Name:      "auth_events_total",
				Help:      "Authentication lifecycle events by name",
			},
			[]string{"event"},
		),
	}
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}
