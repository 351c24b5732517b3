package client

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joncooperworks/authplugin/wire"
)

// Request outcomes.
const (
	OutcomeOK               = "ok"
	OutcomeApplicationFault = "application_fault"
	OutcomeTransportFault   = "transport_fault"
)

// Session open results.
const (
	SessionOK           = "ok"
	SessionIncompatible = "incompatible"
	SessionFailed       = "failed"
)

// Metrics counts plugin traffic. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sessions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authplugin_requests_total",
			Help: "Requests sent to auth plugins, by action and outcome.",
		}, []string{"action", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authplugin_request_duration_seconds",
			Help:    "Round-trip time of auth plugin requests.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"action"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authplugin_sessions_opened_total",
			Help: "Auth plugin handshakes, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.sessions)
	}
	return m
}

func (m *Metrics) observeRequest(action wire.Action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(action), outcome).Inc()
	m.duration.WithLabelValues(string(action)).Observe(d.Seconds())
}

func (m *Metrics) sessionOpened(err error) {
	if m == nil {
		return
	}
	result := SessionOK
	switch {
	case err == nil:
	case errors.Is(err, ErrIncompatible):
		result = SessionIncompatible
	default:
		result = SessionFailed
	}
	m.sessions.WithLabelValues(result).Inc()
}
