package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects pipeline counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	submissions   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	failures      *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_build_submissions_total",
		Help: "Build submissions by outcome.",
	}, []string{"outcome"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_build_transitions_total",
		Help: "Build status transitions by target status.",
	}, []string{"status"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_build_deliveries_total",
		Help: "Work queue deliveries handled by the dispatcher, by outcome.",
	}, []string{"outcome"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_build_notifications_total",
		Help: "Outbound notifications persisted, by kind.",
	}, []string{"kind"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_build_failures_total",
		Help: "Stage failures by stage.",
	}, []string{"stage"})

	return &Metrics{
		submissions:   registerCounterVec(registerer, submissions),
		transitions:   registerCounterVec(registerer, transitions),
		deliveries:    registerCounterVec(registerer, deliveries),
		notifications: registerCounterVec(registerer, notifications),
		failures:      registerCounterVec(registerer, failures),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncNotification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncFailure(stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
