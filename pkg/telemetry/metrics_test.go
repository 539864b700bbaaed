package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountAndTolerateReregistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.IncTransition("queued")
	m.IncTransition("queued")

	again := NewMetrics(reg)
	again.IncTransition("queued")

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("queued")); got != 3 {
		t.Fatalf("expected shared counter value 3, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncSubmission("created")
	m.IncDelivery("dropped")
	m.IncFailure("dispatch")
	m.IncNotification("build_failed")
}
