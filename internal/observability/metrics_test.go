package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal not initialized")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration not initialized")
	}
	if m.InFlightRequests == nil {
		t.Error("InFlightRequests not initialized")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions not initialized")
	}
	if m.DecisionsTotal == nil {
		t.Error("DecisionsTotal not initialized")
	}
	if m.BundleRebuildsTotal == nil {
		t.Error("BundleRebuildsTotal not initialized")
	}
	if m.BundleRevision == nil {
		t.Error("BundleRevision not initialized")
	}
	if m.GovernanceTransitions == nil {
		t.Error("GovernanceTransitions not initialized")
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "ok").Inc()
	if count := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "ok")); count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}

	m.DecisionsTotal.WithLabelValues("tool_call", "deny").Inc()
	m.DecisionsTotal.WithLabelValues("tool_call", "deny").Inc()
	if count := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("tool_call", "deny")); count != 2 {
		t.Errorf("DecisionsTotal = %v, want 2", count)
	}

	m.BundleRevision.Set(17)
	if rev := testutil.ToFloat64(m.BundleRevision); rev != 17 {
		t.Errorf("BundleRevision = %v, want 17", rev)
	}

	m.RequestDuration.WithLabelValues("POST").Observe(0.1)
	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range gathered {
		if strings.Contains(mf.GetName(), "request_duration") {
			found = true
			break
		}
	}
	if !found {
		t.Error("request_duration histogram not found in gathered metrics")
	}
}

func TestMetricsCounterWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.BundleRebuildsTotal.WithLabelValues("change").Inc()

	var out dto.Metric
	if err := m.BundleRebuildsTotal.WithLabelValues("change").Write(&out); err != nil {
		t.Fatal(err)
	}
	if out.Counter.GetValue() != 1 {
		t.Errorf("BundleRebuildsTotal = %f, want 1", out.Counter.GetValue())
	}
}

func TestNewRegistryIncludesRuntimeCollectors(t *testing.T) {
	reg := NewRegistry()

	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	var sawGo bool
	for _, mf := range gathered {
		if strings.HasPrefix(mf.GetName(), "go_") {
			sawGo = true
			break
		}
	}
	if !sawGo {
		t.Error("go runtime collector metrics not found in registry")
	}
}
