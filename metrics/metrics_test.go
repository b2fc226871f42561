package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.DisputeOpened("HIGH")
	m.DisputeResolved("REFUNDED")
	m.EscrowSettled("COMPLETED", "request", "USD", 100)
	m.OutboxHandled("delivered")
	m.ObserveSweep(time.Second, 1)
	m.ObserveHTTP("GET", "/healthz", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestCountersAndExposition(t *testing.T) {
	m := New()
	m.DisputeOpened("HIGH")
	m.DisputeOpened("HIGH")
	m.DisputeOpened("LOW")
	m.EscrowSettled("COMPLETED", "scheduler", "USD", 55000)

	if got := counterValue(t, m, "gigescrow_disputes_opened_total", "priority", "HIGH"); got != 2 {
		t.Fatalf("expected 2 HIGH disputes, got %v", got)
	}
	if got := counterValue(t, m, "gigescrow_escrow_settled_minor_units_total", "currency", "USD"); got != 55000 {
		t.Fatalf("expected 55000 settled, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gigescrow_disputes_opened_total") {
		t.Fatalf("exposition missing dispute counter")
	}
}

func counterValue(t *testing.T, m *Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s=%q} not found", name, label, value)
	return 0
}
