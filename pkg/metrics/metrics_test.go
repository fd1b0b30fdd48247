package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /api/v1/chat/completions", 200, 15*time.Millisecond)
	r.Observe("POST /api/v1/chat/completions", 503, 35*time.Millisecond)
	r.IncCategory("")
	r.IncCategory("BUDGET_EXCEEDED")
	r.IncModel("gpt-4o-mini")
	r.SetGauge("queue_depth", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["POST /api/v1/chat/completions"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Categories["OK"] != 1 {
		t.Fatalf("empty category must count as OK, got %v", snap.Categories)
	}
	if snap.Categories["BUDGET_EXCEEDED"] != 1 {
		t.Fatalf("expected BUDGET_EXCEEDED=1 got=%d", snap.Categories["BUDGET_EXCEEDED"])
	}
	if snap.Models["gpt-4o-mini"] != 1 {
		t.Fatalf("expected model count=1 got=%d", snap.Models["gpt-4o-mini"])
	}
	if snap.Gauges["queue_depth"] != 3 {
		t.Fatalf("expected gauge queue_depth=3 got=%v", snap.Gauges["queue_depth"])
	}
}

func TestDomainCounters(t *testing.T) {
	r := NewRegistry()
	r.IncTelemetryDropped()
	r.IncTelemetryDropped()
	r.AddAutoRefunds(3)
	r.AddAutoRefunds(0)
	r.IncOverrun()
	r.SetBreakerState("gpt-4o", "OPEN")
	r.IncDraftState("pending")

	snap := r.Snapshot()
	if snap.TelemetryDropped != 2 {
		t.Fatalf("expected dropped=2 got=%d", snap.TelemetryDropped)
	}
	if snap.BudgetAutoRefunds != 3 {
		t.Fatalf("expected auto refunds=3 got=%d", snap.BudgetAutoRefunds)
	}
	if snap.BudgetOverruns != 1 {
		t.Fatalf("expected overruns=1 got=%d", snap.BudgetOverruns)
	}
	if snap.BreakerStates["gpt-4o"] != "OPEN" {
		t.Fatalf("expected breaker OPEN got=%q", snap.BreakerStates["gpt-4o"])
	}
	if snap.DraftTotals["PENDING"] != 1 {
		t.Fatalf("expected PENDING=1 got=%v", snap.DraftTotals)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /api/v1/chat/completions", 200, 12*time.Millisecond)
	r.Observe("POST /api/v1/chat/completions", 500, 20*time.Millisecond)
	r.IncCategory("UNAVAILABLE")
	r.IncModel("gpt-4o")
	r.SetBreakerState("gpt-4o", "OPEN")
	r.IncTelemetryDropped()
	r.SetGauge("queue_depth", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "adlc_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "adlc_request_category_total{category=\"UNAVAILABLE\"} 1") {
		t.Fatalf("missing category metric: %s", body)
	}
	if !strings.Contains(body, "adlc_breaker_state{model=\"gpt-4o\",state=\"OPEN\"} 1") {
		t.Fatalf("missing breaker metric: %s", body)
	}
	if !strings.Contains(body, "adlc_telemetry_dropped_total 1") {
		t.Fatalf("missing drop counter: %s", body)
	}
	if !strings.Contains(body, "adlc_gauge{name=\"queue_depth\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncModel("")
	r.SetGauge("", 5)
	r.SetBreakerState("", "OPEN")
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
