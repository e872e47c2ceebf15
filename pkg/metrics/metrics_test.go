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
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncWSSessionOpened()
	r.IncWSSessionOpened()
	r.IncWSSessionAuthenticated()
	r.IncAccessDenied()
	r.SetGauge("ws_sessions_active", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
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
	if snap.WsSessionsOpened != 2 {
		t.Fatalf("expected WsSessionsOpened=2 got=%d", snap.WsSessionsOpened)
	}
	if snap.WsSessionsAuthenticated != 1 {
		t.Fatalf("expected WsSessionsAuthenticated=1 got=%d", snap.WsSessionsAuthenticated)
	}
	if snap.AccessDeniedCount != 1 {
		t.Fatalf("expected AccessDeniedCount=1 got=%d", snap.AccessDeniedCount)
	}
	if snap.HTTPRequestsTotal != 2 {
		t.Fatalf("expected HTTPRequestsTotal=2 got=%d", snap.HTTPRequestsTotal)
	}
	if snap.Gauges["ws_sessions_active"] != 3 {
		t.Fatalf("expected gauge ws_sessions_active=3 got=%v", snap.Gauges["ws_sessions_active"])
	}
}

func TestRegistrySaveCounters(t *testing.T) {
	r := NewRegistry()
	r.IncSaveScheduled()
	r.IncSaveScheduled()
	r.IncSaveCompleted()

	snap := r.Snapshot()
	if snap.SavesScheduled != 2 {
		t.Fatalf("expected SavesScheduled=2 got=%d", snap.SavesScheduled)
	}
	if snap.SavesCompleted != 1 {
		t.Fatalf("expected SavesCompleted=1 got=%d", snap.SavesCompleted)
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
	r.Observe("GET /data/*", 200, 12*time.Millisecond)
	r.Observe("GET /data/*", 500, 20*time.Millisecond)
	r.IncWSSessionOpened()
	r.IncWSSessionAuthenticated()
	r.IncSaveScheduled()
	r.IncSaveCompleted()
	r.IncAccessDenied()
	r.SetGauge("ws_sessions_active", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "alfred_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "alfred_ws_sessions_opened_total 1") {
		t.Fatalf("missing ws session metric: %s", body)
	}
	if !strings.Contains(body, "alfred_ws_sessions_authenticated_total 1") {
		t.Fatalf("missing ws authenticated metric: %s", body)
	}
	if !strings.Contains(body, "alfred_saves_scheduled_total 1") {
		t.Fatalf("missing saves scheduled metric: %s", body)
	}
	if !strings.Contains(body, "alfred_saves_completed_total 1") {
		t.Fatalf("missing saves completed metric: %s", body)
	}
	if !strings.Contains(body, "alfred_access_denied_total 1") {
		t.Fatalf("missing access denied metric: %s", body)
	}
	if !strings.Contains(body, "alfred_gauge{name=\"ws_sessions_active\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("", 5)
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
	if strings.Contains(body, "\"\":") {
		t.Fatalf("did not expect an empty-key gauge in body: %s", body)
	}
}
