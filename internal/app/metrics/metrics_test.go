package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestInstrumentHandlerRecordsMetrics(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/rtc/api/config/demo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	if !metricCounterGreaterOrEqual(t, "rtcfgd_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/rtc/api/config/:name",
		"status": "202",
	}, 1) {
		t.Fatalf("expected http request counter to increment")
	}

	if !metricHistogramCountGreaterOrEqual(t, "rtcfgd_http_request_duration_seconds", map[string]string{
		"method": "GET",
		"path":   "/rtc/api/config/:name",
	}, 1) {
		t.Fatalf("expected http duration histogram to record samples")
	}
}

func TestRecordPull(t *testing.T) {
	RecordPull("demo", "changed", 5*time.Millisecond)
	if !metricCounterGreaterOrEqual(t, "rtcfgd_pull_requests_total", map[string]string{
		"project": "demo",
		"result":  "changed",
	}, 1) {
		t.Fatalf("expected pull counter to increase")
	}
	if !metricHistogramCountGreaterOrEqual(t, "rtcfgd_resolver_resolve_duration_seconds", map[string]string{
		"project": "demo",
	}, 1) {
		t.Fatalf("expected resolve duration histogram to record")
	}

	RecordPull("", "nochange", time.Millisecond)
	if !metricCounterGreaterOrEqual(t, "rtcfgd_pull_requests_total", map[string]string{
		"project": "unknown",
		"result":  "nochange",
	}, 1) {
		t.Fatalf("expected pull counter with unknown project")
	}
}

func TestRecordPushNotification(t *testing.T) {
	RecordPushNotification("demo")
	if !metricCounterGreaterOrEqual(t, "rtcfgd_push_notifications_total", map[string]string{
		"project": "demo",
	}, 1) {
		t.Fatalf("expected push notification counter to increase")
	}

	RecordPushNotification("")
	if !metricCounterGreaterOrEqual(t, "rtcfgd_push_notifications_total", map[string]string{
		"project": "unknown",
	}, 1) {
		t.Fatalf("expected push notification counter with unknown project")
	}
}

func TestRecordBusEvent(t *testing.T) {
	RecordBusEvent("publish", "config_changed")
	if !metricCounterGreaterOrEqual(t, "rtcfgd_bus_events_total", map[string]string{
		"direction": "publish",
		"func":      "config_changed",
	}, 1) {
		t.Fatalf("expected bus event counter to increase")
	}

	RecordBusEvent("receive", "")
	if !metricCounterGreaterOrEqual(t, "rtcfgd_bus_events_total", map[string]string{
		"direction": "receive",
		"func":      "unknown",
	}, 1) {
		t.Fatalf("expected bus event counter with unknown func")
	}
}

func TestSetConnectedSessions(t *testing.T) {
	SetConnectedSessions(7)
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var found bool
	for _, mf := range families {
		if mf.GetName() != "rtcfgd_registry_connected_sessions" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if metric.GetGauge().GetValue() == 7 {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected connected sessions gauge to be set to 7")
	}
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue() >= min
			}
		}
	}
	return false
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				return metric.GetHistogram().GetSampleCount() >= min
			}
		}
	}
	return false
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/rtc/api/config", "/rtc/api/config"},
		{"/rtc/api/config/demo", "/rtc/api/config/:name"},
		{"/rtc/api/config/demo/item", "/rtc/api/config/:name"},
		{"/rtc/api/client", "/rtc/api/client"},
		{"/rtc/api/system/info", "/rtc/api/system"},
		{"rtc/api/config/demo", "/rtc/api/config/:name"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := canonicalPath(tt.input)
			if result != tt.expected {
				t.Errorf("canonicalPath(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusNotFound)
	if sr.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", sr.status)
	}

	rec2 := httptest.NewRecorder()
	sr2 := &statusRecorder{ResponseWriter: rec2, status: 0}
	n, err := sr2.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes written, got %d", n)
	}
	if sr2.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", sr2.status)
	}

	rec3 := httptest.NewRecorder()
	sr3 := &statusRecorder{ResponseWriter: rec3, status: http.StatusCreated}
	sr3.Write([]byte("test"))
	if sr3.status != http.StatusCreated {
		t.Errorf("expected status 201 preserved, got %d", sr3.status)
	}
}

func TestMetaLabel(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]string
		expected string
	}{
		{"nil map", nil, "unknown"},
		{"empty map", map[string]string{}, "unknown"},
		{"project key", map[string]string{"project": "demo"}, "demo"},
		{"resource key", map[string]string{"resource": "res-1"}, "res-1"},
		{"project takes precedence", map[string]string{"project": "demo", "resource": "res-1"}, "demo"},
		{"empty project falls through", map[string]string{"project": "", "resource": "res-1"}, "res-1"},
		{"all empty returns unknown", map[string]string{"project": "", "resource": ""}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := metaLabel(tt.meta)
			if result != tt.expected {
				t.Errorf("metaLabel(%v) = %q, want %q", tt.meta, result, tt.expected)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	h := Handler()
	if h == nil {
		t.Fatal("Handler() should return non-nil handler")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty metrics response")
	}
}

func TestInstrumentHandler_MetricsPathPassthrough(t *testing.T) {
	called := false
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected /metrics path to pass through to handler")
	}
}

func TestObservationHooks(t *testing.T) {
	hooks := ObservationHooks("test_ns", "test_sub", "test_op")

	if hooks.OnStart == nil {
		t.Fatal("OnStart should not be nil")
	}
	if hooks.OnComplete == nil {
		t.Fatal("OnComplete should not be nil")
	}

	hooks.OnStart(nil, map[string]string{"resource": "test-res"})
	hooks.OnComplete(nil, map[string]string{"resource": "test-res"}, nil, 100*time.Millisecond)
	hooks.OnComplete(nil, map[string]string{"resource": "test-res"}, fmt.Errorf("test error"), 50*time.Millisecond)

	hooks2 := ObservationHooks("test_ns", "test_sub", "test_op")
	if hooks2.OnStart == nil || hooks2.OnComplete == nil {
		t.Fatal("cached hooks should be valid")
	}
}

func TestBackendHooks(t *testing.T) {
	hooks := BackendHooks("json_file")
	if hooks.OnStart == nil || hooks.OnComplete == nil {
		t.Fatal("BackendHooks should return valid hooks")
	}
}
