package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}
	if m.RequestsTotal == nil {
		t.Error("Expected RequestsTotal to be initialized")
	}
	if m.CommitsAppendedTotal == nil {
		t.Error("Expected CommitsAppendedTotal to be initialized")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()

	m.RequestsTotal.WithLabelValues("POST", "/sync/{repo}/round", "200").Inc()

	handler := m.Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "goatdb_requests_total") {
		t.Error("Expected metrics output to contain goatdb_requests_total")
	}
	if !strings.Contains(string(body), "go_") {
		t.Error("Expected metrics output to contain Go runtime metrics")
	}
}

func TestMetrics_Middleware(t *testing.T) {
	m := New()

	var called bool
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/sync/tasks/round", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if !called {
		t.Error("Handler should have been called")
	}
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestMetrics_RecordCommitAppended(t *testing.T) {
	m := New()

	m.RecordCommitAppended("tasks")
	m.RecordCommitAppended("tasks")

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordCommitRejected(t *testing.T) {
	m := New()

	m.RecordCommitRejected("tasks", "already_known")
	m.RecordCommitRejected("tasks", "verify_failed")

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordMergeFallback(t *testing.T) {
	m := New()

	m.RecordMergeFallback("tasks")

	// Verify metrics are recorded (no panic)
}

func TestMetrics_UpdateRepositoryCommits(t *testing.T) {
	m := New()

	m.UpdateRepositoryCommits("tasks", 42)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordSyncRound(t *testing.T) {
	m := New()

	m.RecordSyncRound("peer-1", true, 10*time.Millisecond)
	m.RecordSyncRound("peer-1", false, 50*time.Millisecond)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordCommitsExchanged(t *testing.T) {
	m := New()

	m.RecordCommitsExchanged("peer-1", "sent", 3)
	m.RecordCommitsExchanged("peer-1", "received", 1)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordQueryRun(t *testing.T) {
	m := New()

	m.RecordQueryRun("open-tasks", 5*time.Millisecond)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordQueryCacheAccess(t *testing.T) {
	m := New()

	m.RecordQueryCacheAccess("open-tasks", true)
	m.RecordQueryCacheAccess("open-tasks", false)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordSignatureVerification(t *testing.T) {
	m := New()

	m.RecordSignatureVerification(true)
	m.RecordSignatureVerification(false)

	// Verify metrics are recorded (no panic)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/sync/tasks/round", "/sync/{repo}/round"},
		{"/sync/other-repo/round", "/sync/{repo}/round"},
		{"/health/live", "/health/live"},
		{"/metrics", "/metrics"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestStartsWith(t *testing.T) {
	if !startsWith("/sync/tasks/round", "/sync/") {
		t.Error("Expected startsWith to return true")
	}
	if startsWith("/health/live", "/sync/") {
		t.Error("Expected startsWith to return false")
	}
}

func TestEndsWith(t *testing.T) {
	if !endsWith("/sync/tasks/round", "/round") {
		t.Error("Expected endsWith to return true")
	}
	if endsWith("/sync/tasks", "/round") {
		t.Error("Expected endsWith to return false")
	}
}
