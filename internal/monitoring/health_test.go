package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/23skdu/longbow-quiver/internal/far"
)

func TestHealthEndpoint(t *testing.T) {
	cache := far.NewCache(far.NewMemTransport(0), 8*far.PageFloats*4)
	srv := NewServer(cache)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("status = %q, want %q", status.Status, "healthy")
	}
	if !status.Cache.Attached {
		t.Error("cache should be reported attached")
	}
	if status.Cache.FrameBudget != 8 {
		t.Errorf("frame budget = %d, want 8", status.Cache.FrameBudget)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics body is empty")
	}
}
