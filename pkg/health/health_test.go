package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestRunAll tests aggregation across passing and failing checks
func TestRunAll(t *testing.T) {
	r := NewRegistry()
	r.Register("storage", func() error { return nil })

	report := r.RunAll()
	if report.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", report.Status)
	}

	r.Register("scheduler", func() error { return errors.New("stopped") })
	report = r.RunAll()
	if report.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy with a failing check", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Errorf("report carries %d checks, want 2", len(report.Checks))
	}
}

// TestHandlers tests the HTTP status codes
func TestHandlers(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", func() error { return nil })

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthy /health = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d, want 200", rec.Code)
	}

	r.Register("bad", func() error { return errors.New("down") })

	rec = httptest.NewRecorder()
	r.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unready = %d, want 503", rec.Code)
	}

	// Liveness stays green regardless of check results
	rec = httptest.NewRecorder()
	r.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live = %d, want 200", rec.Code)
	}
}
