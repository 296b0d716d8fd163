package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestTracker(threshold time.Duration) *SLATracker {
	return NewSLATracker(threshold, zerolog.Nop(), nil)
}

func TestTimingSetsRequestID(t *testing.T) {
	e := echo.New()
	tracker := newTestTracker(time.Second)
	handler := Timing(tracker)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatal(err)
	}

	rid := rec.Header().Get("X-Request-ID")
	if len(rid) != 8 {
		t.Errorf("X-Request-ID = %q, want 8 hex chars", rid)
	}
	if got, _ := c.Get("request_id").(string); got != rid {
		t.Errorf("context request_id = %q, header = %q", got, rid)
	}
	if rec.Header().Get("X-Response-Time") == "" {
		t.Error("X-Response-Time missing")
	}
}

func TestTimingHonorsIncomingRequestID(t *testing.T) {
	e := echo.New()
	handler := Timing(newTestTracker(time.Second))(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-id-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get("X-Request-ID") != "caller-id-1" {
		t.Errorf("X-Request-ID = %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestSLAViolationHeaderAndCounter(t *testing.T) {
	e := echo.New()
	tracker := newTestTracker(20 * time.Millisecond)
	slow := func(c echo.Context) error {
		time.Sleep(50 * time.Millisecond)
		return c.String(http.StatusOK, "slow")
	}
	handler := Timing(tracker)(slow)

	req := httptest.NewRequest(http.MethodPost, "/fhir/pipeline", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatal(err)
	}

	if rec.Header().Get("X-SLA-Violation") != "true" {
		t.Error("X-SLA-Violation header missing on slow request")
	}
	if tracker.ViolationCount() != 1 {
		t.Errorf("violation count = %d, want 1", tracker.ViolationCount())
	}

	violations := tracker.RecentViolations()
	if len(violations) != 1 {
		t.Fatalf("recent violations = %d", len(violations))
	}
	if violations[0].Path != "/fhir/pipeline" {
		t.Errorf("violation path = %q", violations[0].Path)
	}
}

func TestFastRequestNoViolation(t *testing.T) {
	e := echo.New()
	tracker := newTestTracker(time.Second)
	handler := Timing(tracker)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get("X-SLA-Violation") != "" {
		t.Error("X-SLA-Violation set on fast request")
	}
	if tracker.ComplianceRate() != 1 {
		t.Errorf("compliance = %v", tracker.ComplianceRate())
	}
}

func TestEndpointStats(t *testing.T) {
	tracker := newTestTracker(time.Second)
	for i := 0; i < 10; i++ {
		tracker.record("rid", "GET", "/health", 5*time.Millisecond, i == 0)
	}
	stats := tracker.EndpointStats()
	s, ok := stats["GET /health"]
	if !ok {
		t.Fatalf("stats keys = %v", stats)
	}
	if s.Requests != 10 {
		t.Errorf("requests = %d", s.Requests)
	}
	if s.Errors != 1 {
		t.Errorf("errors = %d", s.Errors)
	}
	if s.AvgMs <= 0 || s.P95Ms <= 0 {
		t.Errorf("avg = %v, p95 = %v", s.AvgMs, s.P95Ms)
	}
}

func TestViolationRingBounded(t *testing.T) {
	tracker := newTestTracker(time.Nanosecond)
	for i := 0; i < violationRingCap+10; i++ {
		tracker.record("rid", "GET", "/x", time.Millisecond, false)
	}
	if got := len(tracker.RecentViolations()); got != violationRingCap {
		t.Errorf("ring size = %d, want %d", got, violationRingCap)
	}
	if tracker.ViolationCount() != int64(violationRingCap+10) {
		t.Errorf("total violations = %d", tracker.ViolationCount())
	}
}

func TestPercentile95(t *testing.T) {
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i + 1)
	}
	if got := percentile95(samples); got != 95 {
		t.Errorf("p95 = %v", got)
	}
	if got := percentile95(nil); got != 0 {
		t.Errorf("p95 of empty = %v", got)
	}
}
