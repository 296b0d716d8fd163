package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	// DefaultSLAThreshold is the response-time target.
	DefaultSLAThreshold = 2 * time.Second

	violationRingCap = 50
	sampleCap        = 100
)

// SLAViolation records one request that exceeded the threshold.
type SLAViolation struct {
	RequestID  string    `json:"request_id"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	DurationMs float64   `json:"duration_ms"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EndpointStats aggregates timing per route.
type EndpointStats struct {
	Requests   int64   `json:"requests"`
	Errors     int64   `json:"errors"`
	AvgMs      float64 `json:"avg_ms"`
	P95Ms      float64 `json:"p95_ms"`
	Violations int64   `json:"violations"`
}

type endpointCounter struct {
	requests   int64
	errors     int64
	totalMs    float64
	samples    []float64
	violations int64
}

// SLATracker keeps the violation ring and per-endpoint counters.
type SLATracker struct {
	threshold time.Duration
	logger    zerolog.Logger

	mu         sync.Mutex
	violations []SLAViolation
	ringStart  int
	endpoints  map[string]*endpointCounter
	total      int64
	violated   int64

	violationCounter prometheus.Counter
}

// NewSLATracker creates a tracker and registers its violation counter.
func NewSLATracker(threshold time.Duration, logger zerolog.Logger, reg prometheus.Registerer) *SLATracker {
	if threshold <= 0 {
		threshold = DefaultSLAThreshold
	}
	t := &SLATracker{
		threshold: threshold,
		logger:    logger,
		endpoints: make(map[string]*endpointCounter),
		violationCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fhirflow_sla_violations_total",
			Help: "Requests that exceeded the response-time SLA.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.violationCounter)
	}
	return t
}

// Threshold returns the configured SLA threshold.
func (t *SLATracker) Threshold() time.Duration { return t.threshold }

func (t *SLATracker) record(requestID, method, path string, duration time.Duration, isError bool) bool {
	ms := float64(duration.Microseconds()) / 1000.0
	violated := duration > t.threshold

	t.mu.Lock()
	t.total++
	key := method + " " + path
	counter := t.endpoints[key]
	if counter == nil {
		counter = &endpointCounter{}
		t.endpoints[key] = counter
	}
	counter.requests++
	counter.totalMs += ms
	if isError {
		counter.errors++
	}
	if len(counter.samples) < sampleCap {
		counter.samples = append(counter.samples, ms)
	} else {
		copy(counter.samples, counter.samples[1:])
		counter.samples[len(counter.samples)-1] = ms
	}

	if violated {
		t.violated++
		counter.violations++
		v := SLAViolation{
			RequestID:  requestID,
			Path:       path,
			Method:     method,
			DurationMs: ms,
			OccurredAt: time.Now().UTC(),
		}
		if len(t.violations) < violationRingCap {
			t.violations = append(t.violations, v)
		} else {
			t.violations[t.ringStart] = v
			t.ringStart = (t.ringStart + 1) % violationRingCap
		}
	}
	t.mu.Unlock()

	if violated {
		t.violationCounter.Inc()
		t.logger.Warn().
			Str("request_id", requestID).
			Str("path", path).
			Float64("duration_ms", ms).
			Msg("SLA violation")
	}
	return violated
}

// RecentViolations returns the ring contents, oldest first.
func (t *SLATracker) RecentViolations() []SLAViolation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SLAViolation, 0, len(t.violations))
	for i := 0; i < len(t.violations); i++ {
		out = append(out, t.violations[(t.ringStart+i)%len(t.violations)])
	}
	return out
}

// ViolationCount returns the total number of violations seen.
func (t *SLATracker) ViolationCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.violated
}

// ComplianceRate returns (total - violations) / total.
func (t *SLATracker) ComplianceRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 {
		return 1
	}
	return float64(t.total-t.violated) / float64(t.total)
}

// EndpointStats snapshots the per-route counters.
func (t *SLATracker) EndpointStats() map[string]EndpointStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]EndpointStats, len(t.endpoints))
	for key, counter := range t.endpoints {
		stats := EndpointStats{
			Requests:   counter.requests,
			Errors:     counter.errors,
			Violations: counter.violations,
		}
		if counter.requests > 0 {
			stats.AvgMs = counter.totalMs / float64(counter.requests)
		}
		stats.P95Ms = percentile95(counter.samples)
		out[key] = stats
	}
	return out
}

func percentile95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// newRequestID generates an 8-character hex request id.
func newRequestID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}

// Timing returns middleware that assigns a request id, emits the timing and
// SLA headers, and records per-endpoint stats.
func Timing(tracker *SLATracker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Request().Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = newRequestID()
			}
			c.Set("request_id", requestID)
			c.Response().Header().Set("X-Request-ID", requestID)

			start := time.Now()

			// Headers must be in place before the first body write commits
			// the response.
			c.Response().Before(func() {
				elapsed := time.Since(start)
				c.Response().Header().Set("X-Response-Time",
					fmt.Sprintf("%.2fms", float64(elapsed.Microseconds())/1000.0))
				if elapsed > tracker.threshold {
					c.Response().Header().Set("X-SLA-Violation", "true")
				}
			})

			err := next(c)

			isError := err != nil || c.Response().Status >= 500
			tracker.record(requestID, c.Request().Method, c.Request().URL.Path, time.Since(start), isError)
			return err
		}
	}
}
