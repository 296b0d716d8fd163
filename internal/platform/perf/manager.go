package perf

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Default tunables.
const (
	DefaultCacheCapacity  = 1000
	DefaultCacheTTL       = 3600 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxConcurrent  = 10
	DefaultTargetDuration = 2 * time.Second

	maxCacheTTL       = 7200 * time.Second
	maxCacheCapacity  = 5000
	minRequestTimeout = 10 * time.Second
	maxConcurrentCap  = 20

	metricRingCap = 10000
)

// MetricRecord is one tracked operation.
type MetricRecord struct {
	OperationType string    `json:"operation_type"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationMs    float64   `json:"duration_ms"`
	ResourceCount int       `json:"resource_count"`
	CacheHit      bool      `json:"cache_hit"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// Snapshot is the aggregated performance view.
type Snapshot struct {
	ValidationCache   CacheStats `json:"validation_cache"`
	ResourceCache     CacheStats `json:"resource_cache"`
	BundleCache       CacheStats `json:"bundle_cache"`
	TrackedOperations int        `json:"tracked_operations"`
	RecentAvgMs       float64    `json:"recent_avg_ms"`
	SuccessRate       float64    `json:"success_rate"`
	CacheHitRate      float64    `json:"cache_hit_rate"`
	RequestTimeout    string     `json:"request_timeout"`
	MaxConcurrent     int        `json:"max_concurrent"`
}

type pendingOp struct {
	opType        string
	startedAt     time.Time
	resourceCount int
}

// Manager owns the three caches, the operation ring buffer, and the
// auto-tuned runtime limits.
type Manager struct {
	Validation *Cache
	Resource   *Cache
	Bundle     *Cache

	logger zerolog.Logger

	mu             sync.Mutex
	pending        map[string]pendingOp
	ring           []MetricRecord
	ringStart      int
	nextID         int64
	requestTimeout time.Duration
	maxConcurrent  int

	opsTotal   *prometheus.CounterVec
	opDuration prometheus.Histogram
	cacheHits  *prometheus.CounterVec
}

// NewManager creates a Manager and registers its metrics.
func NewManager(logger zerolog.Logger, reg prometheus.Registerer) *Manager {
	m := &Manager{
		Validation:     NewCache(DefaultCacheCapacity, DefaultCacheTTL),
		Resource:       NewCache(DefaultCacheCapacity, DefaultCacheTTL),
		Bundle:         NewCache(DefaultCacheCapacity, DefaultCacheTTL),
		logger:         logger,
		pending:        make(map[string]pendingOp),
		ring:           make([]MetricRecord, 0, metricRingCap),
		requestTimeout: DefaultRequestTimeout,
		maxConcurrent:  DefaultMaxConcurrent,
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirflow_operations_total",
			Help: "Tracked pipeline operations by type and outcome.",
		}, []string{"operation", "outcome"}),
		opDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fhirflow_operation_duration_seconds",
			Help:    "Duration of tracked pipeline operations.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirflow_cache_requests_total",
			Help: "Cache lookups by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.opsTotal, m.opDuration, m.cacheHits)
	}
	return m
}

// StartTracking opens a tracked operation and returns its opaque id.
func (m *Manager) StartTracking(opType string, resourceCount int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("op-%d", m.nextID)
	m.pending[id] = pendingOp{opType: opType, startedAt: time.Now(), resourceCount: resourceCount}
	return id
}

// EndTracking closes a tracked operation and records it into the ring buffer.
func (m *Manager) EndTracking(id string, success, cacheHit bool) {
	m.endTracking(id, success, cacheHit, "")
}

// EndTrackingErr closes a tracked operation as failed, recording the error
// message alongside the metric.
func (m *Manager) EndTrackingErr(id string, cacheHit bool, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.endTracking(id, false, cacheHit, msg)
}

func (m *Manager) endTracking(id string, success, cacheHit bool, errMsg string) {
	m.mu.Lock()
	op, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)

	now := time.Now()
	record := MetricRecord{
		OperationType: op.opType,
		StartTime:     op.startedAt,
		EndTime:       now,
		DurationMs:    float64(now.Sub(op.startedAt).Microseconds()) / 1000.0,
		ResourceCount: op.resourceCount,
		CacheHit:      cacheHit,
		Success:       success,
		ErrorMessage:  errMsg,
	}
	if len(m.ring) < metricRingCap {
		m.ring = append(m.ring, record)
	} else {
		m.ring[m.ringStart] = record
		m.ringStart = (m.ringStart + 1) % metricRingCap
	}
	m.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.opsTotal.WithLabelValues(op.opType, outcome).Inc()
	m.opDuration.Observe(now.Sub(op.startedAt).Seconds())
	if cacheHit {
		m.cacheHits.WithLabelValues("hit").Inc()
	} else {
		m.cacheHits.WithLabelValues("miss").Inc()
	}
}

// RequestTimeout returns the current outbound request timeout.
func (m *Manager) RequestTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestTimeout
}

// SetRequestTimeout seeds the outbound call timeout, typically from
// configuration at startup; auto-tuning adjusts it from there. Non-positive
// values are ignored.
func (m *Manager) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.requestTimeout = d
	m.mu.Unlock()
}

// MaxConcurrent returns the current worker-pool size.
func (m *Manager) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxConcurrent
}

// SetMaxConcurrent overrides the worker-pool size, clamped to
// [1, maxConcurrentCap].
func (m *Manager) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	if n > maxConcurrentCap {
		n = maxConcurrentCap
	}
	m.mu.Lock()
	m.maxConcurrent = n
	m.mu.Unlock()
}

// ClearCaches drops all cache entries.
func (m *Manager) ClearCaches() {
	m.Validation.Clear()
	m.Resource.Clear()
	m.Bundle.Clear()
}

// recentWindow is the number of ring records the auto-tuner inspects.
const recentWindow = 100

// AutoTune adjusts TTL, capacity, timeout, and concurrency from observed
// hit rates and durations.
func (m *Manager) AutoTune() {
	stats := m.Validation.Stats()
	hitRate := stats.HitRate()

	if hitRate < 0.5 {
		ttl := m.Validation.TTL()
		next := time.Duration(float64(ttl) * 1.5)
		if next > maxCacheTTL {
			next = maxCacheTTL
		}
		if next != ttl {
			m.Validation.SetTTL(next)
			m.Resource.SetTTL(next)
			m.Bundle.SetTTL(next)
			m.logger.Info().Dur("ttl", next).Msg("auto-tune: raised cache TTL")
		}
	}
	if hitRate > 0.9 && stats.Evictions > 100 {
		next := int(float64(stats.Capacity) * 1.2)
		if next > maxCacheCapacity {
			next = maxCacheCapacity
		}
		if next != stats.Capacity {
			m.Validation.Resize(next)
			m.Resource.Resize(next)
			m.Bundle.Resize(next)
			m.logger.Info().Int("capacity", next).Msg("auto-tune: grew cache capacity")
		}
	}

	if avg := m.recentAverage(); avg > DefaultTargetDuration {
		m.mu.Lock()
		next := time.Duration(float64(m.requestTimeout) * 0.8)
		if next < minRequestTimeout {
			next = minRequestTimeout
		}
		m.requestTimeout = next
		if m.maxConcurrent+2 <= maxConcurrentCap {
			m.maxConcurrent += 2
		} else {
			m.maxConcurrent = maxConcurrentCap
		}
		timeout, concurrent := m.requestTimeout, m.maxConcurrent
		m.mu.Unlock()
		m.logger.Info().
			Dur("request_timeout", timeout).
			Int("max_concurrent", concurrent).
			Msg("auto-tune: tightened timeout, widened pool")
	}
}

// recentRecords returns the newest n records in chronological order,
// accounting for ring wraparound. Callers must hold mu.
func (m *Manager) recentRecords(n int) []MetricRecord {
	size := len(m.ring)
	if n > size {
		n = size
	}
	out := make([]MetricRecord, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, m.ring[(m.ringStart+i)%size])
	}
	return out
}

func (m *Manager) recentAverage() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	recent := m.recentRecords(recentWindow)
	if len(recent) == 0 {
		return 0
	}
	total := 0.0
	for _, r := range recent {
		total += r.DurationMs
	}
	return time.Duration(total/float64(len(recent))) * time.Millisecond
}

// Snapshot aggregates cache stats and ring-buffer figures.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	tracked := len(m.ring)
	success := 0
	hits := 0
	total := 0.0
	recent := m.recentRecords(recentWindow)
	for _, r := range m.ring {
		if r.Success {
			success++
		}
		if r.CacheHit {
			hits++
		}
	}
	for _, r := range recent {
		total += r.DurationMs
	}
	timeout := m.requestTimeout
	concurrent := m.maxConcurrent
	m.mu.Unlock()

	snap := Snapshot{
		ValidationCache:   m.Validation.Stats(),
		ResourceCache:     m.Resource.Stats(),
		BundleCache:       m.Bundle.Stats(),
		TrackedOperations: tracked,
		RequestTimeout:    timeout.String(),
		MaxConcurrent:     concurrent,
	}
	if tracked > 0 {
		snap.SuccessRate = float64(success) / float64(tracked)
		snap.CacheHitRate = float64(hits) / float64(tracked)
	}
	if len(recent) > 0 {
		snap.RecentAvgMs = total / float64(len(recent))
	}
	return snap
}
