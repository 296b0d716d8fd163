package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestManager() *Manager {
	return NewManager(zerolog.Nop(), nil)
}

func TestTrackingLifecycle(t *testing.T) {
	m := newTestManager()
	id := m.StartTracking("validation", 3)
	m.EndTracking(id, true, false)

	snap := m.Snapshot()
	if snap.TrackedOperations != 1 {
		t.Fatalf("tracked = %d", snap.TrackedOperations)
	}
	if snap.SuccessRate != 1 {
		t.Errorf("success rate = %v", snap.SuccessRate)
	}

	// Ending an unknown op is a no-op.
	m.EndTracking("op-999", true, false)
	if got := m.Snapshot().TrackedOperations; got != 1 {
		t.Errorf("tracked after bogus end = %d", got)
	}
}

func TestSnapshotRates(t *testing.T) {
	m := newTestManager()
	for i := 0; i < 4; i++ {
		id := m.StartTracking("validation", 1)
		m.EndTracking(id, i < 3, i%2 == 0)
	}
	snap := m.Snapshot()
	if snap.SuccessRate != 0.75 {
		t.Errorf("success rate = %v", snap.SuccessRate)
	}
	if snap.CacheHitRate != 0.5 {
		t.Errorf("cache hit rate = %v", snap.CacheHitRate)
	}
}

func TestAutoTuneRaisesTTLOnLowHitRate(t *testing.T) {
	m := newTestManager()
	// All misses: hit rate 0.
	m.Validation.Get("absent")
	before := m.Validation.TTL()

	m.AutoTune()
	after := m.Validation.TTL()
	if after != time.Duration(float64(before)*1.5) {
		t.Errorf("TTL = %v, want %v", after, time.Duration(float64(before)*1.5))
	}

	// Repeated tuning saturates at the ceiling.
	for i := 0; i < 10; i++ {
		m.Validation.Get("absent")
		m.AutoTune()
	}
	if m.Validation.TTL() != maxCacheTTL {
		t.Errorf("TTL ceiling = %v, want %v", m.Validation.TTL(), maxCacheTTL)
	}
}

func TestAutoTuneTightensTimeoutOnSlowOps(t *testing.T) {
	m := newTestManager()
	// Seed the ring with slow operations by faking a pending op in the past.
	for i := 0; i < 5; i++ {
		id := m.StartTracking("validation", 1)
		m.mu.Lock()
		op := m.pending[id]
		op.startedAt = time.Now().Add(-3 * time.Second)
		m.pending[id] = op
		m.mu.Unlock()
		m.EndTracking(id, true, false)
	}
	// Keep the hit rate above 0.5 so only the duration rule fires.
	m.Validation.Put("k", 1)
	m.Validation.Get("k")

	m.AutoTune()
	if got := m.RequestTimeout(); got != minRequestTimeout {
		// 10s * 0.8 floors at 10s immediately.
		t.Errorf("timeout = %v, want %v", got, minRequestTimeout)
	}
	if got := m.MaxConcurrent(); got != DefaultMaxConcurrent+2 {
		t.Errorf("max concurrent = %d, want %d", got, DefaultMaxConcurrent+2)
	}

	// Concurrency saturates at the cap.
	for i := 0; i < 10; i++ {
		m.AutoTune()
	}
	if got := m.MaxConcurrent(); got != maxConcurrentCap {
		t.Errorf("max concurrent ceiling = %d, want %d", got, maxConcurrentCap)
	}
}

func TestEndTrackingErrRecordsMessage(t *testing.T) {
	m := newTestManager()
	id := m.StartTracking("execution", 1)
	m.EndTrackingErr(id, false, errors.New("upstream unavailable"))

	m.mu.Lock()
	rec := m.ring[len(m.ring)-1]
	m.mu.Unlock()
	if rec.Success {
		t.Error("record marked success")
	}
	if rec.ErrorMessage != "upstream unavailable" {
		t.Errorf("error message = %q", rec.ErrorMessage)
	}
	if got := m.Snapshot().SuccessRate; got != 0 {
		t.Errorf("success rate = %v", got)
	}
}

func TestRecentRecordsAfterRingWrap(t *testing.T) {
	m := newTestManager()
	m.mu.Lock()
	// Simulate a wrapped ring: full, with slot 37 the oldest. DurationMs
	// doubles as the chronological sequence number.
	m.ring = make([]MetricRecord, metricRingCap)
	for i := range m.ring {
		m.ring[i].DurationMs = float64(i)
	}
	m.ringStart = 37
	got := m.recentRecords(3)
	m.mu.Unlock()

	want := []float64{34, 35, 36}
	if len(got) != len(want) {
		t.Fatalf("recentRecords returned %d records", len(got))
	}
	for i, r := range got {
		if r.DurationMs != want[i] {
			t.Errorf("record %d = %v, want %v", i, r.DurationMs, want[i])
		}
	}
}

func TestRuntimeLimitOverrides(t *testing.T) {
	m := newTestManager()

	m.SetRequestTimeout(30 * time.Second)
	if got := m.RequestTimeout(); got != 30*time.Second {
		t.Errorf("timeout = %v", got)
	}
	m.SetRequestTimeout(0)
	if got := m.RequestTimeout(); got != 30*time.Second {
		t.Errorf("non-positive override applied: %v", got)
	}

	m.SetMaxConcurrent(50)
	if got := m.MaxConcurrent(); got != maxConcurrentCap {
		t.Errorf("max concurrent = %d, want cap %d", got, maxConcurrentCap)
	}
	m.SetMaxConcurrent(0)
	if got := m.MaxConcurrent(); got != 1 {
		t.Errorf("max concurrent floor = %d", got)
	}
}

func TestClearCaches(t *testing.T) {
	m := newTestManager()
	m.Validation.Put("a", 1)
	m.Resource.Put("b", 2)
	m.Bundle.Put("c", 3)
	m.ClearCaches()
	for name, c := range map[string]*Cache{"validation": m.Validation, "resource": m.Resource, "bundle": m.Bundle} {
		if c.Stats().Size != 0 {
			t.Errorf("%s cache not cleared", name)
		}
	}
}
