// Package hapi talks to external HAPI FHIR servers: endpoint failover,
// bundle validation via $validate, and transaction execution.
package hapi

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Endpoint roles.
const (
	RolePrimary = "primary"
	RoleBackup  = "backup"
)

// unhealthyHold is how long an endpoint stays marked unhealthy after its
// last error before it is probed again.
const unhealthyHold = 30 * time.Second

// Endpoint is one external FHIR server in the failover pool.
type Endpoint struct {
	URL  string
	Role string

	mu           sync.Mutex
	healthy      bool
	lastErrorAt  time.Time
	lastProbeAt  time.Time
	failureCount int

	breaker *gobreaker.CircuitBreaker
}

func newEndpoint(url, role string) *Endpoint {
	return &Endpoint{
		URL:     url,
		Role:    role,
		healthy: true,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        url,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     unhealthyHold,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Healthy reports whether the endpoint is usable, re-probing once the
// last-error hold has elapsed.
func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastProbeAt = time.Now()
	if !e.healthy && time.Since(e.lastErrorAt) > unhealthyHold {
		e.healthy = true
	}
	return e.healthy
}

// RecordFailure marks a failed call against this endpoint.
func (e *Endpoint) RecordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failureCount++
	e.lastErrorAt = time.Now()
	e.healthy = false
}

// RecordSuccess resets the failure count and marks the endpoint healthy.
func (e *Endpoint) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failureCount = 0
	e.healthy = true
}

// FailureCount returns the consecutive failure count.
func (e *Endpoint) FailureCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failureCount
}

// EndpointStatus is the reportable view of one endpoint.
type EndpointStatus struct {
	URL          string    `json:"url"`
	Role         string    `json:"role"`
	Healthy      bool      `json:"healthy"`
	FailureCount int       `json:"failure_count"`
	LastProbeAt  time.Time `json:"last_probe_at"`
	BreakerState string    `json:"breaker_state"`
}

// FailoverManager holds the ordered endpoint pool.
type FailoverManager struct {
	endpoints []*Endpoint
	logger    zerolog.Logger

	mu             sync.Mutex
	failoverEvents int
}

// NewFailoverManager builds the pool. The first URL is the primary; the rest
// are backups, tried in order.
func NewFailoverManager(urls []string, logger zerolog.Logger) *FailoverManager {
	m := &FailoverManager{logger: logger}
	for i, url := range urls {
		role := RoleBackup
		if i == 0 {
			role = RolePrimary
		}
		m.endpoints = append(m.endpoints, newEndpoint(url, role))
	}
	return m
}

// ActiveEndpoint returns the first healthy endpoint. When none is healthy it
// falls back to the primary and records a failover event.
func (m *FailoverManager) ActiveEndpoint() *Endpoint {
	for _, e := range m.endpoints {
		if e.Healthy() {
			return e
		}
	}
	m.mu.Lock()
	m.failoverEvents++
	events := m.failoverEvents
	m.mu.Unlock()
	m.logger.Warn().Int("failover_events", events).Msg("no healthy endpoint, falling back to primary")
	if len(m.endpoints) == 0 {
		return nil
	}
	return m.endpoints[0]
}

// MeetsAvailabilityTarget holds when at least one endpoint is healthy and the
// pool has two or more members.
func (m *FailoverManager) MeetsAvailabilityTarget() bool {
	if len(m.endpoints) < 2 {
		return false
	}
	for _, e := range m.endpoints {
		if e.Healthy() {
			return true
		}
	}
	return false
}

// FailoverEvents returns the number of recorded failover events.
func (m *FailoverManager) FailoverEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failoverEvents
}

// Status reports every endpoint in pool order.
func (m *FailoverManager) Status() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		e.mu.Lock()
		out = append(out, EndpointStatus{
			URL:          e.URL,
			Role:         e.Role,
			Healthy:      e.healthy,
			FailureCount: e.failureCount,
			LastProbeAt:  e.lastProbeAt,
			BreakerState: e.breaker.State().String(),
		})
		e.mu.Unlock()
	}
	return out
}
