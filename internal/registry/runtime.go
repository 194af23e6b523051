package registry

import (
	"context"
	"sync"
	"time"
)

// CircuitState is the per-instance circuit-breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerPolicy holds the circuit-breaker thresholds. The defaults are
// operational starting points, tunable per deployment.
type BreakerPolicy struct {
	// FailureThreshold is the number of consecutive remote-attributable
	// failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in HALF_OPEN
	// that closes the circuit again.
	SuccessThreshold int
	// Cooldown is how long an OPEN circuit rejects assignment before
	// allowing a trial.
	Cooldown time.Duration
}

// DefaultBreakerPolicy returns the standard thresholds: open after 5
// consecutive failures, 300s cooldown, close after 2 successes.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{FailureThreshold: 5, SuccessThreshold: 2, Cooldown: 300 * time.Second}
}

// BreakerState is a snapshot of one instance's circuit.
type BreakerState struct {
	State         CircuitState `json:"state"`
	Failures      int          `json:"failures"`
	Successes     int          `json:"successes"`
	CooldownUntil time.Time    `json:"cooldown_until,omitempty"`
}

// RuntimeStore holds the shared mutable scheduling state: per-instance
// active counts and circuit-breaker counters. Every mutation is atomic so
// concurrent workers never lose updates; this is the one concurrency
// invariant the scheduler depends on. The Redis implementation lives in
// internal/redis; Memory below backs tests and single-process dev mode.
type RuntimeStore interface {
	// Claim atomically increments the instance's active count if it is
	// below limit. Returns false when the instance is at capacity.
	Claim(ctx context.Context, instanceID string, limit int) (bool, error)

	// Release decrements the active count, never below zero, so a retried
	// release cannot double-count utilization.
	Release(ctx context.Context, instanceID string) error

	// Active returns the instance's current active count.
	Active(ctx context.Context, instanceID string) (int, error)

	// Breaker returns the instance's circuit snapshot, transitioning
	// OPEN→HALF_OPEN when the cooldown deadline has elapsed.
	Breaker(ctx context.Context, instanceID string, p BreakerPolicy) (BreakerState, error)

	// RecordFailure registers a remote-attributable failure: it resets the
	// success streak, opens the circuit at the failure threshold, and
	// reopens (extending the cooldown) on any failure while HALF_OPEN.
	RecordFailure(ctx context.Context, instanceID string, p BreakerPolicy) (CircuitState, error)

	// RecordSuccess registers a successful scan: it resets the failure
	// streak and closes a HALF_OPEN circuit once the success threshold is
	// reached.
	RecordSuccess(ctx context.Context, instanceID string, p BreakerPolicy) (CircuitState, error)
}

type memoryInstance struct {
	active  int
	breaker BreakerState
}

// MemoryRuntime is the in-process RuntimeStore implementation.
type MemoryRuntime struct {
	mu        sync.Mutex
	instances map[string]*memoryInstance
	now       func() time.Time
}

// NewMemoryRuntime creates an empty in-memory runtime store.
func NewMemoryRuntime() *MemoryRuntime {
	return &MemoryRuntime{instances: make(map[string]*memoryInstance), now: time.Now}
}

// WithClock overrides the time source; used by tests to step past cooldowns.
func (m *MemoryRuntime) WithClock(now func() time.Time) *MemoryRuntime {
	m.now = now
	return m
}

func (m *MemoryRuntime) inst(id string) *memoryInstance {
	i, ok := m.instances[id]
	if !ok {
		i = &memoryInstance{breaker: BreakerState{State: CircuitClosed}}
		m.instances[id] = i
	}
	return i
}

func (m *MemoryRuntime) Claim(_ context.Context, id string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.inst(id)
	if i.active >= limit {
		return false, nil
	}
	i.active++
	return true, nil
}

func (m *MemoryRuntime) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.inst(id)
	if i.active > 0 {
		i.active--
	}
	return nil
}

func (m *MemoryRuntime) Active(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst(id).active, nil
}

func (m *MemoryRuntime) Breaker(_ context.Context, id string, _ BreakerPolicy) (BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.inst(id)
	if i.breaker.State == CircuitOpen && !m.now().Before(i.breaker.CooldownUntil) {
		i.breaker.State = CircuitHalfOpen
		i.breaker.Successes = 0
	}
	return i.breaker, nil
}

func (m *MemoryRuntime) RecordFailure(_ context.Context, id string, p BreakerPolicy) (CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.inst(id)
	b := &i.breaker
	b.Successes = 0
	b.Failures++
	if b.State == CircuitHalfOpen || b.Failures >= p.FailureThreshold {
		b.State = CircuitOpen
		b.CooldownUntil = m.now().Add(p.Cooldown)
	}
	return b.State, nil
}

func (m *MemoryRuntime) RecordSuccess(_ context.Context, id string, p BreakerPolicy) (CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.inst(id)
	b := &i.breaker
	b.Failures = 0
	b.Successes++
	if b.State == CircuitHalfOpen && b.Successes >= p.SuccessThreshold {
		b.State = CircuitClosed
		b.Successes = 0
		b.CooldownUntil = time.Time{}
	}
	return b.State, nil
}

var _ RuntimeStore = (*MemoryRuntime)(nil)
