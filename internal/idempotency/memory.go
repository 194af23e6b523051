package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// Memory is an in-process Store implementation mirroring the Redis one.
// Expired records are dropped lazily on access.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// NewMemory creates an empty in-memory idempotency store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

// WithClock overrides the time source; used by tests to exercise expiry.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) live(key string) (Record, bool) {
	rec, ok := m.records[key]
	if !ok {
		return Record{}, false
	}
	if m.now().After(rec.ExpiresAt) {
		delete(m.records, key)
		return Record{}, false
	}
	return rec, true
}

func (m *Memory) Check(_ context.Context, key, fingerprint string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	if rec.Fingerprint != fingerprint {
		return "", false, &domain.ConflictError{Key: key, ExistingTaskID: rec.TaskID}
	}
	return rec.TaskID, true, nil
}

func (m *Memory) Put(_ context.Context, rec Record, ttl time.Duration) (bool, Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.live(rec.Key); ok {
		return false, existing, nil
	}
	rec.ExpiresAt = m.now().Add(ttl)
	m.records[rec.Key] = rec
	return true, rec, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

var _ Store = (*Memory)(nil)
