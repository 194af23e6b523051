package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	keyPool     = "pool:"
	keyInstance = "inst:"
	keyOverflow = "overflow"
)

// Memory is an in-process Queue and DeadLetter implementation. It mirrors
// the Redis implementation's semantics and backs unit tests and
// single-process dev mode.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]Entry
	dead   []DeadEntry
	notify chan struct{}
}

// NewMemory creates an empty in-memory queue set.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][]Entry),
		notify: make(chan struct{}),
	}
}

func (m *Memory) push(key string, e Entry) int {
	m.mu.Lock()
	m.queues[key] = append(m.queues[key], e)
	n := len(m.queues[key])
	// Wake every blocked Dequeue by replacing the broadcast channel.
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
	return n
}

func (m *Memory) Enqueue(_ context.Context, e Entry) (int, error) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	if e.Instance != "" {
		return m.push(keyInstance+e.Instance, e), nil
	}
	return m.push(keyPool+e.Pool, e), nil
}

func (m *Memory) EnqueueOverflow(_ context.Context, e Entry) (int, error) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	return m.push(keyOverflow, e), nil
}

func (m *Memory) Requeue(_ context.Context, e Entry) error {
	key := keyPool + e.Pool
	if e.Instance != "" {
		key = keyInstance + e.Instance
	}
	m.mu.Lock()
	m.queues[key] = append([]Entry{e}, m.queues[key]...)
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, pool string, instances []string, wait time.Duration) (Entry, bool, error) {
	keys := make([]string, 0, len(instances)+2)
	keys = append(keys, keyPool+pool)
	for _, inst := range instances {
		keys = append(keys, keyInstance+inst)
	}
	keys = append(keys, keyOverflow)

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		for _, k := range keys {
			if q := m.queues[k]; len(q) > 0 {
				e := q[0]
				m.queues[k] = q[1:]
				m.mu.Unlock()
				return e, true, nil
			}
		}
		notify := m.notify
		m.mu.Unlock()

		select {
		case <-notify:
		case <-deadline.C:
			return Entry{}, false, nil
		case <-ctx.Done():
			return Entry{}, false, ctx.Err()
		}
	}
}

func (m *Memory) Len(_ context.Context, pool string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[keyPool+pool]), nil
}

func (m *Memory) Add(_ context.Context, e DeadEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now().UTC()
	}
	m.dead = append(m.dead, e)
	sort.SliceStable(m.dead, func(i, j int) bool {
		return m.dead[i].FailedAt.Before(m.dead[j].FailedAt)
	})
	return nil
}

func (m *Memory) List(_ context.Context, pool string, limit int) ([]DeadEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadEntry, 0, len(m.dead))
	for _, e := range m.dead {
		if pool != "" && e.Pool != pool {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, taskID string) (DeadEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.dead {
		if e.TaskID == taskID {
			return e, true, nil
		}
	}
	return DeadEntry{}, false, nil
}

func (m *Memory) Remove(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.dead {
		if e.TaskID == taskID {
			m.dead = append(m.dead[:i], m.dead[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.dead)
	m.dead = nil
	return n, nil
}

var (
	_ Queue      = (*Memory)(nil)
	_ DeadLetter = (*Memory)(nil)
)
