// Package queue defines the FIFO scan queues and the dead-letter queue.
//
// There is one FIFO per pool, one per explicitly pinned instance, and one
// global overflow FIFO shared by all pools. Ordering is guaranteed only
// within a single queue. The Redis implementation lives in internal/redis;
// the in-memory implementation below backs unit tests and single-process
// dev mode.
package queue

import (
	"context"
	"time"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// Entry references a queued task and its routing.
type Entry struct {
	TaskID string `json:"task_id"`
	Pool   string `json:"pool"`
	// Instance pins the entry to a specific instance. Pinned entries wait
	// for that instance rather than being rerouted.
	Instance   string    `json:"instance,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a set of named FIFO queues with bounded-wait dequeue.
type Queue interface {
	// Enqueue pushes the entry onto its pool queue, or onto the pinned
	// instance's queue when Entry.Instance is set. Returns the queue length
	// after the push (the entry's 1-based position).
	Enqueue(ctx context.Context, e Entry) (int, error)

	// EnqueueOverflow pushes the entry onto the global overflow queue,
	// used when every instance in the pool lacks capacity.
	EnqueueOverflow(ctx context.Context, e Entry) (int, error)

	// Requeue returns an entry to the head of the queue it came from, so a
	// task that merely collided on capacity is the next one dequeued and
	// never falls behind later submissions.
	Requeue(ctx context.Context, e Entry) error

	// Dequeue pops the oldest entry visible to a worker bound to pool,
	// draining in priority order: the pool queue, then the pool's pinned
	// instance queues, then the global overflow queue. It blocks for at
	// most wait before returning ok=false, so callers periodically wake to
	// check shutdown and capacity.
	Dequeue(ctx context.Context, pool string, instances []string, wait time.Duration) (Entry, bool, error)

	// Len returns the current depth of the named pool queue.
	Len(ctx context.Context, pool string) (int, error)
}

// DeadEntry is a task parked in the dead-letter queue after exhausting
// retries, retaining its last error for operator triage.
type DeadEntry struct {
	TaskID   string           `json:"task_id"`
	Pool     string           `json:"pool"`
	Error    domain.TaskError `json:"error"`
	FailedAt time.Time        `json:"failed_at"`
}

// DeadLetter is the dead-letter queue, ordered by failure time so
// operators inspect the oldest failures first.
type DeadLetter interface {
	Add(ctx context.Context, e DeadEntry) error
	// List returns entries oldest-first, optionally filtered by pool.
	List(ctx context.Context, pool string, limit int) ([]DeadEntry, error)
	Get(ctx context.Context, taskID string) (DeadEntry, bool, error)
	Remove(ctx context.Context, taskID string) error
	// Purge drops every entry and returns how many were removed.
	Purge(ctx context.Context) (int, error)
}
