package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/internal/queue"
)

const waitShort = 20 * time.Millisecond

func TestMemory_FIFOWithinPool(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, queue.Entry{TaskID: id, Pool: "default"})
		require.NoError(t, err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		e, ok, err := q.Dequeue(ctx, "default", nil, waitShort)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, e.TaskID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got, "entries must dequeue in enqueue order")
}

func TestMemory_PoolDrainsBeforeOverflow(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	_, err := q.EnqueueOverflow(ctx, queue.Entry{TaskID: "overflow-1", Pool: "default"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.Entry{TaskID: "pool-1", Pool: "default"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.Entry{TaskID: "pool-2", Pool: "default"})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		e, ok, err := q.Dequeue(ctx, "default", nil, waitShort)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, e.TaskID)
	}
	assert.Equal(t, []string{"pool-1", "pool-2", "overflow-1"}, got,
		"pool queue must fully drain before the global overflow queue")
}

func TestMemory_RequeueGoesToHead(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, queue.Entry{TaskID: id, Pool: "default"})
		require.NoError(t, err)
	}

	e, ok, err := q.Dequeue(ctx, "default", nil, waitShort)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", e.TaskID)

	// Putting a back keeps it ahead of b, so a collision does not reorder.
	require.NoError(t, q.Requeue(ctx, e))

	var got []string
	for i := 0; i < 2; i++ {
		e, ok, err := q.Dequeue(ctx, "default", nil, waitShort)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, e.TaskID)
	}
	assert.Equal(t, []string{"a", "b"}, got, "a requeued entry must dequeue first")
}

func TestMemory_RequeuePinnedEntry(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Requeue(ctx, queue.Entry{TaskID: "pinned", Pool: "default", Instance: "scanner-2"}))

	e, ok, err := q.Dequeue(ctx, "default", []string{"scanner-2"}, waitShort)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pinned", e.TaskID)
	assert.Equal(t, "scanner-2", e.Instance)
}

func TestMemory_PinnedInstanceQueue(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Entry{TaskID: "pinned", Pool: "default", Instance: "scanner-2"})
	require.NoError(t, err)

	// A worker not serving scanner-2 never sees the pinned entry.
	_, ok, err := q.Dequeue(ctx, "default", []string{"scanner-1"}, waitShort)
	require.NoError(t, err)
	assert.False(t, ok)

	e, ok, err := q.Dequeue(ctx, "default", []string{"scanner-1", "scanner-2"}, waitShort)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pinned", e.TaskID)
	assert.Equal(t, "scanner-2", e.Instance)
}

func TestMemory_NoCrossPoolLeak(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Entry{TaskID: "other", Pool: "lab"})
	require.NoError(t, err)

	_, ok, err := q.Dequeue(ctx, "default", nil, waitShort)
	require.NoError(t, err)
	assert.False(t, ok, "a worker bound to one pool must not see another pool's entries")
}

func TestMemory_DequeueBoundedWait(t *testing.T) {
	q := queue.NewMemory()

	start := time.Now()
	_, ok, err := q.Dequeue(context.Background(), "default", nil, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemory_DequeueWakesOnEnqueue(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	done := make(chan queue.Entry, 1)
	go func() {
		e, ok, err := q.Dequeue(ctx, "default", nil, 2*time.Second)
		if err == nil && ok {
			done <- e
		}
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := q.Enqueue(ctx, queue.Entry{TaskID: "late", Pool: "default"})
	require.NoError(t, err)

	select {
	case e := <-done:
		assert.Equal(t, "late", e.TaskID)
	case <-time.After(time.Second):
		t.Fatal("blocked dequeue did not wake on enqueue")
	}
}

func TestMemory_EnqueueReturnsPosition(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	p1, err := q.Enqueue(ctx, queue.Entry{TaskID: "a", Pool: "default"})
	require.NoError(t, err)
	p2, err := q.Enqueue(ctx, queue.Entry{TaskID: "b", Pool: "default"})
	require.NoError(t, err)

	assert.Equal(t, 1, p1)
	assert.Equal(t, 2, p2)
}

func TestMemory_DLQOrderedOldestFirst(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []queue.DeadEntry{
		{TaskID: "newest", Pool: "default", FailedAt: now},
		{TaskID: "oldest", Pool: "default", FailedAt: now.Add(-2 * time.Hour)},
		{TaskID: "middle", Pool: "lab", FailedAt: now.Add(-time.Hour)},
	}
	for _, e := range entries {
		e.Error = domain.TaskError{Kind: domain.ErrKindTransientBackend, Message: "boom"}
		require.NoError(t, q.Add(ctx, e))
	}

	all, err := q.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "oldest", all[0].TaskID)
	assert.Equal(t, "middle", all[1].TaskID)
	assert.Equal(t, "newest", all[2].TaskID)

	lab, err := q.List(ctx, "lab", 0)
	require.NoError(t, err)
	require.Len(t, lab, 1)
	assert.Equal(t, "middle", lab[0].TaskID)
}

func TestMemory_DLQRemoveAndPurge(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, queue.DeadEntry{TaskID: "a", Pool: "default"}))
	require.NoError(t, q.Add(ctx, queue.DeadEntry{TaskID: "b", Pool: "default"}))

	require.NoError(t, q.Remove(ctx, "a"))
	_, found, err := q.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	n, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
