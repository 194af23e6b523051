package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eafonin/nessus-api-sub002/internal/queue"
)

func poolKey(pool string) string     { return "queue:pool:" + pool }
func instKey(instance string) string { return "queue:inst:" + instance }

const overflowKey = "queue:overflow"

// Queue is the Redis-backed scan queue. Each FIFO is a Redis list (LPUSH
// head, BRPOP tail); BRPOP's key order gives the pool→instance→overflow
// drain priority in a single round trip.
type Queue struct {
	client *redis.Client
}

// NewQueue wraps a Redis client with the queue.Queue interface.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Enqueue(ctx context.Context, e queue.Entry) (int, error) {
	key := poolKey(e.Pool)
	if e.Instance != "" {
		key = instKey(e.Instance)
	}
	return q.push(ctx, key, e)
}

func (q *Queue) EnqueueOverflow(ctx context.Context, e queue.Entry) (int, error) {
	return q.push(ctx, overflowKey, e)
}

func (q *Queue) push(ctx context.Context, key string, e queue.Entry) (int, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("marshal queue entry %s: %w", e.TaskID, err)
	}
	n, err := q.client.LPush(ctx, key, data).Result()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s onto %s: %w", e.TaskID, key, err)
	}
	return int(n), nil
}

// Requeue pushes the entry back onto the consuming end of its queue
// (RPUSH, where BRPOP pops), so a collided task stays ahead of everything
// enqueued after it.
func (q *Queue) Requeue(ctx context.Context, e queue.Entry) error {
	key := poolKey(e.Pool)
	if e.Instance != "" {
		key = instKey(e.Instance)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal queue entry %s: %w", e.TaskID, err)
	}
	if err := q.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("requeue %s onto %s: %w", e.TaskID, key, err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, pool string, instances []string, wait time.Duration) (queue.Entry, bool, error) {
	keys := make([]string, 0, len(instances)+2)
	keys = append(keys, poolKey(pool))
	for _, id := range instances {
		keys = append(keys, instKey(id))
	}
	keys = append(keys, overflowKey)

	if wait <= 0 {
		// Non-blocking sweep in priority order.
		for _, key := range keys {
			data, err := q.client.RPop(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return queue.Entry{}, false, fmt.Errorf("dequeue from %s: %w", key, err)
			}
			return decodeEntry(data)
		}
		return queue.Entry{}, false, nil
	}

	res, err := q.client.BRPop(ctx, wait, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.Entry{}, false, nil
		}
		return queue.Entry{}, false, fmt.Errorf("dequeue for pool %s: %w", pool, err)
	}
	// BRPop returns [key, value].
	return decodeEntry([]byte(res[1]))
}

func (q *Queue) Len(ctx context.Context, pool string) (int, error) {
	n, err := q.client.LLen(ctx, poolKey(pool)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length for pool %s: %w", pool, err)
	}
	return int(n), nil
}

func decodeEntry(data []byte) (queue.Entry, bool, error) {
	var e queue.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return queue.Entry{}, false, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return e, true, nil
}

const (
	dlqIndexKey = "dlq:index" // sorted set, score = failure time
	dlqEntryKey = "dlq:entry:"
)

// DeadLetter is the Redis-backed dead-letter queue: a sorted set ordered by
// failure time plus one JSON blob per parked task.
type DeadLetter struct {
	client *redis.Client
}

// NewDeadLetter wraps a Redis client with the queue.DeadLetter interface.
func NewDeadLetter(client *redis.Client) *DeadLetter {
	return &DeadLetter{client: client}
}

func (d *DeadLetter) Add(ctx context.Context, e queue.DeadEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead entry %s: %w", e.TaskID, err)
	}
	pipe := d.client.TxPipeline()
	pipe.ZAdd(ctx, dlqIndexKey, redis.Z{
		Score:  float64(e.FailedAt.UnixNano()),
		Member: e.TaskID,
	})
	pipe.Set(ctx, dlqEntryKey+e.TaskID, data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("park %s in dead letter: %w", e.TaskID, err)
	}
	return nil
}

func (d *DeadLetter) List(ctx context.Context, pool string, limit int) ([]queue.DeadEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := d.client.ZRangeByScore(ctx, dlqIndexKey, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}

	var out []queue.DeadEntry
	for _, id := range ids {
		e, ok, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || (pool != "" && e.Pool != pool) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (d *DeadLetter) Get(ctx context.Context, taskID string) (queue.DeadEntry, bool, error) {
	data, err := d.client.Get(ctx, dlqEntryKey+taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.DeadEntry{}, false, nil
		}
		return queue.DeadEntry{}, false, fmt.Errorf("get dead entry %s: %w", taskID, err)
	}
	var e queue.DeadEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return queue.DeadEntry{}, false, fmt.Errorf("unmarshal dead entry %s: %w", taskID, err)
	}
	return e, true, nil
}

func (d *DeadLetter) Remove(ctx context.Context, taskID string) error {
	pipe := d.client.TxPipeline()
	pipe.ZRem(ctx, dlqIndexKey, taskID)
	pipe.Del(ctx, dlqEntryKey+taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove dead entry %s: %w", taskID, err)
	}
	return nil
}

func (d *DeadLetter) Purge(ctx context.Context) (int, error) {
	ids, err := d.client.ZRange(ctx, dlqIndexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("purge dead letter: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, dlqEntryKey+id)
	}
	keys = append(keys, dlqIndexKey)
	if err := d.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("purge dead letter entries: %w", err)
	}
	return len(ids), nil
}

var (
	_ queue.Queue      = (*Queue)(nil)
	_ queue.DeadLetter = (*DeadLetter)(nil)
)
