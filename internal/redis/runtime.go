package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eafonin/nessus-api-sub002/internal/registry"
)

func activeKey(id string) string  { return "sched:active:" + id }
func breakerKey(id string) string { return "sched:cb:" + id }

// Lua keeps each runtime mutation to a single atomic round trip, so
// concurrent workers on different hosts never over-claim an instance or
// lose breaker counter updates.
var (
	claimScript = redis.NewScript(`
		local active = tonumber(redis.call('GET', KEYS[1]) or '0')
		if active >= tonumber(ARGV[1]) then
			return 0
		end
		redis.call('INCR', KEYS[1])
		return 1
	`)

	releaseScript = redis.NewScript(`
		local active = tonumber(redis.call('GET', KEYS[1]) or '0')
		if active > 0 then
			redis.call('DECR', KEYS[1])
		end
		return 0
	`)

	// ARGV: now_ms
	breakerScript = redis.NewScript(`
		local state = redis.call('HGET', KEYS[1], 'state') or 'CLOSED'
		local cooldown = tonumber(redis.call('HGET', KEYS[1], 'cooldown_until') or '0')
		if state == 'OPEN' and tonumber(ARGV[1]) >= cooldown then
			redis.call('HSET', KEYS[1], 'state', 'HALF_OPEN', 'successes', 0)
			state = 'HALF_OPEN'
		end
		local failures = redis.call('HGET', KEYS[1], 'failures') or '0'
		local successes = redis.call('HGET', KEYS[1], 'successes') or '0'
		return {state, failures, successes, tostring(cooldown)}
	`)

	// ARGV: now_ms, failure_threshold, cooldown_ms
	failureScript = redis.NewScript(`
		redis.call('HSET', KEYS[1], 'successes', 0)
		local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
		local state = redis.call('HGET', KEYS[1], 'state') or 'CLOSED'
		if state == 'HALF_OPEN' or failures >= tonumber(ARGV[2]) then
			redis.call('HSET', KEYS[1], 'state', 'OPEN',
				'cooldown_until', tonumber(ARGV[1]) + tonumber(ARGV[3]))
			state = 'OPEN'
		end
		return state
	`)

	// ARGV: success_threshold
	successScript = redis.NewScript(`
		redis.call('HSET', KEYS[1], 'failures', 0)
		local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
		local state = redis.call('HGET', KEYS[1], 'state') or 'CLOSED'
		if state == 'HALF_OPEN' and successes >= tonumber(ARGV[1]) then
			redis.call('HSET', KEYS[1], 'state', 'CLOSED', 'successes', 0, 'cooldown_until', 0)
			state = 'CLOSED'
		end
		return state
	`)
)

// RuntimeStore is the Redis-backed registry.RuntimeStore shared by every
// worker and gateway replica.
type RuntimeStore struct {
	client *redis.Client
}

// NewRuntimeStore wraps a Redis client with the registry.RuntimeStore
// interface.
func NewRuntimeStore(client *redis.Client) *RuntimeStore {
	return &RuntimeStore{client: client}
}

func (s *RuntimeStore) Claim(ctx context.Context, instanceID string, limit int) (bool, error) {
	res, err := claimScript.Run(ctx, s.client, []string{activeKey(instanceID)}, limit).Int()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", instanceID, err)
	}
	return res == 1, nil
}

func (s *RuntimeStore) Release(ctx context.Context, instanceID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{activeKey(instanceID)}).Err(); err != nil {
		return fmt.Errorf("release %s: %w", instanceID, err)
	}
	return nil
}

func (s *RuntimeStore) Active(ctx context.Context, instanceID string) (int, error) {
	n, err := s.client.Get(ctx, activeKey(instanceID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("active count for %s: %w", instanceID, err)
	}
	return n, nil
}

func (s *RuntimeStore) Breaker(ctx context.Context, instanceID string, _ registry.BreakerPolicy) (registry.BreakerState, error) {
	res, err := breakerScript.Run(ctx, s.client,
		[]string{breakerKey(instanceID)}, time.Now().UnixMilli()).Slice()
	if err != nil {
		return registry.BreakerState{}, fmt.Errorf("breaker state for %s: %w", instanceID, err)
	}
	state, err := parseBreakerReply(res)
	if err != nil {
		return registry.BreakerState{}, fmt.Errorf("breaker state for %s: %w", instanceID, err)
	}
	return state, nil
}

// parseBreakerReply decodes the script's {state, failures, successes,
// cooldown_ms} reply without assuming the reply shape: a malformed reply is
// an error, never a panic.
func parseBreakerReply(res []any) (registry.BreakerState, error) {
	if len(res) != 4 {
		return registry.BreakerState{}, fmt.Errorf("unexpected breaker reply %v", res)
	}
	fields := make([]string, len(res))
	for i, v := range res {
		switch v := v.(type) {
		case string:
			fields[i] = v
		case int64:
			fields[i] = strconv.FormatInt(v, 10)
		default:
			return registry.BreakerState{}, fmt.Errorf("unexpected breaker reply field %T at %d", v, i)
		}
	}

	state := registry.BreakerState{State: registry.CircuitState(fields[0])}
	state.Failures, _ = strconv.Atoi(fields[1])
	state.Successes, _ = strconv.Atoi(fields[2])
	if ms, _ := strconv.ParseInt(fields[3], 10, 64); ms > 0 {
		state.CooldownUntil = time.UnixMilli(ms)
	}
	return state, nil
}

func (s *RuntimeStore) RecordFailure(ctx context.Context, instanceID string, p registry.BreakerPolicy) (registry.CircuitState, error) {
	res, err := failureScript.Run(ctx, s.client, []string{breakerKey(instanceID)},
		time.Now().UnixMilli(), p.FailureThreshold, p.Cooldown.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("record failure for %s: %w", instanceID, err)
	}
	return registry.CircuitState(res), nil
}

func (s *RuntimeStore) RecordSuccess(ctx context.Context, instanceID string, p registry.BreakerPolicy) (registry.CircuitState, error) {
	res, err := successScript.Run(ctx, s.client, []string{breakerKey(instanceID)},
		p.SuccessThreshold).Text()
	if err != nil {
		return "", fmt.Errorf("record success for %s: %w", instanceID, err)
	}
	return registry.CircuitState(res), nil
}

var _ registry.RuntimeStore = (*RuntimeStore)(nil)
