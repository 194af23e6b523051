package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/internal/idempotency"
)

func idemKey(key string) string { return "idem:" + key }

// IdempotencyStore is the Redis-backed idempotency store. SET NX gives the
// create-if-absent guarantee; Redis key expiry gives the TTL.
type IdempotencyStore struct {
	client *redis.Client
}

// NewIdempotencyStore wraps a Redis client with the idempotency.Store
// interface.
func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

func (s *IdempotencyStore) Check(ctx context.Context, key, fingerprint string) (string, bool, error) {
	rec, found, err := s.get(ctx, key)
	if err != nil || !found {
		return "", false, err
	}
	if rec.Fingerprint != fingerprint {
		return "", false, &domain.ConflictError{Key: key, ExistingTaskID: rec.TaskID}
	}
	return rec.TaskID, true, nil
}

func (s *IdempotencyStore) Put(ctx context.Context, rec idempotency.Record, ttl time.Duration) (bool, idempotency.Record, error) {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	rec.ExpiresAt = time.Now().Add(ttl).UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return false, idempotency.Record{}, fmt.Errorf("marshal idempotency record %s: %w", rec.Key, err)
	}

	stored, err := s.client.SetNX(ctx, idemKey(rec.Key), data, ttl).Result()
	if err != nil {
		return false, idempotency.Record{}, fmt.Errorf("store idempotency record %s: %w", rec.Key, err)
	}
	if stored {
		return true, rec, nil
	}

	existing, found, err := s.get(ctx, rec.Key)
	if err != nil {
		return false, idempotency.Record{}, err
	}
	if !found {
		// The winning record expired between SETNX and GET; rare, treat as
		// a lost race and let the caller retry.
		return false, idempotency.Record{}, fmt.Errorf("idempotency record %s vanished during lookup", rec.Key)
	}
	return false, existing, nil
}

func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idemKey(key)).Err(); err != nil {
		return fmt.Errorf("delete idempotency record %s: %w", key, err)
	}
	return nil
}

func (s *IdempotencyStore) get(ctx context.Context, key string) (idempotency.Record, bool, error) {
	data, err := s.client.Get(ctx, idemKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return idempotency.Record{}, false, nil
		}
		return idempotency.Record{}, false, fmt.Errorf("get idempotency record %s: %w", key, err)
	}
	var rec idempotency.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return idempotency.Record{}, false, fmt.Errorf("unmarshal idempotency record %s: %w", key, err)
	}
	return rec, true, nil
}

var _ idempotency.Store = (*IdempotencyStore)(nil)
