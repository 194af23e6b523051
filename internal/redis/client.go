// Package redis provides the Redis-backed implementations of the scan
// queues, dead-letter queue, idempotency store and scheduler runtime state.
package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  5 * time.Second, // must exceed the longest blocking dequeue wait
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}
