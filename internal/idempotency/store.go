// Package idempotency deduplicates logically identical scan submissions.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// DefaultTTL is how long an idempotency record stays live. After expiry the
// same key may start a new task.
const DefaultTTL = 48 * time.Hour

// Record binds an idempotency key to the task it created.
type Record struct {
	Key         string    `json:"key"`
	TaskID      string    `json:"task_id"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store maps idempotency keys to existing tasks, with expiry.
type Store interface {
	// Check returns the task ID bound to key if a live record exists and
	// fingerprints match. A live record with a different fingerprint yields
	// a *domain.ConflictError.
	Check(ctx context.Context, key, fingerprint string) (taskID string, found bool, err error)

	// Put atomically creates the record if absent (create-if-absent), so
	// concurrent identical submissions race safely to a single task.
	// When the key is already bound, stored is false and existing holds the
	// winning record.
	Put(ctx context.Context, rec Record, ttl time.Duration) (stored bool, existing Record, err error)

	// Delete unbinds key. A key must never stay bound to a task that was
	// not durably created, so submission rolls its record back when
	// persistence fails.
	Delete(ctx context.Context, key string) error
}

// Fingerprint computes the stable request fingerprint: a hash over the scan
// kind, normalized targets, name, description and the credential identity.
// Secret material is excluded.
func Fingerprint(kind domain.ScanKind, targets []string, name, description string, creds *domain.CredentialEnvelope) string {
	norm := make([]string, len(targets))
	for i, t := range targets {
		norm[i] = strings.ToLower(strings.TrimSpace(t))
	}
	sort.Strings(norm)

	h := sha256.New()
	for _, part := range []string{string(kind), strings.Join(norm, ","), name, description, creds.Identity()} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
