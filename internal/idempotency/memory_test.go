package idempotency_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/internal/idempotency"
)

func TestFingerprint_StableUnderTargetOrderAndCase(t *testing.T) {
	a := idempotency.Fingerprint(domain.ScanKindUntrusted, []string{"10.0.0.5", "HOST.example.COM"}, "T1", "", nil)
	b := idempotency.Fingerprint(domain.ScanKindUntrusted, []string{"host.example.com", "10.0.0.5"}, "T1", "", nil)
	assert.Equal(t, a, b)
}

func TestFingerprint_ExcludesSecretMaterial(t *testing.T) {
	c1 := &domain.CredentialEnvelope{Method: "password", Principal: "root", Secret: "one"}
	c2 := &domain.CredentialEnvelope{Method: "password", Principal: "root", Secret: "two"}
	a := idempotency.Fingerprint(domain.ScanKindCredentialed, []string{"10.0.0.5"}, "T1", "", c1)
	b := idempotency.Fingerprint(domain.ScanKindCredentialed, []string{"10.0.0.5"}, "T1", "", c2)
	assert.Equal(t, a, b, "secret must not affect the fingerprint")

	c3 := &domain.CredentialEnvelope{Method: "password", Principal: "admin", Secret: "one"}
	c := idempotency.Fingerprint(domain.ScanKindCredentialed, []string{"10.0.0.5"}, "T1", "", c3)
	assert.NotEqual(t, a, c, "principal must affect the fingerprint")
}

func TestFingerprint_SensitiveToEveryField(t *testing.T) {
	base := idempotency.Fingerprint(domain.ScanKindUntrusted, []string{"10.0.0.5"}, "T1", "d", nil)
	variants := []string{
		idempotency.Fingerprint(domain.ScanKindDiscovery, []string{"10.0.0.5"}, "T1", "d", nil),
		idempotency.Fingerprint(domain.ScanKindUntrusted, []string{"10.0.0.6"}, "T1", "d", nil),
		idempotency.Fingerprint(domain.ScanKindUntrusted, []string{"10.0.0.5"}, "T2", "d", nil),
		idempotency.Fingerprint(domain.ScanKindUntrusted, []string{"10.0.0.5"}, "T1", "other", nil),
	}
	for i, v := range variants {
		assert.NotEqual(t, base, v, "variant %d must change the fingerprint", i)
	}
}

func TestMemory_PutCreateIfAbsent(t *testing.T) {
	store := idempotency.NewMemory()
	ctx := context.Background()

	stored, _, err := store.Put(ctx, idempotency.Record{Key: "k1", TaskID: "task-1", Fingerprint: "fp"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	// Second put with the same key loses the race and gets the winner back.
	stored, existing, err := store.Put(ctx, idempotency.Record{Key: "k1", TaskID: "task-2", Fingerprint: "fp"}, time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, "task-1", existing.TaskID)
}

func TestMemory_CheckMatchAndConflict(t *testing.T) {
	store := idempotency.NewMemory()
	ctx := context.Background()

	_, _, err := store.Put(ctx, idempotency.Record{Key: "k1", TaskID: "task-1", Fingerprint: "fp"}, time.Hour)
	require.NoError(t, err)

	id, found, err := store.Check(ctx, "k1", "fp")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "task-1", id)

	// Same key, different fingerprint → conflict, no task id leaked.
	_, _, err = store.Check(ctx, "k1", "other-fp")
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "task-1", conflict.ExistingTaskID)
}

func TestMemory_ExpiryAllowsResubmission(t *testing.T) {
	now := time.Now()
	store := idempotency.NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _, err := store.Put(ctx, idempotency.Record{Key: "k1", TaskID: "task-1", Fingerprint: "fp"}, time.Hour)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)

	_, found, err := store.Check(ctx, "k1", "fp")
	require.NoError(t, err)
	assert.False(t, found, "expired record must not match")

	stored, _, err := store.Put(ctx, idempotency.Record{Key: "k1", TaskID: "task-2", Fingerprint: "fp"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, stored, "expired key must accept a new record")
}
