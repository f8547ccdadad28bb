package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreFailures(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }

	for want := int64(1); want <= 3; want++ {
		got, err := m.RecordFailure(ctx, "admin", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	current, err := m.Failures(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), current)

	now = now.Add(2 * time.Minute)
	current, err = m.Failures(ctx, "admin")
	require.NoError(t, err)
	assert.Zero(t, current)
	got, err := m.RecordFailure(ctx, "admin", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "window elapsed, counter restarts")

	require.NoError(t, m.ClearFailures(ctx, "admin"))
	got, err = m.RecordFailure(ctx, "admin", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestMemoryStoreRevocation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }

	revoked, err := m.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, m.Revoke(ctx, "jti-1", time.Hour))
	revoked, err = m.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	now = now.Add(2 * time.Hour)
	revoked, err = m.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, m.Revoke(ctx, "jti-2", time.Hour))
	assert.NotContains(t, m.revoked, "jti-1", "expired entries are pruned")
}

// TestRedisStore runs against a live server when REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	r := NewRedisStore(addr)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Ping(ctx))

	key := "test-" + uuid.NewString()
	t.Cleanup(func() { _ = r.ClearFailures(ctx, key) })

	n, err := r.RecordFailure(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = r.RecordFailure(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = r.Failures(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, r.ClearFailures(ctx, key))
	n, err = r.RecordFailure(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	jti := uuid.NewString()
	revoked, err := r.IsRevoked(ctx, jti)
	require.NoError(t, err)
	assert.False(t, revoked)
	require.NoError(t, r.Revoke(ctx, jti, time.Minute))
	revoked, err = r.IsRevoked(ctx, jti)
	require.NoError(t, err)
	assert.True(t, revoked)
}
