package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisCounterStore_Increment(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewRedisCounterStore(client, zap.NewNop())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		count, err := store.Increment(ctx, "session:abc", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	// Separate keys count independently.
	count, err := store.Increment(ctx, "session:other", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRedisCounterStore_WindowExpiry(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewRedisCounterStore(client, zap.NewNop())
	ctx := context.Background()

	_, err := store.Increment(ctx, "org:1", time.Minute)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "org:1", time.Minute)
	require.NoError(t, err)

	count, err := store.Count(ctx, "org:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Entries outside the window are trimmed on the next increment.
	mr.FastForward(2 * time.Minute)
	count, err = store.Increment(ctx, "org:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRedisCooldownStore(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewRedisCooldownStore(client, zap.NewNop())
	ctx := context.Background()
	userID := uuid.New()

	active, err := store.InCooldown(ctx, userID, "organization_deletion", time.Hour)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, store.MarkViolation(ctx, userID, "organization_deletion", time.Hour))

	active, err = store.InCooldown(ctx, userID, "organization_deletion", time.Hour)
	require.NoError(t, err)
	assert.True(t, active)

	// A different rule for the same user is unaffected.
	active, err = store.InCooldown(ctx, userID, "role_escalation_guard", time.Hour)
	require.NoError(t, err)
	assert.False(t, active)

	// Redis TTL clears the key after the window.
	mr.FastForward(2 * time.Hour)
	active, err = store.InCooldown(ctx, userID, "organization_deletion", time.Hour)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRedisCooldownStore_CorruptEntryStaysActive(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewRedisCooldownStore(client, zap.NewNop())
	ctx := context.Background()
	userID := uuid.New()

	mr.Set(cooldownKey(userID.String(), "bulk_deletion_limit"), "not-a-timestamp")

	active, err := store.InCooldown(ctx, userID, "bulk_deletion_limit", time.Hour)
	require.NoError(t, err)
	assert.True(t, active)
}
