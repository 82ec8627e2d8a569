package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis")
	}

	c, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIncrementWindow(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementWindow(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	ttl, err := c.GetClient().PTTL(ctx, "counter:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.ResetCounter(ctx, key))
	got, err := c.IncrementWindow(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestSetIdempotencyKeyClaimsOnce(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := uuid.NewString()

	first, err := c.SetIdempotencyKey(ctx, key, "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := c.SetIdempotencyKey(ctx, key, "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)

	exists, err := c.CheckIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}
