//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_FixedWindow(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()

	ctx := context.Background()
	prefix := "ratelimit:test:" + time.Now().Format("150405.000000") + ":"
	store := NewRedisStore(rdb, prefix)

	for i := 1; i <= 3; i++ {
		res, err := store.Hit(ctx, "usr_a", 3, 500*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, 3-i, res.Remaining)
	}
	res, err := store.Hit(ctx, "usr_a", 3, 500*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.OK)

	time.Sleep(600 * time.Millisecond)
	res, err = store.Hit(ctx, "usr_a", 3, 500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Remaining)
}
