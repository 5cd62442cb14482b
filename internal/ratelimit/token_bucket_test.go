package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int, refillPerSecond float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refillPerSecond, time.Minute)
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, tokens, err := bucket.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Less(t, tokens, 1.0)
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 2)

	// The script takes its clock from the caller, so refill is testable by
	// advancing the injected time instead of sleeping.
	base := time.Now()
	bucket.now = func() time.Time { return base }

	allowed, _, err := bucket.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	require.False(t, allowed)

	bucket.now = func() time.Time { return base.Add(time.Second) }
	allowed, _, err = bucket.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 1)

	allowed, _, err := bucket.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	require.True(t, allowed)
}
