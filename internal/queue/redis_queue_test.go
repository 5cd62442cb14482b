package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, Options{
		PriorityQueues:    []string{"high", "default", "low"},
		VisibilityTimeout: visibility,
	})
}

func TestPublishAndDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	require.NoError(t, q.Publish(ctx, "job-1", "default", time.Now()))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	// The lease keeps it out of the ready queues.
	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestDequeuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	require.NoError(t, q.Publish(ctx, "job-low", "low", time.Now()))
	require.NoError(t, q.Publish(ctx, "job-high", "high", time.Now()))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-high", id)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-low", id)
}

func TestScheduledDeliveryNeedsPromotion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	runAt := time.Now().Add(time.Minute)
	require.NoError(t, q.Publish(ctx, "job-1", "default", runAt))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Empty(t, id)

	// Before the due time nothing moves.
	n, err := q.PromoteScheduled(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
}

func TestPromotePreservesPriority(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	runAt := time.Now().Add(time.Second)
	require.NoError(t, q.Schedule(ctx, "job-h", "high", runAt))
	require.NoError(t, q.Schedule(ctx, "job-l", "low", runAt))

	_, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 100)
	require.NoError(t, err)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-h", id)
}

func TestAckRemovesLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Second)

	require.NoError(t, q.Publish(ctx, "job-1", "default", time.Now()))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
	require.NoError(t, q.Ack(ctx, id))

	// An acked message is never reclaimed.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRequeueExpiredReclaimsLostLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Second)

	require.NoError(t, q.Publish(ctx, "job-1", "default", time.Now()))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	// Not expired yet.
	ids, err := q.RequeueExpired(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Second), 100)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, ids)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
}

func TestReleaseDefersRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	require.NoError(t, q.Publish(ctx, "job-1", "high", time.Now()))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	require.NoError(t, q.Release(ctx, id, "high", 300*time.Millisecond))

	// Not ready until the release delay passes and promotion runs.
	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Empty(t, id)

	_, err = q.PromoteScheduled(ctx, time.Now().Add(time.Second), 100)
	require.NoError(t, err)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
}

func TestReadyDepth(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	require.NoError(t, q.Publish(ctx, "a", "high", time.Now()))
	require.NoError(t, q.Publish(ctx, "b", "default", time.Now()))
	require.NoError(t, q.Publish(ctx, "c", "low", time.Now()))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, depth)
}
