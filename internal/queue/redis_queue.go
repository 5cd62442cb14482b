// Package queue provides the at-least-once delivery transport between job
// producers and the worker loop. Messages carry job ids only; the job row in
// the store holds everything else.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Queue coordinates ready, in-flight, and scheduled job ids in Redis.
// Scheduled delivery backs both retry backoff and back-pressure release; the
// in-flight lease with RequeueExpired provides at-least-once redelivery, so
// consumers must tolerate duplicates.
type Queue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	metaPrefix     string
	visibilityTTL  time.Duration
}

// Options configure a Queue.
type Options struct {
	Addr              string
	Password          string
	DB                int
	PriorityQueues    []string
	VisibilityTimeout time.Duration
}

// New builds a queue client.
func New(opts Options) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts)
}

// NewWithClient builds a queue over an existing Redis client. Used by tests
// that run against miniredis.
func NewWithClient(client *redis.Client, opts Options) *Queue {
	priorities := opts.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Queue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "pipeline:inflight",
		scheduledKey:   "pipeline:scheduled",
		metaPrefix:     "pipeline:meta:",
		visibilityTTL:  visibility,
	}
}

func (q *Queue) readyKey(priority string) string {
	return fmt.Sprintf("pipeline:ready:%s", priority)
}

func (q *Queue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Publish delivers a job id, immediately or at runAt if in the future.
func (q *Queue) Publish(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "queue publish")
}

// Schedule moves a job id into the scheduled set for deferred delivery. Used
// for retry backoff and for the short back-pressure release delay.
func (q *Queue) Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "queue schedule")
}

// PromoteScheduled moves due scheduled ids into ready queues. The explicit
// now parameter lets tests advance delivery time deterministically. Returns
// how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "range scheduled")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "promote scheduled")
	}
	return len(ids), nil
}

func (q *Queue) priorityFor(ctx context.Context, jobID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return priority
}

// DequeueWithLease pops a job id from ready queues in priority order and
// places it into inflight with a visibility timeout. Returns "" when all
// queues are empty.
func (q *Queue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "dequeue")
	}
	jobID, ok := res.(string)
	if !ok {
		return "", errors.Newf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// Ack removes a job id from in-flight tracking and drops its meta record.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "queue ack")
}

// Release acks the in-flight lease and re-schedules the same id after delay,
// without touching the job row. This is the back-pressure path, not a
// failure.
func (q *Queue) Release(ctx context.Context, jobID string, priority string, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	if priority == "" {
		priority = "default"
	}
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "queue release")
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. This is
// what makes delivery at-least-once across worker crashes.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range inflight")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "requeue expired")
	}
	return ids, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "ready depth")
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
