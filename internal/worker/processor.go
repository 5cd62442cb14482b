// Package worker consumes queue messages, enforces per-project concurrency,
// dispatches to stage handlers, and applies bounded retry with exponential
// backoff.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"content-pipeline-engine/internal/config"
	"content-pipeline-engine/internal/jobs"
	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/queue"
	"content-pipeline-engine/internal/store"
	"content-pipeline-engine/internal/telemetry"
)

// HandlerFunc executes one stage for a job. A nil return chains the next
// stage; an error enters the retry path.
type HandlerFunc func(ctx context.Context, job models.Job) error

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.Queue
	store    store.Store
	coord    *jobs.Coordinator
	guards   *jobs.Guards
	limiter  *ConcurrencyLimiter
	handlers map[models.JobType]HandlerFunc
	log      *zap.SugaredLogger
	wg       sync.WaitGroup
}

// NewProcessor wires the worker loop. Handlers are registered separately
// before Run.
func NewProcessor(cfg config.Config, q *queue.Queue, st store.Store, coord *jobs.Coordinator, guards *jobs.Guards, limiter *ConcurrencyLimiter, log *zap.SugaredLogger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		coord:    coord,
		guards:   guards,
		limiter:  limiter,
		handlers: make(map[models.JobType]HandlerFunc),
		log:      log.Named("worker"),
	}
}

// Register binds a handler to a job type.
func (p *Processor) Register(jobType models.JobType, handler HandlerFunc) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the maintenance ticker and the consumer pool, blocking until
// context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.wg.Add(1)
	go p.maintenanceLoop(ctx)

	workers := p.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.consumeLoop(ctx, i)
	}
	p.wg.Wait()
	return ctx.Err()
}

// maintenanceLoop promotes due scheduled messages, reclaims expired leases,
// and refreshes queue gauges on the poll cadence.
func (p *Processor) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx, time.Now())
		}
	}
}

// Tick performs one maintenance pass at the given time. Exposed so tests can
// advance delivery time deterministically.
func (p *Processor) Tick(ctx context.Context, now time.Time) {
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Warnw("promote scheduled failed", "error", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Warnw("requeue expired failed", "error", err)
	} else {
		for _, id := range reclaimed {
			// Re-delivery after a lost lease; put the row back to queued so
			// status reads do not report a running job nobody owns.
			if err := p.coord.OnReleased(ctx, id, nil, nil); err != nil {
				p.log.Warnw("release reclaimed job failed", "job_id", id, "error", err)
			}
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if stale, err := p.store.CountQueuedOlderThan(ctx, now.Add(-p.cfg.OrphanAge)); err == nil {
		telemetry.OrphanQueuedGauge.Set(float64(stale))
	}
}

func (p *Processor) consumeLoop(ctx context.Context, idx int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		handled, err := p.ProcessOne(ctx)
		if err != nil {
			p.log.Warnw("dequeue failed", "worker", idx, "error", err)
		}
		if !handled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// ProcessOne dequeues and handles a single message. It returns false when
// the ready queues were empty.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	p.handleMessage(ctx, jobID)
	return true, nil
}

// handleMessage runs the full per-message algorithm: concurrency gate, the
// running mark, dispatch, terminal bookkeeping, retry scheduling, and stage
// chaining. Handler errors never escape; the job row absorbs them.
func (p *Processor) handleMessage(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		// Message without a tracking row; drop it.
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if err != nil {
		// Leave the lease to expire so the message is redelivered.
		p.log.Warnw("load job failed", "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		// Duplicate delivery of finished work, or an external cancel.
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	projectID := models.ProjectIDFromPayload(job.Payload)
	if projectID == "" {
		projectID = job.ProjectID
	}

	if !p.limiter.TryAcquire(projectID) {
		// Saturated: voluntary release, not a failure. Retries untouched.
		telemetry.ReleaseCounter.Inc()
		if err := p.queue.Release(ctx, job.ID, job.Priority, p.cfg.ReleaseDelay); err != nil {
			p.log.Warnw("back-pressure release failed", "job_id", job.ID, "error", err)
			return
		}
		_ = p.coord.OnReleased(ctx, job.ID, nil, nil)
		return
	}
	defer p.limiter.Release(projectID)

	// The running mark must be durable before dispatch so a status read
	// during execution cannot race a stale queued row.
	if err := p.coord.OnStarted(ctx, job.ID); err != nil {
		p.log.Warnw("mark running failed", "job_id", job.ID, "error", err)
		_ = p.queue.Release(ctx, job.ID, job.Priority, p.cfg.ReleaseDelay)
		return
	}
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	execErr := p.dispatch(ctx, job)
	if execErr == nil {
		_ = p.queue.Ack(ctx, job.ID)
		if err := p.coord.OnSucceeded(ctx, job.ID); err != nil {
			p.log.Warnw("mark succeeded failed", "job_id", job.ID, "error", err)
		}
		telemetry.WorkerSuccess.Inc()
		p.chainNext(ctx, job)
		return
	}

	telemetry.WorkerFailures.Inc()
	attempt := job.Retries
	if attempt < p.cfg.MaxRetries {
		next := attempt + 1
		delay := Backoff(p.cfg.RetryBaseDelay, attempt)
		_ = p.queue.Ack(ctx, job.ID)
		if err := p.queue.Schedule(ctx, job.ID, job.Priority, time.Now().Add(delay)); err != nil {
			p.log.Errorw("schedule retry failed", "job_id", job.ID, "error", err)
			_ = p.coord.OnFailed(ctx, job.ID, execErr)
			return
		}
		_ = p.coord.OnReleased(ctx, job.ID, &next, execErr)
		telemetry.WorkerRetries.Inc()
		p.log.Warnw("job attempt failed, retry scheduled",
			"job_id", job.ID, "type", job.Type, "attempt", attempt, "delay", delay, "error", execErr)
		return
	}

	_ = p.queue.Ack(ctx, job.ID)
	_ = p.coord.OnFailed(ctx, job.ID, execErr)
	p.log.Errorw("job failed permanently",
		"job_id", job.ID, "type", job.Type, "retries", attempt, "error", execErr)
}

// dispatch routes to the registered handler. Unknown types are a logged
// no-op, not a failure. Handler panics are converted to errors.
func (p *Processor) dispatch(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		p.log.Warnw("no handler registered, skipping", "job_id", job.ID, "type", job.Type)
		_ = p.store.AppendJobLog(ctx, job.ID, models.JobLogEntry{
			Message:   "no handler registered for type " + string(job.Type) + ", skipped",
			Level:     models.LogWarn,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// successor maps stages that chain directly into a follow-up job for the
// same project. Plan chains through the generate guard instead, one call per
// due plan item.
var successor = map[models.JobType]models.JobType{
	models.TypeCrawl:     models.TypeDiscovery,
	models.TypeDiscovery: models.TypePlan,
}

// chainNext triggers the next pipeline stage after a successful one.
// Chaining failures are logged; they never affect the finished job.
func (p *Processor) chainNext(ctx context.Context, job models.Job) {
	if next, ok := successor[job.Type]; ok {
		if _, err := p.coord.Enqueue(ctx, jobs.EnqueueParams{
			ProjectID: job.ProjectID,
			Type:      next,
			Priority:  job.Priority,
		}); err != nil {
			p.log.Warnw("chain next stage failed", "job_id", job.ID, "next", next, "error", err)
		}
		return
	}
	if job.Type != models.TypePlan {
		return
	}
	// Plan produced new plan items: hand every due one lacking an article to
	// the generate guard.
	items, err := p.store.ListDuePlanItems(ctx, job.ProjectID, time.Now())
	if err != nil {
		p.log.Warnw("list due plan items failed", "job_id", job.ID, "error", err)
		return
	}
	for _, item := range items {
		if _, err := p.guards.EnqueueGenerate(ctx, item.ID); err != nil {
			if jobs.IsValidation(err) {
				continue // already has an article or is skipped
			}
			p.log.Warnw("chain generate failed", "plan_item_id", item.ID, "error", err)
		}
	}
}

// Backoff returns the delay before retrying an attempt (0-indexed):
// base * 2^attempt. Retries are capped, so the total wait is bounded.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base * time.Duration(1<<uint(attempt))
}
