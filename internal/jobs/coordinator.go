// Package jobs owns job creation and the translation of queue lifecycle
// events into store mutations.
package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/store"
	"content-pipeline-engine/internal/telemetry"
)

// Transport is the slice of the queue the coordinator needs: hand a job id to
// the broker, now or at a future time.
type Transport interface {
	Publish(ctx context.Context, jobID string, priority string, runAt time.Time) error
	Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error
}

// Coordinator is the single entry point for creating jobs and the single
// place queue lifecycle events become job-row mutations.
type Coordinator struct {
	store store.Store
	queue Transport
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewCoordinator wires a coordinator over the given store and transport.
func NewCoordinator(st store.Store, q Transport, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		store: st,
		queue: q,
		log:   log.Named("coordinator"),
		now:   time.Now,
	}
}

// EnqueueParams collects the inputs for creating a job.
type EnqueueParams struct {
	ID        string // optional; generated when empty
	ProjectID string
	Type      models.JobType
	Payload   map[string]any
	TargetID  string // optional; set by guards for idempotency-keyed types
	Priority  string
	RunAt     time.Time // zero means now
}

// Enqueue persists a job row and then hands it to the transport. The row is
// written first so a queue message never exists without a tracking row. If
// the publish fails the job stays queued in the store: it is reported via the
// orphan counter and the returned error, never silently dropped.
func (c *Coordinator) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if !models.IsValidType(p.Type) {
		return models.Job{}, errors.Newf("unknown job type %q", p.Type)
	}
	if p.ProjectID == "" {
		return models.Job{}, errors.New("project id is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	// The worker extracts the project from the payload without per-type
	// schema knowledge, so it always travels there.
	p.Payload["project_id"] = p.ProjectID

	now := c.now().UTC()
	job := models.Job{
		ID:        p.ID,
		ProjectID: p.ProjectID,
		Type:      p.Type,
		Payload:   p.Payload,
		TargetID:  p.TargetID,
		Status:    models.StatusQueued,
		Priority:  p.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.InsertJob(ctx, job); err != nil {
		return models.Job{}, errors.Wrap(err, "persist job")
	}
	_ = c.store.AppendJobLog(ctx, job.ID, models.JobLogEntry{
		Message:   "job queued",
		Level:     models.LogInfo,
		Timestamp: now,
	})

	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	if err := c.queue.Publish(ctx, job.ID, job.Priority, runAt); err != nil {
		telemetry.OrphanedCounter.Inc()
		c.log.Errorw("queue publish failed after persist; job is queued with no delivery",
			"job_id", job.ID, "project_id", job.ProjectID, "type", job.Type, "error", err)
		return job, errors.Wrapf(err, "publish job %s", job.ID)
	}
	telemetry.EnqueueCounter.Inc()
	return job, nil
}

// OnStarted marks a job running. Duplicate or out-of-order deliveries are
// tolerated: a job already running or already terminal is left untouched.
func (c *Coordinator) OnStarted(ctx context.Context, id string) error {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.StatusQueued {
		return nil
	}
	now := c.now().UTC()
	status := models.StatusRunning
	if err := c.store.UpdateJob(ctx, id, store.JobUpdate{Status: &status, StartedAt: &now}); err != nil {
		return err
	}
	return c.store.AppendJobLog(ctx, id, models.JobLogEntry{
		Message:   "job running",
		Level:     models.LogInfo,
		Timestamp: now,
	})
}

// OnSucceeded marks a job succeeded. Applying it twice, or after another
// terminal state, is a no-op.
func (c *Coordinator) OnSucceeded(ctx context.Context, id string) error {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	now := c.now().UTC()
	status := models.StatusSucceeded
	progress := 100
	if err := c.store.UpdateJob(ctx, id, store.JobUpdate{Status: &status, ProgressPct: &progress, FinishedAt: &now}); err != nil {
		return err
	}
	return c.store.AppendJobLog(ctx, id, models.JobLogEntry{
		Message:   "job succeeded",
		Level:     models.LogInfo,
		Timestamp: now,
	})
}

// OnFailed records a terminal failure with the cause captured on the row.
func (c *Coordinator) OnFailed(ctx context.Context, id string, cause error) error {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	now := c.now().UTC()
	status := models.StatusFailed
	msg := "job failed"
	var lastError *string
	if cause != nil {
		v := cause.Error()
		lastError = &v
		msg = "job failed: " + v
	}
	if err := c.store.UpdateJob(ctx, id, store.JobUpdate{Status: &status, LastError: lastError, FinishedAt: &now}); err != nil {
		return err
	}
	return c.store.AppendJobLog(ctx, id, models.JobLogEntry{
		Message:   msg,
		Level:     models.LogError,
		Timestamp: now,
	})
}

// OnReleased returns a job to queued state after its message went back to
// the queue: either a back-pressure release (retries nil) or a retry
// (retries carries the incremented count). Terminal jobs are left untouched.
func (c *Coordinator) OnReleased(ctx context.Context, id string, retries *int, cause error) error {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	now := c.now().UTC()
	status := models.StatusQueued
	upd := store.JobUpdate{Status: &status, Retries: retries}
	msg := "job released back to queue"
	level := models.LogInfo
	if cause != nil {
		v := cause.Error()
		upd.LastError = &v
		msg = "job attempt failed, retry scheduled: " + v
		level = models.LogWarn
	}
	if err := c.store.UpdateJob(ctx, id, upd); err != nil {
		return err
	}
	return c.store.AppendJobLog(ctx, id, models.JobLogEntry{
		Message:   msg,
		Level:     level,
		Timestamp: now,
	})
}

// GetJob is a read accessor with no side effects.
func (c *Coordinator) GetJob(ctx context.Context, id string) (models.Job, error) {
	return c.store.GetJob(ctx, id)
}

// ListProjectJobs returns a project's jobs, newest first, bounded to the
// most recent 50. jobType narrows the listing when non-empty.
func (c *Coordinator) ListProjectJobs(ctx context.Context, projectID string, jobType models.JobType) ([]models.Job, error) {
	return c.store.ListJobs(ctx, store.JobFilter{
		ProjectID: projectID,
		Type:      jobType,
		Limit:     store.DefaultListLimit,
	})
}
