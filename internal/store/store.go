// Package store persists job, plan, article, and integration rows. The job
// table is the single source of truth for job state; queue delivery is never
// treated as a state store.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"content-pipeline-engine/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert collides with an existing id.
var ErrDuplicate = errors.New("store: duplicate id")

// DefaultListLimit bounds job listings when the caller does not.
const DefaultListLimit = 50

// JobFilter selects jobs for ListJobs. Zero values mean "any".
type JobFilter struct {
	ProjectID string
	Type      models.JobType
	Statuses  []models.JobStatus
	Limit     int
}

// JobUpdate carries the fields a single status mutation may set. Nil fields
// are left untouched, so each mutation is one atomic update with no
// read-modify-write window.
type JobUpdate struct {
	Status      *models.JobStatus
	Retries     *int
	ProgressPct *int
	LastError   *string
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Store is the persistence contract for the job engine.
type Store interface {
	// Jobs.
	InsertJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, id string, upd JobUpdate) error
	AppendJobLog(ctx context.Context, id string, entry models.JobLogEntry) error
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	// FindActiveJobByTarget looks up a queued or running job of the given
	// type whose target id matches: the secondary index backing the
	// idempotent enqueue guards.
	FindActiveJobByTarget(ctx context.Context, projectID string, jobType models.JobType, targetID string) (models.Job, bool, error)
	// CountQueuedOlderThan reports queued jobs that have sat unclaimed past
	// the cutoff, the observable signal for enqueue orphans.
	CountQueuedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Plan items.
	InsertPlanItem(ctx context.Context, item models.PlanItem) error
	GetPlanItem(ctx context.Context, id string) (models.PlanItem, error)
	ListDuePlanItems(ctx context.Context, projectID string, today time.Time) ([]models.PlanItem, error)
	SetPlanItemStatus(ctx context.Context, id string, status models.PlanItemStatus) error

	// Articles.
	InsertArticle(ctx context.Context, article models.Article) error
	GetArticle(ctx context.Context, id string) (models.Article, error)
	FindArticleByPlanItem(ctx context.Context, planItemID string) (models.Article, bool, error)
	ListDraftArticles(ctx context.Context, projectID string) ([]models.Article, error)
	SetArticleStatus(ctx context.Context, id string, status models.ArticleStatus, publishedAt *time.Time) error

	// Integrations and policy inputs.
	InsertIntegration(ctx context.Context, integ models.Integration) error
	FindConnectedIntegration(ctx context.Context, projectID string) (models.Integration, bool, error)
	GetProject(ctx context.Context, id string) (models.Project, bool, error)
	GetOrg(ctx context.Context, id string) (models.Org, bool, error)
}
