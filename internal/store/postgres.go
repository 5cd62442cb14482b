package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-pipeline-engine/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, project_id, type, payload, target_id, status, retries, progress_pct, priority, last_error, started_at, finished_at, logs, created_at, updated_at`

func (s *Postgres) InsertJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	logsJSON, err := json.Marshal(job.Logs)
	if err != nil {
		return errors.Wrap(err, "marshal logs")
	}
	if job.Logs == nil {
		logsJSON = []byte("[]")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, job.ID, job.ProjectID, string(job.Type), payloadJSON, job.TargetID, string(job.Status),
		job.Retries, job.ProgressPct, job.Priority, job.LastError, job.StartedAt, job.FinishedAt,
		logsJSON, job.CreatedAt.UTC())
	return errors.Wrap(err, "insert job")
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var jobType, status string
	var payloadJSON, logsJSON []byte
	var lastErr pgtype.Text
	var startedAt, finishedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.ProjectID, &jobType, &payloadJSON, &job.TargetID, &status,
		&job.Retries, &job.ProgressPct, &job.Priority, &lastErr, &startedAt, &finishedAt,
		&logsJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, errors.Wrap(err, "scan job")
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, errors.Wrap(err, "unmarshal payload")
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &job.Logs); err != nil {
			return models.Job{}, errors.Wrap(err, "unmarshal logs")
		}
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// UpdateJob applies the non-nil fields of upd in a single UPDATE statement.
func (s *Postgres) UpdateJob(ctx context.Context, id string, upd JobUpdate) error {
	var status, lastError *string
	if upd.Status != nil {
		v := string(*upd.Status)
		status = &v
	}
	if upd.LastError != nil {
		lastError = upd.LastError
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status       = COALESCE($2, status),
			retries      = COALESCE($3, retries),
			progress_pct = COALESCE($4, progress_pct),
			last_error   = CASE WHEN $5::boolean THEN $6 ELSE last_error END,
			started_at   = COALESCE($7, started_at),
			finished_at  = COALESCE($8, finished_at),
			updated_at   = NOW()
		WHERE id = $1
	`, id, status, upd.Retries, upd.ProgressPct, upd.LastError != nil, lastError, upd.StartedAt, upd.FinishedAt)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) AppendJobLog(ctx context.Context, id string, entry models.JobLogEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal log entry")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET logs = logs || $2::jsonb, updated_at = NOW() WHERE id = $1
	`, id, entryJSON)
	if err != nil {
		return errors.Wrap(err, "append job log")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR project_id = $1)
		  AND ($2 = '' OR type = $2)
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		ORDER BY created_at DESC
		LIMIT $4
	`, f.ProjectID, string(f.Type), statuses, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Postgres) FindActiveJobByTarget(ctx context.Context, projectID string, jobType models.JobType, targetID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE project_id = $1 AND type = $2 AND target_id = $3 AND status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID, string(jobType), targetID)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (s *Postgres) CountQueuedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = 'queued' AND created_at < $1
	`, cutoff.UTC()).Scan(&n)
	return n, errors.Wrap(err, "count queued jobs")
}

func (s *Postgres) InsertPlanItem(ctx context.Context, item models.PlanItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO plan_items (id, project_id, keyword_id, planned_date, title, outline, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.ProjectID, item.KeywordID, models.DateOnly(item.PlannedDate), item.Title, item.Outline, string(item.Status), item.CreatedAt.UTC())
	return errors.Wrap(err, "insert plan item")
}

func (s *Postgres) GetPlanItem(ctx context.Context, id string) (models.PlanItem, error) {
	var item models.PlanItem
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, keyword_id, planned_date, title, outline, status, created_at
		FROM plan_items WHERE id = $1
	`, id).Scan(&item.ID, &item.ProjectID, &item.KeywordID, &item.PlannedDate, &item.Title, &item.Outline, &status, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PlanItem{}, ErrNotFound
	}
	if err != nil {
		return models.PlanItem{}, errors.Wrap(err, "get plan item")
	}
	item.Status = models.PlanItemStatus(status)
	return item, nil
}

func (s *Postgres) ListDuePlanItems(ctx context.Context, projectID string, today time.Time) ([]models.PlanItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, keyword_id, planned_date, title, outline, status, created_at
		FROM plan_items
		WHERE ($1 = '' OR project_id = $1) AND status = 'planned' AND planned_date <= $2
		ORDER BY planned_date, id
	`, projectID, models.DateOnly(today))
	if err != nil {
		return nil, errors.Wrap(err, "list due plan items")
	}
	defer rows.Close()

	var out []models.PlanItem
	for rows.Next() {
		var item models.PlanItem
		var status string
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.KeywordID, &item.PlannedDate, &item.Title, &item.Outline, &status, &item.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan plan item")
		}
		item.Status = models.PlanItemStatus(status)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Postgres) SetPlanItemStatus(ctx context.Context, id string, status models.PlanItemStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE plan_items SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return errors.Wrap(err, "set plan item status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) InsertArticle(ctx context.Context, article models.Article) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO articles (id, project_id, plan_item_id, status, title, body, slug, cover_image, published_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, article.ID, article.ProjectID, emptyToNil(article.PlanItemID), string(article.Status), article.Title,
		article.Body, article.Slug, article.CoverImage, article.PublishedAt, article.CreatedAt.UTC())
	return errors.Wrap(err, "insert article")
}

func scanArticle(row pgx.Row) (models.Article, error) {
	var a models.Article
	var status string
	var planItem pgtype.Text
	var publishedAt pgtype.Timestamptz
	if err := row.Scan(&a.ID, &a.ProjectID, &planItem, &status, &a.Title, &a.Body, &a.Slug, &a.CoverImage, &publishedAt, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Article{}, ErrNotFound
		}
		return models.Article{}, errors.Wrap(err, "scan article")
	}
	a.Status = models.ArticleStatus(status)
	if planItem.Valid {
		a.PlanItemID = planItem.String
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		a.PublishedAt = &t
	}
	return a, nil
}

const articleColumns = `id, project_id, plan_item_id, status, title, body, slug, cover_image, published_at, created_at`

func (s *Postgres) GetArticle(ctx context.Context, id string) (models.Article, error) {
	return scanArticle(s.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
}

func (s *Postgres) FindArticleByPlanItem(ctx context.Context, planItemID string) (models.Article, bool, error) {
	a, err := scanArticle(s.pool.QueryRow(ctx, `
		SELECT `+articleColumns+` FROM articles WHERE plan_item_id = $1 ORDER BY created_at LIMIT 1
	`, planItemID))
	if errors.Is(err, ErrNotFound) {
		return models.Article{}, false, nil
	}
	if err != nil {
		return models.Article{}, false, err
	}
	return a, true, nil
}

func (s *Postgres) ListDraftArticles(ctx context.Context, projectID string) ([]models.Article, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+articleColumns+` FROM articles
		WHERE ($1 = '' OR project_id = $1) AND status = 'draft'
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "list draft articles")
	}
	defer rows.Close()

	var out []models.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) SetArticleStatus(ctx context.Context, id string, status models.ArticleStatus, publishedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE articles SET status = $2, published_at = COALESCE($3, published_at) WHERE id = $1
	`, id, string(status), publishedAt)
	if err != nil {
		return errors.Wrap(err, "set article status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) InsertIntegration(ctx context.Context, integ models.Integration) error {
	configJSON, err := json.Marshal(integ.Config)
	if err != nil {
		return errors.Wrap(err, "marshal integration config")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO integrations (id, project_id, type, status, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, integ.ID, integ.ProjectID, integ.Type, string(integ.Status), configJSON, integ.CreatedAt.UTC())
	return errors.Wrap(err, "insert integration")
}

func (s *Postgres) FindConnectedIntegration(ctx context.Context, projectID string) (models.Integration, bool, error) {
	var integ models.Integration
	var status string
	var configJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, type, status, config, created_at FROM integrations
		WHERE project_id = $1 AND status = 'connected'
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID).Scan(&integ.ID, &integ.ProjectID, &integ.Type, &status, &configJSON, &integ.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Integration{}, false, nil
	}
	if err != nil {
		return models.Integration{}, false, errors.Wrap(err, "find connected integration")
	}
	integ.Status = models.IntegrationStatus(status)
	if err := json.Unmarshal(configJSON, &integ.Config); err != nil {
		return models.Integration{}, false, errors.Wrap(err, "unmarshal integration config")
	}
	return integ, true, nil
}

func (s *Postgres) GetProject(ctx context.Context, id string) (models.Project, bool, error) {
	var p models.Project
	var policy pgtype.Text
	var bufferDays pgtype.Int4
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, name, auto_publish_policy, buffer_days FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.OrgID, &p.Name, &policy, &bufferDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, false, nil
	}
	if err != nil {
		return models.Project{}, false, errors.Wrap(err, "get project")
	}
	if policy.Valid {
		p.AutoPublishPolicy = policy.String
	}
	if bufferDays.Valid {
		v := int(bufferDays.Int32)
		p.BufferDays = &v
	}
	return p, true, nil
}

func (s *Postgres) GetOrg(ctx context.Context, id string) (models.Org, bool, error) {
	var o models.Org
	var policy pgtype.Text
	var bufferDays pgtype.Int4
	err := s.pool.QueryRow(ctx, `
		SELECT id, entitlement_auto_publish_policy, entitlement_buffer_days FROM orgs WHERE id = $1
	`, id).Scan(&o.ID, &policy, &bufferDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Org{}, false, nil
	}
	if err != nil {
		return models.Org{}, false, errors.Wrap(err, "get org")
	}
	if policy.Valid {
		o.EntitlementAutoPublishPolicy = policy.String
	}
	if bufferDays.Valid {
		v := int(bufferDays.Int32)
		o.EntitlementBufferDays = &v
	}
	return o, true, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

var _ Store = (*Postgres)(nil)
