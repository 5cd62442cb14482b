package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"content-pipeline-engine/internal/models"
)

// Memory is an in-process Store used by tests and single-node development
// runs. All methods copy rows on the way in and out so callers never share
// mutable state with the store.
type Memory struct {
	mu           sync.RWMutex
	seq          int64
	jobs         map[string]*memJob
	planItems    map[string]models.PlanItem
	articles     map[string]models.Article
	integrations map[string]memIntegration
	projects     map[string]models.Project
	orgs         map[string]models.Org
}

type memJob struct {
	job models.Job
	seq int64
}

type memIntegration struct {
	integ models.Integration
	seq   int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:         make(map[string]*memJob),
		planItems:    make(map[string]models.PlanItem),
		articles:     make(map[string]models.Article),
		integrations: make(map[string]memIntegration),
		projects:     make(map[string]models.Project),
		orgs:         make(map[string]models.Org),
	}
}

func copyJob(j models.Job) models.Job {
	out := j
	if j.Payload != nil {
		out.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			out.Payload[k] = v
		}
	}
	out.Logs = append([]models.JobLogEntry(nil), j.Logs...)
	return out
}

func (m *Memory) InsertJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return ErrDuplicate
	}
	m.seq++
	m.jobs[job.ID] = &memJob{job: copyJob(job), seq: m.seq}
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return copyJob(row.job), nil
}

func (m *Memory) UpdateJob(_ context.Context, id string, upd JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Status != nil {
		row.job.Status = *upd.Status
	}
	if upd.Retries != nil {
		row.job.Retries = *upd.Retries
	}
	if upd.ProgressPct != nil {
		row.job.ProgressPct = *upd.ProgressPct
	}
	if upd.LastError != nil {
		row.job.LastError = upd.LastError
	}
	if upd.StartedAt != nil {
		row.job.StartedAt = upd.StartedAt
	}
	if upd.FinishedAt != nil {
		row.job.FinishedAt = upd.FinishedAt
	}
	row.job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AppendJobLog(_ context.Context, id string, entry models.JobLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	row.job.Logs = append(row.job.Logs, entry)
	row.job.UpdatedAt = time.Now().UTC()
	return nil
}

func matchesFilter(j models.Job, f JobFilter) bool {
	if f.ProjectID != "" && j.ProjectID != f.ProjectID {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *Memory) ListJobs(_ context.Context, f JobFilter) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]*memJob, 0, len(m.jobs))
	for _, row := range m.jobs {
		if matchesFilter(row.job, f) {
			rows = append(rows, row)
		}
	}
	// Newest first, insertion order breaking created_at ties.
	sort.Slice(rows, func(i, k int) bool {
		if rows[i].job.CreatedAt.Equal(rows[k].job.CreatedAt) {
			return rows[i].seq > rows[k].seq
		}
		return rows[i].job.CreatedAt.After(rows[k].job.CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]models.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, copyJob(row.job))
	}
	return out, nil
}

func (m *Memory) FindActiveJobByTarget(_ context.Context, projectID string, jobType models.JobType, targetID string) (models.Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range m.jobs {
		j := row.job
		if j.ProjectID == projectID && j.Type == jobType && j.TargetID == targetID && j.Status.Active() {
			return copyJob(j), true, nil
		}
	}
	return models.Job{}, false, nil
}

func (m *Memory) CountQueuedOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, row := range m.jobs {
		if row.job.Status == models.StatusQueued && row.job.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertPlanItem(_ context.Context, item models.PlanItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planItems[item.ID] = item
	return nil
}

func (m *Memory) GetPlanItem(_ context.Context, id string) (models.PlanItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.planItems[id]
	if !ok {
		return models.PlanItem{}, ErrNotFound
	}
	return item, nil
}

func (m *Memory) ListDuePlanItems(_ context.Context, projectID string, today time.Time) ([]models.PlanItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PlanItem, 0)
	for _, item := range m.planItems {
		if projectID != "" && item.ProjectID != projectID {
			continue
		}
		if item.Due(today) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].PlannedDate.Equal(out[k].PlannedDate) {
			return out[i].ID < out[k].ID
		}
		return out[i].PlannedDate.Before(out[k].PlannedDate)
	})
	return out, nil
}

func (m *Memory) SetPlanItemStatus(_ context.Context, id string, status models.PlanItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.planItems[id]
	if !ok {
		return ErrNotFound
	}
	item.Status = status
	m.planItems[id] = item
	return nil
}

func (m *Memory) InsertArticle(_ context.Context, article models.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.articles[article.ID] = article
	return nil
}

func (m *Memory) GetArticle(_ context.Context, id string) (models.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.articles[id]
	if !ok {
		return models.Article{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) FindArticleByPlanItem(_ context.Context, planItemID string) (models.Article, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.articles {
		if a.PlanItemID == planItemID {
			return a, true, nil
		}
	}
	return models.Article{}, false, nil
}

func (m *Memory) ListDraftArticles(_ context.Context, projectID string) ([]models.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Article, 0)
	for _, a := range m.articles {
		if projectID != "" && a.ProjectID != projectID {
			continue
		}
		if a.Status == models.ArticleDraft {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) SetArticleStatus(_ context.Context, id string, status models.ArticleStatus, publishedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	if publishedAt != nil {
		a.PublishedAt = publishedAt
	}
	m.articles[id] = a
	return nil
}

func (m *Memory) InsertIntegration(_ context.Context, integ models.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.integrations[integ.ID] = memIntegration{integ: integ, seq: m.seq}
	return nil
}

func (m *Memory) FindConnectedIntegration(_ context.Context, projectID string) (models.Integration, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best memIntegration
	found := false
	for _, row := range m.integrations {
		if row.integ.ProjectID != projectID || row.integ.Status != models.IntegrationConnected {
			continue
		}
		// Most recently created wins, insertion order breaking ties.
		if !found || row.integ.CreatedAt.After(best.integ.CreatedAt) ||
			(row.integ.CreatedAt.Equal(best.integ.CreatedAt) && row.seq > best.seq) {
			best = row
			found = true
		}
	}
	return best.integ, found, nil
}

func (m *Memory) InsertProject(_ context.Context, p models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (models.Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	return p, ok, nil
}

func (m *Memory) InsertOrg(_ context.Context, o models.Org) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[o.ID] = o
	return nil
}

func (m *Memory) GetOrg(_ context.Context, id string) (models.Org, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	return o, ok, nil
}

var _ Store = (*Memory)(nil)
