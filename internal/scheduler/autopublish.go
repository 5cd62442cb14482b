// Package scheduler advances two cohorts on each run: due plan items that
// need drafts, and draft articles whose publish window has opened.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"content-pipeline-engine/internal/jobs"
	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/policy"
	"content-pipeline-engine/internal/store"
	"content-pipeline-engine/internal/telemetry"
)

// Scheduler is stateless across runs; every invocation recomputes its
// cohorts from the store. Re-running immediately enqueues nothing new
// because the enqueue guards see the active jobs from the first run.
type Scheduler struct {
	store  store.Store
	guards *jobs.Guards
	log    *zap.SugaredLogger
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// New wires the autopublish scheduler.
func New(st store.Store, guards *jobs.Guards, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		store:  st,
		guards: guards,
		log:    log.Named("autopublish"),
		Now:    time.Now,
	}
}

// RunOptions narrow a run to one project and/or override the resolved
// policy for every project in scope.
type RunOptions struct {
	ProjectID string
	Policy    *policy.Override
}

// Summary reports what a run enqueued. PublishedArticles counts publish jobs
// enqueued, not articles actually live.
type Summary struct {
	GeneratedDrafts   int `json:"generated_drafts"`
	EnqueuedJobs      int `json:"enqueued_jobs"`
	PublishedArticles int `json:"published_articles"`
}

// Run executes both phases. Failures on individual rows are logged and
// skipped so one bad row never aborts the rest of the run.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	today := s.Now().UTC()
	summary := Summary{}

	generated, err := s.runDraftGeneration(ctx, opts, today)
	if err != nil {
		return summary, err
	}
	summary.GeneratedDrafts = generated
	summary.EnqueuedJobs = generated

	published, err := s.runPublishGating(ctx, opts, today)
	if err != nil {
		return summary, err
	}
	summary.PublishedArticles = published

	s.log.Infow("autopublish run complete",
		"project_id", opts.ProjectID,
		"generated_drafts", summary.GeneratedDrafts,
		"published_articles", summary.PublishedArticles)
	return summary, nil
}

// runDraftGeneration is phase A: enqueue generation for due plan items that
// have no article yet.
func (s *Scheduler) runDraftGeneration(ctx context.Context, opts RunOptions, today time.Time) (int, error) {
	items, err := s.store.ListDuePlanItems(ctx, opts.ProjectID, today)
	if err != nil {
		return 0, err
	}
	generated := 0
	for _, item := range items {
		if _, exists, err := s.store.FindArticleByPlanItem(ctx, item.ID); err != nil {
			s.log.Warnw("article lookup failed", "plan_item_id", item.ID, "error", err)
			continue
		} else if exists {
			continue
		}
		res, err := s.guards.EnqueueGenerate(ctx, item.ID)
		if err != nil {
			if jobs.IsValidation(err) {
				continue
			}
			s.log.Warnw("enqueue generate failed", "plan_item_id", item.ID, "error", err)
			continue
		}
		if res.Reused {
			continue
		}
		generated++
		telemetry.AutopublishDrafts.Inc()
	}
	return generated, nil
}

// runPublishGating is phase B: enqueue publishing for drafts whose plan
// item's date has cleared the project's policy threshold.
func (s *Scheduler) runPublishGating(ctx context.Context, opts RunOptions, today time.Time) (int, error) {
	drafts, err := s.store.ListDraftArticles(ctx, opts.ProjectID)
	if err != nil {
		return 0, err
	}

	// Policy and integration lookups are memoized per project for the run;
	// many drafts usually share a project.
	policies := make(map[string]policy.SchedulePolicy)
	integrations := make(map[string]*models.Integration)

	published := 0
	for _, article := range drafts {
		if article.PlanItemID == "" {
			// Without a plan item there is no intended publish date.
			continue
		}
		item, err := s.store.GetPlanItem(ctx, article.PlanItemID)
		if err != nil {
			s.log.Warnw("plan item lookup failed", "article_id", article.ID, "plan_item_id", article.PlanItemID, "error", err)
			continue
		}

		pol, ok := policies[article.ProjectID]
		if !ok {
			pol = s.resolvePolicy(ctx, article.ProjectID, opts.Policy)
			policies[article.ProjectID] = pol
		}
		if pol.Mode == policy.ModeManual {
			continue
		}
		if !pol.Eligible(item.PlannedDate, today) {
			// Window not open yet; reconsidered on a later run.
			continue
		}

		integ, ok := integrations[article.ProjectID]
		if !ok {
			found, has, err := s.store.FindConnectedIntegration(ctx, article.ProjectID)
			if err != nil {
				s.log.Warnw("integration lookup failed", "project_id", article.ProjectID, "error", err)
				continue
			}
			if has {
				integ = &found
			}
			integrations[article.ProjectID] = integ
		}
		if integ == nil {
			continue
		}

		res, err := s.guards.EnqueuePublish(ctx, article.ID)
		if err != nil {
			if jobs.IsValidation(err) {
				continue
			}
			s.log.Warnw("enqueue publish failed", "article_id", article.ID, "error", err)
			continue
		}
		if res.Reused {
			continue
		}
		published++
		telemetry.AutopublishPublish.Inc()
	}
	return published, nil
}

func (s *Scheduler) resolvePolicy(ctx context.Context, projectID string, override *policy.Override) policy.SchedulePolicy {
	var project *models.Project
	var org *models.Org
	if p, ok, err := s.store.GetProject(ctx, projectID); err != nil {
		s.log.Warnw("project lookup failed", "project_id", projectID, "error", err)
	} else if ok {
		project = &p
		if p.OrgID != "" {
			if o, ok, err := s.store.GetOrg(ctx, p.OrgID); err != nil {
				s.log.Warnw("org lookup failed", "org_id", p.OrgID, "error", err)
			} else if ok {
				org = &o
			}
		}
	}
	return policy.Resolve(override, project, org)
}

// RunPeriodically triggers a full run on the given cadence until the context
// is canceled. Manual runs through the API can happen concurrently; the
// guards keep the two from double-enqueueing.
func (s *Scheduler) RunPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, RunOptions{}); err != nil {
				s.log.Errorw("autopublish run failed", "error", err)
			}
		}
	}
}
