package jobs

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/store"
	"content-pipeline-engine/internal/telemetry"
)

// GuardResult reports what an idempotent enqueue produced: either a fresh
// job or an existing active one (Reused true).
type GuardResult struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Reused bool             `json:"reused"`
}

// Guards prevent duplicate in-flight work for the same logical target before
// handing creation to the coordinator. The check-then-act sequence is not
// atomic with the enqueue: two concurrent callers can both pass the existence
// check. That narrow window is an accepted tolerance of this design.
type Guards struct {
	store store.Store
	coord *Coordinator
	log   *zap.SugaredLogger
}

// NewGuards wires the guard layer.
func NewGuards(st store.Store, coord *Coordinator, log *zap.SugaredLogger) *Guards {
	return &Guards{store: st, coord: coord, log: log.Named("guards")}
}

// EnqueueGenerate enqueues a draft-generation job for a plan item unless one
// is already active for it. Preconditions: the plan item exists, is not
// skipped, and has no article yet.
func (g *Guards) EnqueueGenerate(ctx context.Context, planItemID string) (GuardResult, error) {
	item, err := g.store.GetPlanItem(ctx, planItemID)
	if errors.Is(err, store.ErrNotFound) {
		return GuardResult{}, validationf(CodePlanItemNotFound, "plan item %s not found", planItemID)
	}
	if err != nil {
		return GuardResult{}, err
	}
	if item.Status == models.PlanItemSkipped {
		return GuardResult{}, validationf(CodePlanItemSkipped, "plan item %s is skipped", planItemID)
	}
	if _, exists, err := g.store.FindArticleByPlanItem(ctx, planItemID); err != nil {
		return GuardResult{}, err
	} else if exists {
		return GuardResult{}, validationf(CodeArticleAlreadyExists, "plan item %s already has an article", planItemID)
	}

	if existing, found, err := g.store.FindActiveJobByTarget(ctx, item.ProjectID, models.TypeGenerate, planItemID); err != nil {
		return GuardResult{}, err
	} else if found {
		telemetry.ReusedCounter.Inc()
		return GuardResult{JobID: existing.ID, Status: existing.Status, Reused: true}, nil
	}

	job, err := g.coord.Enqueue(ctx, EnqueueParams{
		ProjectID: item.ProjectID,
		Type:      models.TypeGenerate,
		TargetID:  planItemID,
		Payload: map[string]any{
			"plan_item_id": planItemID,
			"keyword_id":   item.KeywordID,
			"title":        item.Title,
		},
	})
	if err != nil {
		return GuardResult{}, err
	}
	return GuardResult{JobID: job.ID, Status: job.Status}, nil
}

// EnqueuePublish enqueues a publish job for an article unless one is already
// active for it. Preconditions: the article exists, is not published, and
// its project has a connected integration to publish through.
func (g *Guards) EnqueuePublish(ctx context.Context, articleID string) (GuardResult, error) {
	article, err := g.store.GetArticle(ctx, articleID)
	if errors.Is(err, store.ErrNotFound) {
		return GuardResult{}, validationf(CodeArticleNotFound, "article %s not found", articleID)
	}
	if err != nil {
		return GuardResult{}, err
	}
	if article.Status == models.ArticlePublished {
		return GuardResult{}, validationf(CodeArticleAlreadyPublished, "article %s is already published", articleID)
	}
	integ, found, err := g.store.FindConnectedIntegration(ctx, article.ProjectID)
	if err != nil {
		return GuardResult{}, err
	}
	if !found {
		return GuardResult{}, validationf(CodeIntegrationNotConnected, "project %s has no connected integration", article.ProjectID)
	}

	if existing, found, err := g.store.FindActiveJobByTarget(ctx, article.ProjectID, models.TypePublish, articleID); err != nil {
		return GuardResult{}, err
	} else if found {
		telemetry.ReusedCounter.Inc()
		return GuardResult{JobID: existing.ID, Status: existing.Status, Reused: true}, nil
	}

	job, err := g.coord.Enqueue(ctx, EnqueueParams{
		ProjectID: article.ProjectID,
		Type:      models.TypePublish,
		TargetID:  articleID,
		Payload: map[string]any{
			"article_id":     articleID,
			"integration_id": integ.ID,
		},
	})
	if err != nil {
		return GuardResult{}, err
	}
	return GuardResult{JobID: job.ID, Status: job.Status}, nil
}
