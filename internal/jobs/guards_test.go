package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/store"
)

func newTestGuards(t *testing.T) (*Guards, *store.Memory, *fakeTransport) {
	t.Helper()
	st := store.NewMemory()
	transport := &fakeTransport{}
	log := zap.NewNop().Sugar()
	coord := NewCoordinator(st, transport, log)
	return NewGuards(st, coord, log), st, transport
}

func seedPlanItem(t *testing.T, st *store.Memory, id, projectID string, status models.PlanItemStatus) {
	t.Helper()
	require.NoError(t, st.InsertPlanItem(context.Background(), models.PlanItem{
		ID:          id,
		ProjectID:   projectID,
		KeywordID:   "kw-" + id,
		PlannedDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Title:       "how to test " + id,
		Status:      status,
	}))
}

func seedIntegration(t *testing.T, st *store.Memory, id, projectID string, status models.IntegrationStatus) {
	t.Helper()
	require.NoError(t, st.InsertIntegration(context.Background(), models.Integration{
		ID:        id,
		ProjectID: projectID,
		Type:      "webhook",
		Status:    status,
		Config:    map[string]any{"webhook_url": "https://cms.example.com/hook"},
	}))
}

func TestEnqueueGenerateCreatesJob(t *testing.T) {
	ctx := context.Background()
	guards, st, _ := newTestGuards(t)
	seedPlanItem(t, st, "pi-1", "proj-1", models.PlanItemPlanned)

	res, err := guards.EnqueueGenerate(ctx, "pi-1")
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, models.StatusQueued, res.Status)

	job, err := st.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.TypeGenerate, job.Type)
	assert.Equal(t, "pi-1", job.TargetID)
	assert.Equal(t, "pi-1", job.Payload["plan_item_id"])
	assert.Equal(t, "kw-pi-1", job.Payload["keyword_id"])
}

func TestEnqueueGenerateReusesActiveJob(t *testing.T) {
	ctx := context.Background()
	guards, st, transport := newTestGuards(t)
	seedPlanItem(t, st, "pi-1", "proj-1", models.PlanItemPlanned)

	first, err := guards.EnqueueGenerate(ctx, "pi-1")
	require.NoError(t, err)

	second, err := guards.EnqueueGenerate(ctx, "pi-1")
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Len(t, transport.publishedIDs(), 1)
}

func TestEnqueueGenerateAfterTerminalJobCreatesNew(t *testing.T) {
	ctx := context.Background()
	guards, st, _ := newTestGuards(t)
	seedPlanItem(t, st, "pi-1", "proj-1", models.PlanItemPlanned)

	first, err := guards.EnqueueGenerate(ctx, "pi-1")
	require.NoError(t, err)

	failed := models.StatusFailed
	require.NoError(t, st.UpdateJob(ctx, first.JobID, store.JobUpdate{Status: &failed}))

	second, err := guards.EnqueueGenerate(ctx, "pi-1")
	require.NoError(t, err)
	assert.False(t, second.Reused)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestEnqueueGenerateValidation(t *testing.T) {
	ctx := context.Background()
	guards, st, _ := newTestGuards(t)

	_, err := guards.EnqueueGenerate(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, CodePlanItemNotFound, ValidationCode(err))

	seedPlanItem(t, st, "pi-skip", "proj-1", models.PlanItemSkipped)
	_, err = guards.EnqueueGenerate(ctx, "pi-skip")
	require.Error(t, err)
	assert.Equal(t, CodePlanItemSkipped, ValidationCode(err))

	seedPlanItem(t, st, "pi-done", "proj-1", models.PlanItemPlanned)
	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-1", ProjectID: "proj-1", PlanItemID: "pi-done", Status: models.ArticleDraft,
	}))
	_, err = guards.EnqueueGenerate(ctx, "pi-done")
	require.Error(t, err)
	assert.Equal(t, CodeArticleAlreadyExists, ValidationCode(err))
	assert.True(t, IsValidation(err))
}

func TestEnqueuePublishCreatesJob(t *testing.T) {
	ctx := context.Background()
	guards, st, _ := newTestGuards(t)
	seedIntegration(t, st, "int-1", "proj-1", models.IntegrationConnected)
	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-1", ProjectID: "proj-1", Status: models.ArticleDraft, Title: "draft",
	}))

	res, err := guards.EnqueuePublish(ctx, "art-1")
	require.NoError(t, err)
	assert.False(t, res.Reused)

	job, err := st.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.TypePublish, job.Type)
	assert.Equal(t, "art-1", job.TargetID)
	assert.Equal(t, "int-1", job.Payload["integration_id"])
}

func TestEnqueuePublishReusesActiveJob(t *testing.T) {
	ctx := context.Background()
	guards, st, _ := newTestGuards(t)
	seedIntegration(t, st, "int-1", "proj-1", models.IntegrationConnected)
	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-1", ProjectID: "proj-1", Status: models.ArticleDraft,
	}))

	first, err := guards.EnqueuePublish(ctx, "art-1")
	require.NoError(t, err)
	second, err := guards.EnqueuePublish(ctx, "art-1")
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestEnqueuePublishValidation(t *testing.T) {
	ctx := context.Background()
	guards, st, _ := newTestGuards(t)

	_, err := guards.EnqueuePublish(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, CodeArticleNotFound, ValidationCode(err))

	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-live", ProjectID: "proj-1", Status: models.ArticlePublished,
	}))
	_, err = guards.EnqueuePublish(ctx, "art-live")
	require.Error(t, err)
	assert.Equal(t, CodeArticleAlreadyPublished, ValidationCode(err))

	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-draft", ProjectID: "proj-1", Status: models.ArticleDraft,
	}))
	_, err = guards.EnqueuePublish(ctx, "art-draft")
	require.Error(t, err)
	assert.Equal(t, CodeIntegrationNotConnected, ValidationCode(err))

	// A paused integration does not count as connected.
	seedIntegration(t, st, "int-paused", "proj-1", models.IntegrationPaused)
	_, err = guards.EnqueuePublish(ctx, "art-draft")
	require.Error(t, err)
	assert.Equal(t, CodeIntegrationNotConnected, ValidationCode(err))
}
