package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"content-pipeline-engine/internal/config"
	"content-pipeline-engine/internal/jobs"
	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/scheduler"
	"content-pipeline-engine/internal/store"
)

type fakeTransport struct{}

func (fakeTransport) Publish(context.Context, string, string, time.Time) error  { return nil }
func (fakeTransport) Schedule(context.Context, string, string, time.Time) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	log := zap.NewNop().Sugar()
	coord := jobs.NewCoordinator(st, fakeTransport{}, log)
	guards := jobs.NewGuards(st, coord, log)
	sched := scheduler.New(st, guards, log)
	sched.Now = func() time.Time { return time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC) }

	server := New(config.Config{}, coord, guards, sched, nil, log)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEnqueueJob(t *testing.T) {
	ts, st := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]any{
		"project_id": "proj-1",
		"type":       "crawl",
		"payload":    map[string]any{"depth": 2},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := body["id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "queued", body["status"])

	stored, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.TypeCrawl, stored.Type)
}

func TestEnqueueJobValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]any{
		"project_id": "proj-1",
		"type":       "mystery",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unknown_type", body["code"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/jobs", map[string]any{"type": "crawl"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "project_required", body["code"])
}

func TestGetJob(t *testing.T) {
	ts, st := newTestServer(t)
	require.NoError(t, st.InsertJob(context.Background(), models.Job{
		ID: "job-1", ProjectID: "proj-1", Type: models.TypeCrawl, Status: models.StatusQueued,
	}))

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/jobs/job-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "job-1", body["id"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "job_not_found", body["code"])
}

func TestListProjectJobs(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.InsertJob(ctx, models.Job{
		ID: "job-1", ProjectID: "proj-1", Type: models.TypeCrawl, Status: models.StatusQueued,
	}))
	require.NoError(t, st.InsertJob(ctx, models.Job{
		ID: "job-2", ProjectID: "proj-1", Type: models.TypePlan, Status: models.StatusQueued,
	}))

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/projects/proj-1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["jobs"], 2)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/projects/proj-1/jobs?type=plan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["jobs"], 1)
}

func TestGenerateEndpointGuardMapping(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/plan-items/missing/generate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "plan_item_not_found", body["code"])

	require.NoError(t, st.InsertPlanItem(ctx, models.PlanItem{
		ID: "pi-1", ProjectID: "proj-1", Status: models.PlanItemPlanned,
		PlannedDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}))

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/plan-items/pi-1/generate", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["reused"])

	// The same call again reuses the in-flight job rather than duplicating it.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/plan-items/pi-1/generate", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["reused"])

	require.NoError(t, st.InsertPlanItem(ctx, models.PlanItem{
		ID: "pi-2", ProjectID: "proj-1", Status: models.PlanItemPlanned,
		PlannedDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-1", ProjectID: "proj-1", PlanItemID: "pi-2", Status: models.ArticleDraft,
	}))
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/plan-items/pi-2/generate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "article_already_exists", body["code"])
}

func TestPublishEndpointGuardMapping(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/articles/missing/publish", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "article_not_found", body["code"])

	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-1", ProjectID: "proj-1", Status: models.ArticleDraft,
	}))
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/articles/art-1/publish", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "integration_not_connected", body["code"])

	require.NoError(t, st.InsertIntegration(ctx, models.Integration{
		ID: "int-1", ProjectID: "proj-1", Status: models.IntegrationConnected,
		Config: map[string]any{"webhook_url": "https://cms.example.com/hook"},
	}))
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/articles/art-1/publish", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-live", ProjectID: "proj-1", Status: models.ArticlePublished,
	}))
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/articles/art-live/publish", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "article_already_published", body["code"])
}

func TestAutopublishRunEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.InsertProject(ctx, models.Project{ID: "proj-1", AutoPublishPolicy: "manual"}))
	require.NoError(t, st.InsertIntegration(ctx, models.Integration{
		ID: "int-1", ProjectID: "proj-1", Status: models.IntegrationConnected,
		Config: map[string]any{"webhook_url": "https://cms.example.com/hook"},
	}))
	require.NoError(t, st.InsertPlanItem(ctx, models.PlanItem{
		ID: "pi-1", ProjectID: "proj-1", Status: models.PlanItemPlanned,
		PlannedDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, st.InsertArticle(ctx, models.Article{
		ID: "art-1", ProjectID: "proj-1", PlanItemID: "pi-1", Status: models.ArticleDraft,
	}))

	// Manual policy: the run publishes nothing on its own.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/autopublish/run", map[string]any{"project_id": "proj-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["published_articles"])

	// A run-level override forces it through.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/autopublish/run", map[string]any{
		"project_id": "proj-1",
		"mode":       "immediate",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["published_articles"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/autopublish/run", map[string]any{"mode": "whenever"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unknown_mode", body["code"])
}
