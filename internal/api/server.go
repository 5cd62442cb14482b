// Package api exposes the producer HTTP surface: job submission and
// inspection, guarded pipeline triggers, and manual autopublish runs.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"content-pipeline-engine/internal/config"
	"content-pipeline-engine/internal/jobs"
	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/policy"
	"content-pipeline-engine/internal/ratelimit"
	"content-pipeline-engine/internal/scheduler"
	"content-pipeline-engine/internal/telemetry"
)

// Server wires the HTTP handlers over the coordinator, guards, and scheduler.
type Server struct {
	cfg       config.Config
	coord     *jobs.Coordinator
	guards    *jobs.Guards
	scheduler *scheduler.Scheduler
	limiter   *ratelimit.TokenBucket
	log       *zap.SugaredLogger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, coord *jobs.Coordinator, guards *jobs.Guards, sched *scheduler.Scheduler, limiter *ratelimit.TokenBucket, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:       cfg,
		coord:     coord,
		guards:    guards,
		scheduler: sched,
		limiter:   limiter,
		log:       log.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/projects/{projectID}/jobs", s.handleListProjectJobs)
	r.Post("/plan-items/{id}/generate", s.handleGenerate)
	r.Post("/articles/{id}/publish", s.handlePublish)
	r.Post("/autopublish/run", s.handleAutopublishRun)
	return r
}

type enqueueRequest struct {
	ProjectID    string         `json:"project_id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Priority     string         `json:"priority"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int            `json:"delay_seconds"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type_required", "type is required")
		return
	}
	if !models.IsValidType(models.JobType(req.Type)) {
		writeError(w, http.StatusBadRequest, "unknown_type", "unknown job type "+req.Type)
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_required", "project_id is required")
		return
	}
	if !s.allow(w, r) {
		return
	}

	var runAt time.Time
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, err := s.coord.Enqueue(r.Context(), jobs.EnqueueParams{
		ProjectID: req.ProjectID,
		Type:      models.JobType(req.Type),
		Payload:   req.Payload,
		Priority:  req.Priority,
		RunAt:     runAt,
	})
	if err != nil {
		s.log.Errorw("enqueue failed", "project_id", req.ProjectID, "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue_failed", "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.coord.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job_not_found", "job "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListProjectJobs(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	jobType := models.JobType(r.URL.Query().Get("type"))
	if jobType != "" && !models.IsValidType(jobType) {
		writeError(w, http.StatusBadRequest, "unknown_type", "unknown job type "+string(jobType))
		return
	}
	list, err := s.coord.ListProjectJobs(r.Context(), projectID, jobType)
	if err != nil {
		s.log.Errorw("list jobs failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	res, err := s.guards.EnqueueGenerate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeGuardError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	res, err := s.guards.EnqueuePublish(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeGuardError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type autopublishRequest struct {
	ProjectID  string  `json:"project_id"`
	Mode       *string `json:"mode"`
	BufferDays *int    `json:"buffer_days"`
}

func (s *Server) handleAutopublishRun(w http.ResponseWriter, r *http.Request) {
	var req autopublishRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
			return
		}
	}
	var override *policy.Override
	if req.Mode != nil || req.BufferDays != nil {
		override = &policy.Override{BufferDays: req.BufferDays}
		if req.Mode != nil {
			mode := policy.Mode(*req.Mode)
			if !mode.Valid() {
				writeError(w, http.StatusBadRequest, "unknown_mode", "unknown autopublish mode "+*req.Mode)
				return
			}
			override.Mode = &mode
		}
	}

	summary, err := s.scheduler.Run(r.Context(), scheduler.RunOptions{
		ProjectID: req.ProjectID,
		Policy:    override,
	})
	if err != nil {
		s.log.Errorw("autopublish run failed", "project_id", req.ProjectID, "error", err)
		writeError(w, http.StatusInternalServerError, "autopublish_failed", "autopublish run failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// allow consumes a rate-limit token for the request's tenant. It writes the
// 429 itself and returns false when the tenant is over budget.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	tenant := tenantFromRequest(r)
	allowed, _, err := s.limiter.Allow(r.Context(), tenant)
	if err != nil {
		s.log.Errorw("rate limit check failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "rate_limit_error", "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limited")
		return false
	}
	return true
}

// writeGuardError maps guard precondition failures onto stable HTTP statuses.
// Anything that is not a validation failure is an internal error.
func (s *Server) writeGuardError(w http.ResponseWriter, err error) {
	code := jobs.ValidationCode(err)
	switch code {
	case jobs.CodePlanItemNotFound, jobs.CodeArticleNotFound:
		writeError(w, http.StatusNotFound, code, err.Error())
	case jobs.CodePlanItemSkipped, jobs.CodeArticleAlreadyExists, jobs.CodeArticleAlreadyPublished:
		writeError(w, http.StatusConflict, code, err.Error())
	case jobs.CodeIntegrationNotConnected:
		writeError(w, http.StatusUnprocessableEntity, code, err.Error())
	default:
		s.log.Errorw("guard enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "enqueue failed")
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}
