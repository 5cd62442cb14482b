package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the job store.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Active reports whether a job in this status still occupies its target
// for idempotency purposes.
func (s JobStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// JobType enumerates the pipeline stages a job can execute.
type JobType string

const (
	TypeCrawl       JobType = "crawl"
	TypeDiscovery   JobType = "discovery"
	TypePlan        JobType = "plan"
	TypeGenerate    JobType = "generate"
	TypePublish     JobType = "publish"
	TypeLinking     JobType = "linking"
	TypeReoptimize  JobType = "reoptimize"
	TypeScore       JobType = "score"
	TypeMetrics     JobType = "metrics"
	TypeSerp        JobType = "serp"
	TypeCompetitors JobType = "competitors"
	TypeEnrich      JobType = "enrich"
	TypeFeedback    JobType = "feedback"
	TypeAssets      JobType = "assets"
)

// IsValidType reports whether t names a known pipeline stage.
func IsValidType(t JobType) bool {
	switch t {
	case TypeCrawl, TypeDiscovery, TypePlan, TypeGenerate, TypePublish,
		TypeLinking, TypeReoptimize, TypeScore, TypeMetrics, TypeSerp,
		TypeCompetitors, TypeEnrich, TypeFeedback, TypeAssets:
		return true
	default:
		return false
	}
}

// LogLevel classifies job log entries.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLogEntry is one append-only line in a job's execution log.
type JobLogEntry struct {
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// Job represents one unit of asynchronous pipeline work scoped to a project.
// The store row is the single source of truth for job state; the queue is a
// delivery mechanism only.
type Job struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Type        JobType        `json:"type"`
	Payload     map[string]any `json:"payload"`
	TargetID    string         `json:"target_id,omitempty"`
	Status      JobStatus      `json:"status"`
	Retries     int            `json:"retries"`
	ProgressPct int            `json:"progress_pct"`
	Priority    string         `json:"priority,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Logs        []JobLogEntry  `json:"logs,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ProjectIDFromPayload extracts the project id carried inside a payload by
// convention, so the worker can route without per-type schema knowledge.
func ProjectIDFromPayload(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload["project_id"].(string); ok {
		return v
	}
	return ""
}
