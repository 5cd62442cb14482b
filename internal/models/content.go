package models

import (
	"time"
)

// PlanItemStatus enumerates plan item states.
type PlanItemStatus string

const (
	PlanItemPlanned  PlanItemStatus = "planned"
	PlanItemSkipped  PlanItemStatus = "skipped"
	PlanItemConsumed PlanItemStatus = "consumed"
)

// PlanItem is one scheduled keyword/topic slot in a project's content plan.
type PlanItem struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	KeywordID   string         `json:"keyword_id"`
	PlannedDate time.Time      `json:"planned_date"`
	Title       string         `json:"title"`
	Outline     string         `json:"outline,omitempty"`
	Status      PlanItemStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Due reports whether the item is still planned and its date has arrived,
// comparing calendar days in UTC.
func (p PlanItem) Due(today time.Time) bool {
	return p.Status == PlanItemPlanned && !DateOnly(p.PlannedDate).After(DateOnly(today))
}

// ArticleStatus enumerates article states.
type ArticleStatus string

const (
	ArticleDraft     ArticleStatus = "draft"
	ArticlePublished ArticleStatus = "published"
	ArticleFailed    ArticleStatus = "failed"
)

// Article is a generated content piece, optionally tied to the plan item
// that produced it. An article's existence for a plan item is the signal
// that generation already ran.
type Article struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	PlanItemID  string        `json:"plan_item_id,omitempty"`
	Status      ArticleStatus `json:"status"`
	Title       string        `json:"title"`
	Body        string        `json:"body,omitempty"`
	Slug        string        `json:"slug,omitempty"`
	CoverImage  string        `json:"cover_image,omitempty"`
	PublishedAt *time.Time    `json:"published_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// IntegrationStatus enumerates CMS integration connection states.
type IntegrationStatus string

const (
	IntegrationConnected IntegrationStatus = "connected"
	IntegrationError     IntegrationStatus = "error"
	IntegrationPaused    IntegrationStatus = "paused"
)

// Integration is a publish target (CMS connection) for a project. Only
// connected integrations are eligible targets.
type Integration struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Type      string            `json:"type"`
	Status    IntegrationStatus `json:"status"`
	Config    map[string]any    `json:"config,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// WebhookURL returns the configured publish endpoint, if any.
func (i Integration) WebhookURL() string {
	if v, ok := i.Config["webhook_url"].(string); ok {
		return v
	}
	return ""
}

// Project carries the per-project policy fields this subsystem reads.
type Project struct {
	ID                string `json:"id"`
	OrgID             string `json:"org_id"`
	Name              string `json:"name"`
	AutoPublishPolicy string `json:"auto_publish_policy,omitempty"`
	BufferDays        *int   `json:"buffer_days,omitempty"`
}

// Org carries the entitlement defaults that back policy resolution.
type Org struct {
	ID                            string `json:"id"`
	EntitlementAutoPublishPolicy  string `json:"entitlement_auto_publish_policy,omitempty"`
	EntitlementBufferDays         *int   `json:"entitlement_buffer_days,omitempty"`
}

// DateOnly truncates a timestamp to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
