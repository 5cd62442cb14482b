package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"content-pipeline-engine/internal/config"
	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/store"
)

// PublishHandler pushes a draft article to the project's connected CMS
// integration and marks it published on success.
type PublishHandler struct {
	store  store.Store
	client *resty.Client
	log    *zap.SugaredLogger
}

// NewPublishHandler builds the handler with the configured request timeout.
func NewPublishHandler(cfg config.Config, st store.Store, log *zap.SugaredLogger) *PublishHandler {
	client := resty.New().
		SetTimeout(cfg.PublishTimeout).
		SetHeader("Content-Type", "application/json")
	return &PublishHandler{store: st, client: client, log: log.Named("publish")}
}

type publishRequest struct {
	ArticleID string `json:"article_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Slug      string `json:"slug"`
}

// Handle publishes a single article. Re-delivery of an already-published
// article is a no-op so duplicate messages do not double-post.
func (h *PublishHandler) Handle(ctx context.Context, job models.Job) error {
	articleID, _ := job.Payload["article_id"].(string)
	if articleID == "" {
		return errors.New("article_id is required")
	}

	article, err := h.store.GetArticle(ctx, articleID)
	if err != nil {
		return errors.Wrapf(err, "load article %s", articleID)
	}
	if article.Status == models.ArticlePublished {
		h.log.Infow("article already published, skipping", "article_id", articleID)
		return nil
	}

	integ, found, err := h.store.FindConnectedIntegration(ctx, article.ProjectID)
	if err != nil {
		return errors.Wrap(err, "resolve integration")
	}
	if !found {
		return errors.Newf("project %s has no connected integration", article.ProjectID)
	}
	webhook := integ.WebhookURL()
	if webhook == "" {
		return errors.Newf("integration %s has no webhook_url configured", integ.ID)
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(publishRequest{
			ArticleID: article.ID,
			Title:     article.Title,
			Body:      article.Body,
			Slug:      article.Slug,
		}).
		Post(webhook)
	if err != nil {
		return errors.Wrapf(err, "post article %s to integration %s", articleID, integ.ID)
	}
	if resp.IsError() {
		return errors.Newf("integration %s rejected article %s: status %d", integ.ID, articleID, resp.StatusCode())
	}

	now := time.Now().UTC()
	if err := h.store.SetArticleStatus(ctx, articleID, models.ArticlePublished, &now); err != nil {
		return errors.Wrapf(err, "mark article %s published", articleID)
	}
	h.log.Infow("article published", "article_id", articleID, "integration_id", integ.ID)
	return nil
}
