package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Jobs persisted and handed to the queue"})
	ReusedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_reused_total", Help: "Enqueue guard hits that returned an existing active job"})
	OrphanedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_orphaned_total", Help: "Jobs persisted whose queue publish failed"})
	WorkerSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_succeeded_total", Help: "Jobs completed successfully"})
	WorkerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Job attempts that failed"})
	WorkerRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_retried_total", Help: "Failed attempts rescheduled with backoff"})
	ReleaseCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_released_total", Help: "Messages released back to the queue under concurrency back-pressure"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Enqueue requests rejected by the per-tenant rate limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready queue depth across priorities"})
	RunningGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_running", Help: "Jobs currently executing"})
	OrphanQueuedGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_queued_stale", Help: "Queued jobs older than the orphan age with no delivery observed"})

	AutopublishDrafts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_autopublish_drafts_total", Help: "Generate jobs enqueued by the autopublish scheduler"})
	AutopublishPublish = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_autopublish_publish_total", Help: "Publish jobs enqueued by the autopublish scheduler"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			ReusedCounter,
			OrphanedCounter,
			WorkerSuccess,
			WorkerFailures,
			WorkerRetries,
			ReleaseCounter,
			RateLimitRejects,
			QueueDepthGauge,
			RunningGauge,
			OrphanQueuedGauge,
			AutopublishDrafts,
			AutopublishPublish,
		)
	})
	return promhttp.Handler()
}
