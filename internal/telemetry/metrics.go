package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_webhooks_received_total", Help: "Webhook deliveries accepted at the boundary"}, []string{"system"})
	WebhookRejects   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_webhook_rejects_total", Help: "Webhook deliveries rejected (bad signature or payload)"}, []string{"system"})
	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_enqueued_total", Help: "Sync jobs placed on the queue"})
	SkippedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_deliveries_skipped_total", Help: "Deliveries skipped via idempotency claim"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_rate_limit_rejects_total", Help: "Webhook requests rejected by the boundary limiter"})
	SyncSuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_completed_total", Help: "Jobs that converged successfully"})
	SyncRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_retries_total", Help: "Job attempts that failed and were rescheduled"})
	SyncDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_dead_letter_total", Help: "Jobs parked in the dead-letter table"})
	ReversedWrites   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_reversed_writes_total", Help: "Jobs resolved by pushing newer target data back onto the source"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_inflight", Help: "Jobs currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksReceived,
			WebhookRejects,
			EnqueueCounter,
			SkippedCounter,
			RateLimitRejects,
			SyncSuccess,
			SyncRetries,
			SyncDeadLetter,
			ReversedWrites,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
