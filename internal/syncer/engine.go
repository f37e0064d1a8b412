// Package syncer is the sync worker: a bounded pool pulling jobs off the
// durable queue, resolving conflicts by recency, and converging state with
// exponential backoff and dead-letter escalation.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"record-sync-engine/internal/config"
	"record-sync-engine/internal/extclient"
	"record-sync-engine/internal/models"
	"record-sync-engine/internal/queue"
	"record-sync-engine/internal/telemetry"
)

// lockRetryDelay reschedules a job whose triple is locked by another worker.
const lockRetryDelay = 500 * time.Millisecond

// StateStore is the persistence surface the engine mutates.
type StateStore interface {
	MarkSyncing(ctx context.Context, t models.Triple, operationID string) error
	MarkSynced(ctx context.Context, t models.Triple, targetRecordID string) error
	SetTargetRecordID(ctx context.Context, t models.Triple, targetRecordID string) error
	RecordFailure(ctx context.Context, t models.Triple, message string, maxRetries int) (string, int, error)
	MarkFailed(ctx context.Context, t models.Triple, message string) error
	InsertDeadLetter(ctx context.Context, rec models.DeadLetterRecord) error
	LoadFieldMappings(ctx context.Context) ([]models.FieldMapping, error)
}

// JobQueue is the durable queue surface the engine consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (queue.Delivery, bool, error)
	Ack(ctx context.Context, d queue.Delivery) error
	Schedule(ctx context.Context, job models.SyncJob, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	DLQPush(ctx context.Context, d queue.Delivery) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Locker serializes workers on one sync relationship.
type Locker interface {
	Acquire(ctx context.Context, t models.Triple, token string) (bool, error)
	Release(ctx context.Context, t models.Triple, token string) error
}

// Engine owns the worker pool. It is constructed once at process start and
// shut down by cancelling the context passed to Run; tests construct
// isolated instances.
type Engine struct {
	cfg     config.Config
	queue   JobQueue
	store   StateStore
	lock    Locker
	clients map[models.System]extclient.Client
	log     *slog.Logger
}

// NewEngine wires the engine from its collaborators.
func NewEngine(cfg config.Config, q JobQueue, st StateStore, lock Locker, clientA, clientB extclient.Client, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		queue: q,
		store: st,
		lock:  lock,
		clients: map[models.System]extclient.Client{
			models.SystemA: clientA,
			models.SystemB: clientB,
		},
		log: log,
	}
}

// Run starts the housekeeping loop and the worker pool, blocking until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	concurrency := e.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	e.log.Info("sync engine starting", "concurrency", concurrency)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.housekeeping(ctx)
	}()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	e.log.Info("sync engine stopped")
	return ctx.Err()
}

// housekeeping promotes due retries and reclaims expired leases.
func (e *Engine) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := e.queue.PromoteScheduled(ctx, time.Now(), int64(e.cfg.ScheduledBatchSize)); err != nil {
			e.log.Warn("promote scheduled", "err", err)
		}
		if n, err := e.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			e.log.Warn("requeue expired", "err", err)
		} else if n > 0 {
			e.log.Info("reclaimed expired leases", "count", n)
		}
		if depth, err := e.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (e *Engine) workerLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, ok, err := e.queue.Dequeue(ctx)
		if err != nil {
			e.log.Warn("dequeue", "worker", worker, "err", err)
			e.sleep(ctx)
			continue
		}
		if !ok {
			e.sleep(ctx)
			continue
		}
		e.handle(ctx, d)
	}
}

// handle runs one delivered job through the resolver, routing failures to
// retry or dead-letter. It never lets an error escape.
func (e *Engine) handle(ctx context.Context, d queue.Delivery) {
	job := d.Job
	triple := job.Triple()
	log := e.log.With("operation_id", job.OperationID, "triple", triple.String(), "attempt", job.Attempt)

	token := uuid.NewString()
	locked, err := e.lock.Acquire(ctx, triple, token)
	if err != nil {
		log.Warn("lock acquire", "err", err)
	}
	if !locked {
		// Another worker holds the triple; come back shortly without
		// consuming a retry attempt.
		_ = e.queue.Ack(ctx, d)
		_ = e.queue.Schedule(ctx, job, time.Now().Add(lockRetryDelay))
		return
	}
	defer func() {
		if rerr := e.lock.Release(ctx, triple, token); rerr != nil {
			log.Warn("lock release", "err", rerr)
		}
	}()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := e.store.MarkSyncing(ctx, triple, job.OperationID); err != nil {
		log.Warn("mark syncing", "err", err)
	}

	targetID, perr := e.process(ctx, job)
	if perr == nil {
		_ = e.queue.Ack(ctx, d)
		if err := e.store.MarkSynced(ctx, triple, targetID); err != nil {
			log.Warn("mark synced", "err", err)
		}
		telemetry.SyncSuccess.Inc()
		log.Info("synced", "target_record_id", targetID)
		return
	}

	if extclient.IsConfigError(perr) {
		// Retrying cannot fix missing configuration; park immediately.
		_ = e.queue.Ack(ctx, d)
		if err := e.store.MarkFailed(ctx, triple, perr.Error()); err != nil {
			log.Warn("mark failed", "err", err)
		}
		e.deadLetter(ctx, d, perr.Error())
		log.Error("configuration error, dead-lettered", "err", perr)
		return
	}

	attempt := job.Attempt + 1
	status, retries, serr := e.store.RecordFailure(ctx, triple, perr.Error(), e.cfg.MaxRetries)
	if serr != nil {
		log.Warn("record failure", "err", serr)
	}

	if attempt >= e.cfg.MaxRetries || status == models.StatusFailed {
		_ = e.queue.Ack(ctx, d)
		if status != models.StatusFailed {
			if err := e.store.MarkFailed(ctx, triple, "retry budget exhausted: "+perr.Error()); err != nil {
				log.Warn("mark failed", "err", err)
			}
		}
		e.deadLetter(ctx, d, perr.Error())
		log.Error("retries exhausted, dead-lettered", "err", perr, "retries", retries)
		return
	}

	job.Attempt = attempt
	delay := RetryDelay(attempt, e.cfg.BackoffInitial, e.cfg.BackoffMax)
	_ = e.queue.Ack(ctx, d)
	if err := e.queue.Schedule(ctx, job, time.Now().Add(delay)); err != nil {
		log.Error("schedule retry", "err", err)
	}
	telemetry.SyncRetries.Inc()
	log.Warn("attempt failed, retry scheduled", "err", perr, "delay", delay)
}

func (e *Engine) deadLetter(ctx context.Context, d queue.Delivery, reason string) {
	if err := e.queue.DLQPush(ctx, d); err != nil {
		e.log.Warn("dlq push", "operation_id", d.Job.OperationID, "err", err)
	}
	rec := models.DeadLetterRecord{
		OperationID:  d.Job.OperationID,
		EntityID:     d.Job.EntityID,
		SourceSystem: d.Job.SourceSystem,
		TargetSystem: d.Job.TargetSystem,
		Reason:       reason,
		Payload:      d.Job,
	}
	if err := e.store.InsertDeadLetter(ctx, rec); err != nil {
		e.log.Warn("insert dead letter", "operation_id", d.Job.OperationID, "err", err)
	}
	telemetry.SyncDeadLetter.Inc()
}

func (e *Engine) pollInterval() time.Duration {
	if e.cfg.WorkerPollInterval > 0 {
		return e.cfg.WorkerPollInterval
	}
	return time.Second
}

func (e *Engine) sleep(ctx context.Context) {
	timer := time.NewTimer(e.pollInterval())
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
