package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"record-sync-engine/internal/config"
	"record-sync-engine/internal/models"
)

// RedisQueue is the durable sync-job queue: one named stream of jobs plus a
// companion dead-letter stream. Jobs are carried whole (serialized payload)
// through a ready list, a scheduled set for deferred retries, and an
// in-flight set with a visibility lease so a crashed worker's job is
// reclaimed instead of lost.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient builds a queue around an existing Redis client,
// so tests and callers sharing a connection can construct isolated queues.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "sync"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		dlqKey:        dlq,
		visibilityTTL: visibility,
	}
}

// Delivery is a dequeued job plus the raw member needed to ack it.
type Delivery struct {
	Job models.SyncJob
	Raw string
}

// Enqueue places a job on the ready stream for immediate pickup.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.SyncJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.OperationID, err)
	}
	if err := q.client.RPush(ctx, q.readyKey, raw).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.OperationID, err)
	}
	return nil
}

// Schedule defers a job until runAt, used for backoff retries.
func (q *RedisQueue) Schedule(ctx context.Context, job models.SyncJob, runAt time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.OperationID, err)
	}
	err = q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.OperationID, err)
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs onto the ready stream. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.scheduledKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// Dequeue pops a job from the ready stream into the in-flight set with a
// visibility lease. A zero-value Delivery with ok=false means empty queue.
func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	raw, ok := res.(string)
	if !ok {
		return Delivery{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	var job models.SyncJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Malformed member: drop from inflight so it doesn't cycle forever.
		_ = q.client.ZRem(ctx, q.inflightKey, raw).Err()
		return Delivery{}, false, fmt.Errorf("unmarshal queued job: %w", err)
	}
	return Delivery{Job: job, Raw: raw}, true, nil
}

// Ack removes a delivered job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.client.ZRem(ctx, q.inflightKey, d.Raw).Err()
}

// RequeueExpired reclaims leases that timed out, pushing the jobs back onto
// the ready stream. It returns how many were reclaimed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.inflightKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// DLQPush appends an exhausted job to the dead-letter stream.
func (q *RedisQueue) DLQPush(ctx context.Context, d Delivery) error {
	return q.client.RPush(ctx, q.dlqKey, d.Raw).Err()
}

// DLQPeek reads the oldest dead-lettered jobs without removing them.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]models.SyncJob, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]models.SyncJob, 0, len(raws))
	for _, raw := range raws {
		var job models.SyncJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ReadyDepth returns the length of the ready stream.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
