package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	readyPrefix   = "jobs:ready:"
	delayedPrefix = "jobs:delayed:"
	// KeyDLQ is the dead-letter list for jobs that exhausted their retries.
	KeyDLQ = "jobs:dlq"
	// KeyFailed counts failed jobs for operator alerting.
	KeyFailed = "jobs:failed"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobName identifies the job kind.
type JobName string

const (
	JobReconcileOne   JobName = "reconcile-one"
	JobAcceptInvite   JobName = "accept-invite"
	JobBatchFanout    JobName = "batch-fanout"
	JobChunkFanout    JobName = "chunk-fanout"
	JobDisconnectUser JobName = "disconnect-user"
)

// AllJobs lists every job name the worker consumes.
var AllJobs = []JobName{JobReconcileOne, JobAcceptInvite, JobBatchFanout, JobChunkFanout, JobDisconnectUser}

// SubscriberPayload is the payload for single-subscriber jobs.
type SubscriberPayload struct {
	SubscriberID int64 `json:"subscriber_id"`
}

// ChunkPayload is the payload for chunk fan-out jobs.
type ChunkPayload struct {
	SubscriberIDs []int64 `json:"subscriber_ids"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Name      JobName         `json:"name"`
	Group     string          `json:"group,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", j.Name, err)
	}
	return nil
}

// promoteScript moves due members of a delayed ZSET onto the ready list. ZREM guards
// against two workers promoting the same job.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, raw in ipairs(due) do
  if redis.call('ZREM', KEYS[1], raw) == 1 then
    redis.call('RPUSH', KEYS[2], raw)
    moved = moved + 1
  end
end
return moved
`)

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, now: time.Now}
}

func readyKey(name JobName) string   { return readyPrefix + string(name) }
func delayedKey(name JobName) string { return delayedPrefix + string(name) }

func (q *Queue) newJob(name JobName, payload any, group string) (*Job, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Name:      name,
		Group:     group,
		Payload:   body,
		CreatedAt: q.now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job: %w", err)
	}
	return job, raw, nil
}

// EnqueueNow makes a job available to workers immediately.
func (q *Queue) EnqueueNow(ctx context.Context, name JobName, payload any) error {
	job, raw, err := q.newJob(name, payload, "")
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, readyKey(name), raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("name", string(name)))
	return nil
}

// EnqueueAfter schedules a job to become available after delay.
func (q *Queue) EnqueueAfter(ctx context.Context, delay time.Duration, name JobName, payload any, group string) error {
	job, raw, err := q.newJob(name, payload, group)
	if err != nil {
		return err
	}
	return q.schedule(ctx, job.ID, name, raw, delay)
}

func (q *Queue) schedule(ctx context.Context, id string, name JobName, raw []byte, delay time.Duration) error {
	runAt := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, delayedKey(name), redis.Z{Score: float64(runAt), Member: raw}).Err(); err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	q.logger.Debug("scheduled job", zap.String("job_id", id), zap.String("name", string(name)), zap.Duration("delay", delay))
	return nil
}

// PromoteDue moves delayed jobs whose run-at has passed onto their ready lists.
func (q *Queue) PromoteDue(ctx context.Context, names ...JobName) (int64, error) {
	var total int64
	cutoff := strconv.FormatInt(q.now().UnixMilli(), 10)
	for _, name := range names {
		moved, err := promoteScript.Run(ctx, q.client, []string{delayedKey(name), readyKey(name)}, cutoff, 100).Int64()
		if err != nil {
			return total, fmt.Errorf("promote %s: %w", name, err)
		}
		total += moved
	}
	return total, nil
}

// Dequeue blocks up to timeout for a job on any of the named lists. Returns nil, nil on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration, names ...JobName) (*Job, error) {
	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, readyKey(name))
	}
	result, err := q.client.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Pending counts queued (ready and delayed) jobs with the given names.
func (q *Queue) Pending(ctx context.Context, names ...JobName) (int64, error) {
	pipe := q.client.Pipeline()
	llens := make([]*redis.IntCmd, 0, len(names))
	zcards := make([]*redis.IntCmd, 0, len(names))
	for _, name := range names {
		llens = append(llens, pipe.LLen(ctx, readyKey(name)))
		zcards = append(zcards, pipe.ZCard(ctx, delayedKey(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("pending: %w", err)
	}
	var total int64
	for i := range names {
		total += llens[i].Val() + zcards[i].Val()
	}
	return total, nil
}

// CancelAll drops every queued job with the given names. Jobs already taken by a worker keep running.
func (q *Queue) CancelAll(ctx context.Context, names ...JobName) error {
	keys := make([]string, 0, 2*len(names))
	for _, name := range names {
		keys = append(keys, readyKey(name), delayedKey(name))
	}
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	q.logger.Info("cancelled queued jobs", zap.Strings("keys", keys))
	return nil
}

// Retry re-schedules a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead
// and counts the failure.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, KeyDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return q.RecordFailure(ctx)
	}
	if err := q.schedule(ctx, job.ID, job.Name, raw, RetryBackoff); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// RecordFailure increments the failed-job counter.
func (q *Queue) RecordFailure(ctx context.Context) error {
	return q.client.Incr(ctx, KeyFailed).Err()
}

// FailedJobs returns the failed-job counter.
func (q *Queue) FailedJobs(ctx context.Context) (int64, error) {
	n, err := q.client.Get(ctx, KeyFailed).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
