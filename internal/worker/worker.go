package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/github"
	"github.com/tiersync/backend/internal/reconcile"
	"github.com/tiersync/backend/internal/subscribers"
	"github.com/tiersync/backend/pkg/queue"
)

// Reconciler runs reconcile and disconnect passes.
type Reconciler interface {
	Reconcile(ctx context.Context, subscriberID int64) (*reconcile.Result, error)
	Disconnect(ctx context.Context, subscriberID int64) error
}

// Acceptor accepts pending org invitations.
type Acceptor interface {
	AcceptInvite(ctx context.Context, subscriberID int64) error
}

// Batcher fans out bulk syncs.
type Batcher interface {
	BatchSync(ctx context.Context) (int, error)
	FanOutChunk(ctx context.Context, ids []int64) error
}

// JobQueue is the queue surface the worker consumes.
type JobQueue interface {
	PromoteDue(ctx context.Context, names ...queue.JobName) (int64, error)
	Dequeue(ctx context.Context, timeout time.Duration, names ...queue.JobName) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
	RecordFailure(ctx context.Context) error
}

// Recorder receives job metrics.
type Recorder interface {
	RecordJob(job, outcome string, duration time.Duration)
	RecordJobFailure()
}

// Processor dispatches queued jobs to their handlers.
type Processor struct {
	reconciler Reconciler
	acceptor   Acceptor
	batcher    Batcher
	queue      JobQueue
	recorder   Recorder
	poll       time.Duration
	logger     *zap.Logger
}

// NewProcessor creates a job processor.
func NewProcessor(r Reconciler, a Acceptor, b Batcher, q JobQueue, poll time.Duration, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Processor{reconciler: r, acceptor: a, batcher: b, queue: q, poll: poll, logger: logger}
}

// SetRecorder attaches job metrics.
func (p *Processor) SetRecorder(r Recorder) { p.recorder = r }

// Process executes one job. Errors are retryable unless the job can never succeed as is.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Name {
	case queue.JobReconcileOne:
		var payload queue.SubscriberPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		_, err := p.reconciler.Reconcile(ctx, payload.SubscriberID)
		return err
	case queue.JobAcceptInvite:
		var payload queue.SubscriberPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		return p.acceptor.AcceptInvite(ctx, payload.SubscriberID)
	case queue.JobDisconnectUser:
		var payload queue.SubscriberPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		return p.reconciler.Disconnect(ctx, payload.SubscriberID)
	case queue.JobBatchFanout:
		_, err := p.batcher.BatchSync(ctx)
		return err
	case queue.JobChunkFanout:
		var payload queue.ChunkPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		return p.batcher.FanOutChunk(ctx, payload.SubscriberIDs)
	}
	return fmt.Errorf("unknown job: %s", job.Name)
}

// terminal reports errors that retrying cannot fix.
func terminal(err error) bool {
	return errors.Is(err, github.ErrNotConfigured)
}

// Handle processes one job and applies the retry policy.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) {
	start := time.Now()
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("job", string(job.Name)), zap.Int("attempt", job.Attempt))
	log.Debug("processing job")

	err := p.Process(ctx, job)
	switch {
	case err == nil:
		p.recordJob(job, "ok", start)
	case errors.Is(err, reconcile.ErrNotLinked), errors.Is(err, subscribers.ErrNotFound):
		log.Info("subscriber not linked, job dropped")
		p.recordJob(job, "skipped", start)
	case terminal(err):
		log.Error("job cannot succeed until configured", zap.Error(err))
		p.fail(ctx, job, start)
	default:
		log.Error("job failed", zap.Error(err))
		if reErr := p.queue.Retry(ctx, job); reErr != nil {
			log.Error("retry enqueue failed", zap.Error(reErr))
		}
		if job.Attempt >= queue.MaxRetries {
			p.recordJob(job, "dead", start)
			p.recordFailure()
			return
		}
		p.recordJob(job, "retried", start)
	}
}

func (p *Processor) fail(ctx context.Context, job *queue.Job, start time.Time) {
	if err := p.queue.RecordFailure(ctx); err != nil {
		p.logger.Warn("record job failure", zap.Error(err))
	}
	p.recordJob(job, "failed", start)
	p.recordFailure()
}

func (p *Processor) recordJob(job *queue.Job, outcome string, start time.Time) {
	if p.recorder != nil {
		p.recorder.RecordJob(string(job.Name), outcome, time.Since(start))
	}
}

func (p *Processor) recordFailure() {
	if p.recorder != nil {
		p.recorder.RecordJobFailure()
	}
}

// Run starts the worker loop: promote due jobs, dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("sync worker started", zap.Duration("poll", p.poll))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("sync worker stopping")
			return
		default:
		}

		if _, err := p.queue.PromoteDue(ctx, queue.AllJobs...); err != nil && ctx.Err() == nil {
			p.logger.Warn("promote delayed jobs failed", zap.Error(err))
		}
		job, err := p.queue.Dequeue(ctx, p.poll, queue.AllJobs...)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.poll)
			continue
		}
		if job == nil {
			continue
		}
		p.Handle(ctx, job)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
