// Package batch fans a reconciliation out over every linked subscriber in fixed-size chunks.
package batch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tiersync/backend/pkg/queue"
)

// DefaultChunkSize is the number of subscribers per chunk job.
const DefaultChunkSize = 50

// cancellable are the job names a cancel drops. Accept retries are left to finish their cycle.
var cancellable = []queue.JobName{queue.JobBatchFanout, queue.JobChunkFanout, queue.JobReconcileOne}

// Store lists subscribers eligible for sync and releases follow-up guards on cancel.
type Store interface {
	ListLinkedIDs(ctx context.Context) ([]int64, error)
	ClearAllFollowups(ctx context.Context) (int64, error)
}

// Queue is the job queue surface the coordinator uses.
type Queue interface {
	EnqueueNow(ctx context.Context, name queue.JobName, payload any) error
	Pending(ctx context.Context, names ...queue.JobName) (int64, error)
	CancelAll(ctx context.Context, names ...queue.JobName) error
}

// Status reports queued bulk work.
type Status struct {
	InProgress bool  `json:"in_progress"`
	Pending    int64 `json:"pending"`
}

// Coordinator schedules bulk syncs.
type Coordinator struct {
	store     Store
	queue     Queue
	chunkSize int
	logger    *zap.Logger
}

// NewCoordinator creates a batch coordinator. A non-positive chunkSize uses DefaultChunkSize.
func NewCoordinator(store Store, q Queue, chunkSize int, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Coordinator{store: store, queue: q, chunkSize: chunkSize, logger: logger}
}

// Trigger queues a batch-fanout job so the caller returns immediately.
func (c *Coordinator) Trigger(ctx context.Context) error {
	return c.queue.EnqueueNow(ctx, queue.JobBatchFanout, struct{}{})
}

// BatchSync splits linked subscribers into chunks and queues one chunk-fanout job per chunk.
// Returns the number of chunks queued.
func (c *Coordinator) BatchSync(ctx context.Context) (int, error) {
	ids, err := c.store.ListLinkedIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list linked subscribers: %w", err)
	}
	chunks := 0
	for start := 0; start < len(ids); start += c.chunkSize {
		end := min(start+c.chunkSize, len(ids))
		payload := queue.ChunkPayload{SubscriberIDs: ids[start:end]}
		if err := c.queue.EnqueueNow(ctx, queue.JobChunkFanout, payload); err != nil {
			return chunks, fmt.Errorf("enqueue chunk %d: %w", chunks, err)
		}
		chunks++
	}
	c.logger.Info("bulk sync scheduled", zap.Int("subscribers", len(ids)), zap.Int("chunks", chunks))
	return chunks, nil
}

// FanOutChunk queues one independent reconcile job per subscriber.
func (c *Coordinator) FanOutChunk(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if err := c.queue.EnqueueNow(ctx, queue.JobReconcileOne, queue.SubscriberPayload{SubscriberID: id}); err != nil {
			return fmt.Errorf("enqueue reconcile for %d: %w", id, err)
		}
	}
	c.logger.Debug("chunk fanned out", zap.Int("subscribers", len(ids)))
	return nil
}

// CancelAll drops queued bulk and reconcile jobs. Jobs already running finish. Dropping
// reconcile-one also drops delayed follow-ups, so their guards are released to let the next
// pass that needs one schedule it again.
func (c *Coordinator) CancelAll(ctx context.Context) error {
	if err := c.queue.CancelAll(ctx, cancellable...); err != nil {
		return fmt.Errorf("cancel bulk sync: %w", err)
	}
	released, err := c.store.ClearAllFollowups(ctx)
	if err != nil {
		return fmt.Errorf("release followup guards: %w", err)
	}
	c.logger.Info("bulk sync cancelled", zap.Int64("followups_released", released))
	return nil
}

// InProgress reports whether chunk or reconcile jobs are still queued.
func (c *Coordinator) InProgress(ctx context.Context) (bool, error) {
	st, err := c.Status(ctx)
	return st.InProgress, err
}

// Status counts queued bulk work.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	n, err := c.queue.Pending(ctx, queue.JobBatchFanout, queue.JobChunkFanout, queue.JobReconcileOne)
	if err != nil {
		return Status{}, fmt.Errorf("pending jobs: %w", err)
	}
	return Status{InProgress: n > 0, Pending: n}, nil
}
