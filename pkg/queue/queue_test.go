package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, nil), mr
}

func TestEnqueueNowAndDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueNow(ctx, JobReconcileOne, SubscriberPayload{SubscriberID: 42}))

	job, err := q.Dequeue(ctx, time.Second, AllJobs...)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobReconcileOne, job.Name)
	assert.NotEmpty(t, job.ID)

	var p SubscriberPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, int64(42), p.SubscriberID)
}

func TestEnqueueAfterIsPromotedWhenDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	require.NoError(t, q.EnqueueAfter(ctx, time.Minute, JobReconcileOne, SubscriberPayload{SubscriberID: 7}, "followup"))

	moved, err := q.PromoteDue(ctx, JobReconcileOne)
	require.NoError(t, err)
	assert.Zero(t, moved, "job must stay delayed before its run-at")

	n, err := q.Pending(ctx, JobReconcileOne)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	q.now = func() time.Time { return base.Add(61 * time.Second) }
	moved, err = q.PromoteDue(ctx, JobReconcileOne)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	job, err := q.Dequeue(ctx, time.Second, JobReconcileOne)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "followup", job.Group)
}

func TestPendingAndCancelAll(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueNow(ctx, JobChunkFanout, ChunkPayload{SubscriberIDs: []int64{1, 2}}))
	require.NoError(t, q.EnqueueNow(ctx, JobReconcileOne, SubscriberPayload{SubscriberID: 1}))
	require.NoError(t, q.EnqueueAfter(ctx, time.Hour, JobReconcileOne, SubscriberPayload{SubscriberID: 2}, ""))
	require.NoError(t, q.EnqueueNow(ctx, JobAcceptInvite, SubscriberPayload{SubscriberID: 3}))

	n, err := q.Pending(ctx, JobChunkFanout, JobReconcileOne)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, q.CancelAll(ctx, JobChunkFanout, JobReconcileOne))

	n, err = q.Pending(ctx, JobChunkFanout, JobReconcileOne)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.Pending(ctx, JobAcceptInvite)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "other job names are untouched")
}

func TestRetryMovesToDLQAfterMaxRetries(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	job := &Job{ID: "job-1", Name: JobReconcileOne, Payload: []byte(`{"subscriber_id":1}`)}
	for i := 1; i < MaxRetries; i++ {
		require.NoError(t, q.Retry(ctx, job))
		assert.Equal(t, i, job.Attempt)
	}
	n, err := q.Pending(ctx, JobReconcileOne)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxRetries-1), n)

	failed, err := q.FailedJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, failed)

	require.NoError(t, q.Retry(ctx, job))
	dlq, err := mr.List(KeyDLQ)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)

	failed, err = q.FailedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}
