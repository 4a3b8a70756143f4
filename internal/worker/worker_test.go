package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiersync/backend/internal/github"
	"github.com/tiersync/backend/internal/reconcile"
	"github.com/tiersync/backend/pkg/queue"
)

type fakeHandlers struct {
	mu           sync.Mutex
	reconciled   []int64
	disconnected []int64
	accepted     []int64
	chunks       [][]int64
	batches      int
	err          error
	done         chan struct{}
}

func (f *fakeHandlers) called() {
	if f.done != nil {
		f.done <- struct{}{}
	}
}

func (f *fakeHandlers) Reconcile(_ context.Context, id int64) (*reconcile.Result, error) {
	f.mu.Lock()
	f.reconciled = append(f.reconciled, id)
	f.mu.Unlock()
	f.called()
	return &reconcile.Result{SubscriberID: id}, f.err
}

func (f *fakeHandlers) Disconnect(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, id)
	return f.err
}

func (f *fakeHandlers) AcceptInvite(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, id)
	return f.err
}

func (f *fakeHandlers) BatchSync(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	return 0, f.err
}

func (f *fakeHandlers) FanOutChunk(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, ids)
	return f.err
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	failures int
}

func (r *fakeRecorder) RecordJob(job, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, job+":"+outcome)
}

func (r *fakeRecorder) RecordJobFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func newTestProcessor(t *testing.T, h *fakeHandlers) (*Processor, *queue.Queue, *fakeRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.NewQueue(rdb, nil)
	p := NewProcessor(h, h, h, q, time.Second, nil)
	rec := &fakeRecorder{}
	p.SetRecorder(rec)
	return p, q, rec
}

func mustJob(t *testing.T, name queue.JobName, payload string) *queue.Job {
	t.Helper()
	return &queue.Job{ID: "job-" + string(name), Name: name, Payload: []byte(payload)}
}

func TestProcessDispatchesByName(t *testing.T) {
	h := &fakeHandlers{}
	p, _, _ := newTestProcessor(t, h)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, mustJob(t, queue.JobReconcileOne, `{"subscriber_id":1}`)))
	require.NoError(t, p.Process(ctx, mustJob(t, queue.JobAcceptInvite, `{"subscriber_id":2}`)))
	require.NoError(t, p.Process(ctx, mustJob(t, queue.JobDisconnectUser, `{"subscriber_id":3}`)))
	require.NoError(t, p.Process(ctx, mustJob(t, queue.JobBatchFanout, `{}`)))
	require.NoError(t, p.Process(ctx, mustJob(t, queue.JobChunkFanout, `{"subscriber_ids":[4,5]}`)))

	assert.Equal(t, []int64{1}, h.reconciled)
	assert.Equal(t, []int64{2}, h.accepted)
	assert.Equal(t, []int64{3}, h.disconnected)
	assert.Equal(t, 1, h.batches)
	assert.Equal(t, [][]int64{{4, 5}}, h.chunks)

	assert.Error(t, p.Process(ctx, mustJob(t, "bogus", `{}`)))
	assert.Error(t, p.Process(ctx, mustJob(t, queue.JobReconcileOne, `not json`)))
}

func TestHandleNotLinkedIsDropped(t *testing.T) {
	h := &fakeHandlers{err: reconcile.ErrNotLinked}
	p, q, rec := newTestProcessor(t, h)
	ctx := context.Background()

	p.Handle(ctx, mustJob(t, queue.JobReconcileOne, `{"subscriber_id":1}`))

	n, err := q.Pending(ctx, queue.AllJobs...)
	require.NoError(t, err)
	assert.Zero(t, n, "no retry")
	assert.Equal(t, []string{"reconcile-one:skipped"}, rec.outcomes)
}

func TestHandleErrorRetriesThenDeadLetters(t *testing.T) {
	h := &fakeHandlers{err: errors.New("boom")}
	p, q, rec := newTestProcessor(t, h)
	ctx := context.Background()
	job := mustJob(t, queue.JobReconcileOne, `{"subscriber_id":1}`)

	p.Handle(ctx, job)
	n, err := q.Pending(ctx, queue.JobReconcileOne)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "retry is scheduled")

	job.Attempt = queue.MaxRetries - 1
	p.Handle(ctx, job)
	failed, err := q.FailedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, []string{"reconcile-one:retried", "reconcile-one:dead"}, rec.outcomes)
	assert.Equal(t, 1, rec.failures)
}

func TestHandleNotConfiguredCountsFailureWithoutRetry(t *testing.T) {
	h := &fakeHandlers{err: github.ErrNotConfigured}
	p, q, rec := newTestProcessor(t, h)
	ctx := context.Background()

	p.Handle(ctx, mustJob(t, queue.JobAcceptInvite, `{"subscriber_id":1}`))

	n, err := q.Pending(ctx, queue.AllJobs...)
	require.NoError(t, err)
	assert.Zero(t, n)
	failed, err := q.FailedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, 1, rec.failures)
}

func TestRunProcessesQueuedJob(t *testing.T) {
	h := &fakeHandlers{done: make(chan struct{}, 1)}
	p, q, _ := newTestProcessor(t, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.EnqueueNow(ctx, queue.JobReconcileOne, queue.SubscriberPayload{SubscriberID: 77}))

	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, []int64{77}, h.reconciled)
}
