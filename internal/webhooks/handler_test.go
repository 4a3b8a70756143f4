package webhooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiersync/backend/internal/subscribers"
	"github.com/tiersync/backend/pkg/queue"
)

type brokenQueue struct {
	failures int
}

func (b *brokenQueue) EnqueueNow(context.Context, queue.JobName, any) error {
	return errors.New("redis down")
}

func (b *brokenQueue) RecordFailure(context.Context) error {
	b.failures++
	return nil
}

type countingRecorder struct{ n int }

func (r *countingRecorder) RecordJobFailure() { r.n++ }

func post(r http.Handler, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tier-changed", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/tier-changed", h.TierChanged)
	return r
}

func TestTierChangedStoresAndEnqueues(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.NewQueue(rdb, nil)
	store := subscribers.NewMemory()
	r := newRouter(NewHandler(store, q, "s3cret", nil))

	assert.Equal(t, http.StatusUnauthorized, post(r, `{"subscriber_id":1,"tier_ids":[10]}`, "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(r, `{"subscriber_id":1,"tier_ids":[10]}`, "wrong").Code)
	assert.Equal(t, http.StatusBadRequest, post(r, `{"tier_ids":[10]}`, "s3cret").Code)

	w := post(r, `{"subscriber_id":1,"tier_ids":[20,10,10]}`, "s3cret")
	require.Equal(t, http.StatusAccepted, w.Code)

	sub, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, sub.TierIDs)

	job, err := q.Dequeue(context.Background(), time.Second, queue.JobReconcileOne)
	require.NoError(t, err)
	require.NotNil(t, job)
	var p queue.SubscriberPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, int64(1), p.SubscriberID)
}

func TestTierChangedEmptyTiersAllowed(t *testing.T) {
	store := subscribers.NewMemory()
	q := &brokenQueue{}
	h := NewHandler(store, q, "", nil)
	rec := &countingRecorder{}
	h.SetRecorder(rec)
	r := newRouter(h)

	w := post(r, `{"subscriber_id":3,"tier_ids":[]}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 1, q.failures)
	assert.Equal(t, 1, rec.n)

	sub, err := store.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, sub.TierIDs, "tiers are stored before the enqueue")
}
