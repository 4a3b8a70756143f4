// Package webhooks receives tier changes from the subscription system.
package webhooks

import (
	"context"
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tiersync/backend/pkg/queue"
	"github.com/tiersync/backend/pkg/response"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Webhook-Secret"

// TierChangedRequest is the body for POST /webhooks/tier-changed.
type TierChangedRequest struct {
	SubscriberID int64   `json:"subscriber_id" binding:"required,gt=0"`
	TierIDs      []int64 `json:"tier_ids"`
}

// TierStore replaces a subscriber's active tiers.
type TierStore interface {
	SetTiers(ctx context.Context, id int64, tierIDs []int64) error
}

// Queue enqueues reconcile jobs and counts failures.
type Queue interface {
	EnqueueNow(ctx context.Context, name queue.JobName, payload any) error
	RecordFailure(ctx context.Context) error
}

// FailureRecorder counts jobs that could not be queued.
type FailureRecorder interface {
	RecordJobFailure()
}

// Handler handles webhook endpoints.
type Handler struct {
	store    TierStore
	queue    Queue
	secret   []byte
	recorder FailureRecorder
	logger   *zap.Logger
}

// NewHandler creates a webhook handler. An empty secret disables the header check.
func NewHandler(store TierStore, q Queue, secret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, queue: q, secret: []byte(secret), logger: logger}
}

// SetRecorder attaches failure metrics.
func (h *Handler) SetRecorder(r FailureRecorder) { h.recorder = r }

func (h *Handler) authorized(c *gin.Context) bool {
	if len(h.secret) == 0 {
		return true
	}
	got := []byte(c.GetHeader(SecretHeader))
	return subtle.ConstantTimeCompare(got, h.secret) == 1
}

// TierChanged handles POST /webhooks/tier-changed.
func (h *Handler) TierChanged(c *gin.Context) {
	if !h.authorized(c) {
		response.Unauthorized(c, "invalid webhook secret")
		return
	}
	var req TierChangedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	log := h.logger.With(zap.Int64("subscriber_id", req.SubscriberID))

	if err := h.store.SetTiers(ctx, req.SubscriberID, req.TierIDs); err != nil {
		log.Error("store tiers failed", zap.Error(err))
		response.Internal(c, "failed to store tiers")
		return
	}
	if err := h.queue.EnqueueNow(ctx, queue.JobReconcileOne, queue.SubscriberPayload{SubscriberID: req.SubscriberID}); err != nil {
		log.Error("enqueue reconcile failed", zap.Error(err))
		if ferr := h.queue.RecordFailure(ctx); ferr != nil {
			log.Error("record job failure failed", zap.Error(ferr))
		}
		if h.recorder != nil {
			h.recorder.RecordJobFailure()
		}
		response.ServiceUnavailable(c, "failed to queue reconcile")
		return
	}
	log.Info("tier change received", zap.Int64s("tier_ids", req.TierIDs))
	response.Accepted(c, gin.H{"subscriber_id": req.SubscriberID})
}
