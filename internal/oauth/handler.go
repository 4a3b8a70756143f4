package oauth

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/middleware"
	"github.com/tiersync/backend/pkg/queue"
	"github.com/tiersync/backend/pkg/response"
)

// Handler serves the subscriber-facing link endpoints and the OAuth callback.
type Handler struct {
	svc       *Service
	queue     Enqueuer
	linkedURL string
	errorURL  string
	logger    *zap.Logger
}

// NewHandler creates the link handler. linkedURL and errorURL are where the browser lands after the callback.
func NewHandler(svc *Service, q Enqueuer, linkedURL, errorURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, queue: q, linkedURL: linkedURL, errorURL: errorURL, logger: logger}
}

// Status handles GET /me/github.
func (h *Handler) Status(c *gin.Context) {
	id, ok := middleware.SubscriberID(c)
	if !ok {
		response.Forbidden(c, "subscriber token required")
		return
	}
	st, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("link status failed", zap.Int64("subscriber_id", id), zap.Error(err))
		response.Internal(c, "failed to read link status")
		return
	}
	response.OK(c, st)
}

// Connect handles GET /me/github/connect and returns the authorize URL.
func (h *Handler) Connect(c *gin.Context) {
	id, ok := middleware.SubscriberID(c)
	if !ok {
		response.Forbidden(c, "subscriber token required")
		return
	}
	authURL, err := h.svc.Start(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrAlreadyLinked):
		response.Conflict(c, "github account already linked")
		return
	case errors.Is(err, ErrInProgress):
		response.Conflict(c, "github authorization already in progress, try again in a few minutes")
		return
	case err != nil:
		h.logger.Error("start oauth failed", zap.Int64("subscriber_id", id), zap.Error(err))
		response.Internal(c, "failed to start github authorization")
		return
	}
	response.OK(c, gin.H{"authorize_url": authURL})
}

// Disconnect handles POST /me/github/disconnect. Team cleanup runs in the worker.
func (h *Handler) Disconnect(c *gin.Context) {
	id, ok := middleware.SubscriberID(c)
	if !ok {
		response.Forbidden(c, "subscriber token required")
		return
	}
	if err := h.queue.EnqueueNow(c.Request.Context(), queue.JobDisconnectUser, queue.SubscriberPayload{SubscriberID: id}); err != nil {
		h.logger.Error("enqueue disconnect failed", zap.Int64("subscriber_id", id), zap.Error(err))
		response.ServiceUnavailable(c, "failed to queue disconnect")
		return
	}
	response.Accepted(c, gin.H{"subscriber_id": id})
}

// Callback handles GET /oauth/github/callback and redirects the browser.
func (h *Handler) Callback(c *gin.Context) {
	id, err := h.svc.Complete(c.Request.Context(), c.Query("state"), c.Query("code"))
	if err != nil {
		reason := "link_failed"
		switch {
		case errors.Is(err, ErrInvalidState):
			reason = "invalid_state"
		case errors.Is(err, ErrMissingCode):
			reason = "access_denied"
		}
		h.logger.Warn("oauth callback failed", zap.Int64("subscriber_id", id), zap.String("reason", reason), zap.Error(err))
		c.Redirect(http.StatusFound, withQuery(h.errorURL, "reason", reason))
		return
	}
	c.Redirect(http.StatusFound, h.linkedURL)
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
