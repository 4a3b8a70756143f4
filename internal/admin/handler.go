// Package admin serves the operator endpoints: settings, connection test, per-subscriber
// actions and bulk sync control.
package admin

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/batch"
	"github.com/tiersync/backend/internal/github"
	"github.com/tiersync/backend/internal/models"
	"github.com/tiersync/backend/internal/reconcile"
	"github.com/tiersync/backend/internal/subscribers"
	"github.com/tiersync/backend/pkg/response"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// SettingsStore reads and writes global settings.
type SettingsStore interface {
	Load(ctx context.Context) (*models.Settings, error)
	SetOwnerToken(ctx context.Context, ciphertext string) error
	SetOrg(ctx context.Context, org string) error
	SetMapping(ctx context.Context, mapping models.TeamMapping) error
}

// Sealer encrypts the owner token before it is stored.
type Sealer interface {
	Seal(token string) (string, error)
}

// Teams reads the cached org team list.
type Teams interface {
	OrgTeams(ctx context.Context, org string) ([]github.Team, error)
	InvalidateOrg(ctx context.Context, org string) error
}

// OrgAPI checks the owner connection.
type OrgAPI interface {
	GetOrg(ctx context.Context, org string) (*github.Org, error)
}

// SubscriberLister pages through subscribers.
type SubscriberLister interface {
	List(ctx context.Context, limit, offset int) ([]models.Subscriber, error)
}

// Reconciler runs passes inline.
type Reconciler interface {
	Reconcile(ctx context.Context, subscriberID int64) (*reconcile.Result, error)
	Disconnect(ctx context.Context, subscriberID int64) error
}

// Bulk controls batch syncs.
type Bulk interface {
	Trigger(ctx context.Context) error
	Status(ctx context.Context) (batch.Status, error)
	CancelAll(ctx context.Context) error
}

// FailureCounter reads the failed-job counter.
type FailureCounter interface {
	FailedJobs(ctx context.Context) (int64, error)
}

// SettingsView is the readable side of settings. The owner token is never returned.
type SettingsView struct {
	Org                  string             `json:"org"`
	Mapping              models.TeamMapping `json:"team_mappings"`
	OwnerTokenConfigured bool               `json:"owner_token_configured"`
}

// UpdateSettingsRequest is the body for PUT /admin/settings. Absent fields are left unchanged.
type UpdateSettingsRequest struct {
	OwnerToken *string             `json:"owner_token"`
	Org        *string             `json:"org"`
	Mapping    *models.TeamMapping `json:"team_mappings"`
}

// SyncStatus is the body of GET /admin/sync/status.
type SyncStatus struct {
	batch.Status
	FailedJobs int64 `json:"failed_jobs"`
}

// Handler handles admin endpoints.
type Handler struct {
	settings SettingsStore
	sealer   Sealer
	teams    Teams
	api      OrgAPI
	subs     SubscriberLister
	engine   Reconciler
	bulk     Bulk
	failures FailureCounter
	logger   *zap.Logger
}

// NewHandler creates an admin handler.
func NewHandler(settings SettingsStore, sealer Sealer, teams Teams, api OrgAPI, subs SubscriberLister,
	engine Reconciler, bulk Bulk, failures FailureCounter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		settings: settings,
		sealer:   sealer,
		teams:    teams,
		api:      api,
		subs:     subs,
		engine:   engine,
		bulk:     bulk,
		failures: failures,
		logger:   logger,
	}
}

func view(s *models.Settings) SettingsView {
	mapping := s.Mapping
	if mapping == nil {
		mapping = models.TeamMapping{}
	}
	return SettingsView{Org: s.Org, Mapping: mapping, OwnerTokenConfigured: s.HasOwnerToken()}
}

func validateMapping(m models.TeamMapping) error {
	for tier, slugs := range m {
		if tier <= 0 {
			return errors.New("tier ids must be positive")
		}
		for _, slug := range slugs {
			if strings.TrimSpace(slug) == "" {
				return errors.New("team slugs must not be empty")
			}
		}
	}
	return nil
}

// GetSettings handles GET /admin/settings.
func (h *Handler) GetSettings(c *gin.Context) {
	s, err := h.settings.Load(c.Request.Context())
	if err != nil {
		h.logger.Error("load settings failed", zap.Error(err))
		response.Internal(c, "failed to load settings")
		return
	}
	response.OK(c, view(s))
}

// UpdateSettings handles PUT /admin/settings.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Mapping != nil {
		if err := validateMapping(*req.Mapping); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	ctx := c.Request.Context()

	prev, err := h.settings.Load(ctx)
	if err != nil {
		h.logger.Error("load settings failed", zap.Error(err))
		response.Internal(c, "failed to load settings")
		return
	}
	if req.OwnerToken != nil {
		sealed := ""
		if tok := strings.TrimSpace(*req.OwnerToken); tok != "" {
			if sealed, err = h.sealer.Seal(tok); err != nil {
				h.logger.Error("seal owner token failed", zap.Error(err))
				response.Internal(c, "failed to store owner token")
				return
			}
		}
		if err := h.settings.SetOwnerToken(ctx, sealed); err != nil {
			h.logger.Error("store owner token failed", zap.Error(err))
			response.Internal(c, "failed to store owner token")
			return
		}
	}
	if req.Org != nil {
		org := strings.TrimSpace(*req.Org)
		if err := h.settings.SetOrg(ctx, org); err != nil {
			h.logger.Error("store org failed", zap.Error(err))
			response.Internal(c, "failed to store org")
			return
		}
		for _, o := range []string{prev.Org, org} {
			if o == "" {
				continue
			}
			if err := h.teams.InvalidateOrg(ctx, o); err != nil {
				h.logger.Warn("invalidate org teams failed", zap.String("org", o), zap.Error(err))
			}
		}
	}
	if req.Mapping != nil {
		if err := h.settings.SetMapping(ctx, *req.Mapping); err != nil {
			h.logger.Error("store team mapping failed", zap.Error(err))
			response.Internal(c, "failed to store team mapping")
			return
		}
	}

	s, err := h.settings.Load(ctx)
	if err != nil {
		response.Internal(c, "failed to load settings")
		return
	}
	h.logger.Info("settings updated", zap.String("org", s.Org), zap.Int("tiers", len(s.Mapping)))
	response.OK(c, view(s))
}

func (h *Handler) org(c *gin.Context) (string, bool) {
	s, err := h.settings.Load(c.Request.Context())
	if err != nil {
		h.logger.Error("load settings failed", zap.Error(err))
		response.Internal(c, "failed to load settings")
		return "", false
	}
	if s.Org == "" {
		response.BadRequest(c, "organization not configured")
		return "", false
	}
	return s.Org, true
}

// githubError maps platform failures onto the response envelope.
func (h *Handler) githubError(c *gin.Context, op string, err error) {
	var statusErr *github.StatusError
	switch {
	case errors.Is(err, github.ErrNotConfigured):
		response.BadRequest(c, "owner token not configured")
	case errors.As(err, &statusErr):
		response.BadGateway(c, op+": github returned "+strconv.Itoa(statusErr.Status))
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		response.BadGateway(c, op+": github unreachable")
	}
}

// ListTeams handles GET /admin/teams. ?refresh=true bypasses the cache.
func (h *Handler) ListTeams(c *gin.Context) {
	org, ok := h.org(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		if err := h.teams.InvalidateOrg(ctx, org); err != nil {
			h.logger.Warn("invalidate org teams failed", zap.String("org", org), zap.Error(err))
		}
	}
	teams, err := h.teams.OrgTeams(ctx, org)
	if err != nil {
		h.githubError(c, "list teams", err)
		return
	}
	response.OK(c, teams)
}

// TestConnection handles POST /admin/test-connection.
func (h *Handler) TestConnection(c *gin.Context) {
	org, ok := h.org(c)
	if !ok {
		return
	}
	o, err := h.api.GetOrg(c.Request.Context(), org)
	if err != nil {
		h.githubError(c, "test connection", err)
		return
	}
	response.OK(c, o)
}

// ListSubscribers handles GET /admin/subscribers?limit=&offset=.
func (h *Handler) ListSubscribers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	list, err := h.subs.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list subscribers failed", zap.Error(err))
		response.Internal(c, "failed to list subscribers")
		return
	}
	if list == nil {
		list = []models.Subscriber{}
	}
	response.OK(c, response.Page{Items: list, Limit: limit, Offset: offset})
}

func subscriberID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid subscriber id")
		return 0, false
	}
	return id, true
}

// SyncSubscriber handles POST /admin/subscribers/:id/sync and runs the pass inline.
func (h *Handler) SyncSubscriber(c *gin.Context) {
	id, ok := subscriberID(c)
	if !ok {
		return
	}
	res, err := h.engine.Reconcile(c.Request.Context(), id)
	switch {
	case errors.Is(err, reconcile.ErrNotLinked), errors.Is(err, subscribers.ErrNotFound):
		response.Conflict(c, "subscriber has no linked github account")
		return
	case err != nil:
		h.githubError(c, "sync subscriber", err)
		return
	}
	response.OK(c, res)
}

// DisconnectSubscriber handles POST /admin/subscribers/:id/disconnect.
func (h *Handler) DisconnectSubscriber(c *gin.Context) {
	id, ok := subscriberID(c)
	if !ok {
		return
	}
	if err := h.engine.Disconnect(c.Request.Context(), id); err != nil {
		if errors.Is(err, subscribers.ErrNotFound) {
			response.NotFound(c, "subscriber not found")
			return
		}
		h.logger.Error("disconnect subscriber failed", zap.Int64("subscriber_id", id), zap.Error(err))
		response.Internal(c, "failed to disconnect subscriber")
		return
	}
	response.NoContent(c)
}

// BulkSync handles POST /admin/sync/bulk.
func (h *Handler) BulkSync(c *gin.Context) {
	if err := h.bulk.Trigger(c.Request.Context()); err != nil {
		h.logger.Error("trigger bulk sync failed", zap.Error(err))
		response.ServiceUnavailable(c, "failed to queue bulk sync")
		return
	}
	response.Accepted(c, gin.H{"queued": true})
}

// SyncStatus handles GET /admin/sync/status.
func (h *Handler) SyncStatus(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := h.bulk.Status(ctx)
	if err != nil {
		h.logger.Error("sync status failed", zap.Error(err))
		response.Internal(c, "failed to read sync status")
		return
	}
	failed, err := h.failures.FailedJobs(ctx)
	if err != nil {
		h.logger.Error("read failed jobs failed", zap.Error(err))
		response.Internal(c, "failed to read sync status")
		return
	}
	response.OK(c, SyncStatus{Status: st, FailedJobs: failed})
}

// CancelSync handles POST /admin/sync/cancel.
func (h *Handler) CancelSync(c *gin.Context) {
	if err := h.bulk.CancelAll(c.Request.Context()); err != nil {
		h.logger.Error("cancel bulk sync failed", zap.Error(err))
		response.Internal(c, "failed to cancel bulk sync")
		return
	}
	response.NoContent(c)
}
