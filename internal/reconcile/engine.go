// Package reconcile converges one subscriber's team membership toward the teams their tiers map to.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/github"
	"github.com/tiersync/backend/internal/invitation"
	"github.com/tiersync/backend/internal/membership"
	"github.com/tiersync/backend/internal/models"
	"github.com/tiersync/backend/internal/teammap"
	"github.com/tiersync/backend/pkg/queue"
)

// ErrNotLinked means the subscriber has no linked account. Nothing can happen until they link.
var ErrNotLinked = errors.New("reconcile: subscriber is not linked")

const followupGroup = "followup"

// Store is the subscriber persistence the engine needs.
type Store interface {
	Get(ctx context.Context, id int64) (*models.Subscriber, error)
	SetReconnectNeeded(ctx context.Context, id int64) error
	TryScheduleFollowup(ctx context.Context, id int64) (bool, error)
	ClearFollowup(ctx context.Context, id int64) error
	ClearLink(ctx context.Context, id int64) error
}

// API is the subset of the GitHub client that mutates team membership.
type API interface {
	PutTeamMembership(ctx context.Context, org, slug, username string) (*github.Response, error)
	DeleteTeamMembership(ctx context.Context, org, slug, username string) (*github.Response, error)
}

// Memberships reads actual membership.
type Memberships interface {
	ActualTeams(ctx context.Context, org, username string) (membership.Snapshot, error)
	Invalidate(ctx context.Context, subscriberID int64, org, username string) error
}

// Invitations is the org invitation flow.
type Invitations interface {
	SendInvite(ctx context.Context, sub *models.Subscriber, org string) error
	MarkInviteSent(ctx context.Context, subscriberID int64) error
}

// Scheduler enqueues delayed jobs.
type Scheduler interface {
	EnqueueAfter(ctx context.Context, delay time.Duration, name queue.JobName, payload any, group string) error
}

// SettingsLoader reads global settings.
type SettingsLoader interface {
	Load(ctx context.Context) (*models.Settings, error)
}

// Recorder receives per-team outcomes.
type Recorder interface {
	RecordTeamChanges(outcome string, n int)
}

// Outcome classifies an add-membership response.
type Outcome int

const (
	OutcomeAdded Outcome = iota
	OutcomePending
	OutcomeNeedsInvite
	OutcomeFailed
)

// ClassifyAdd maps a PUT membership response to its outcome.
func ClassifyAdd(resp *github.Response) Outcome {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if resp.Pending() {
			return OutcomePending
		}
		return OutcomeAdded
	case http.StatusAccepted:
		return OutcomePending
	case http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return OutcomeNeedsInvite
	}
	return OutcomeFailed
}

// Result summarises one pass.
type Result struct {
	SubscriberID      int64    `json:"subscriber_id"`
	Added             []string `json:"added"`
	Removed           []string `json:"removed"`
	Pending           []string `json:"pending"`
	NeedsInvite       []string `json:"needs_invite"`
	Failed            []string `json:"failed"`
	InviteTriggered   bool     `json:"invite_triggered"`
	FollowupScheduled bool     `json:"followup_scheduled"`
}

// Engine runs reconciliation passes.
type Engine struct {
	store         Store
	api           API
	members       Memberships
	invites       Invitations
	scheduler     Scheduler
	settings      SettingsLoader
	recorder      Recorder
	followupDelay time.Duration
	logger        *zap.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(store Store, api API, members Memberships, invites Invitations, scheduler Scheduler,
	settings SettingsLoader, followupDelay time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:         store,
		api:           api,
		members:       members,
		invites:       invites,
		scheduler:     scheduler,
		settings:      settings,
		followupDelay: followupDelay,
		logger:        logger,
	}
}

// SetRecorder attaches per-team metrics.
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

func (e *Engine) record(res *Result) {
	if e.recorder == nil {
		return
	}
	e.recorder.RecordTeamChanges("added", len(res.Added))
	e.recorder.RecordTeamChanges("removed", len(res.Removed))
	e.recorder.RecordTeamChanges("pending", len(res.Pending))
	e.recorder.RecordTeamChanges("needs_invite", len(res.NeedsInvite))
	e.recorder.RecordTeamChanges("failed", len(res.Failed))
}

// managedTeams is every team any tier maps to. Teams outside it are never touched.
func managedTeams(mapping models.TeamMapping) teammap.Set {
	out := teammap.NewSet()
	for _, slugs := range mapping {
		for _, slug := range slugs {
			out.Add(slug)
		}
	}
	return out
}

func (e *Engine) load(ctx context.Context, subscriberID int64) (*models.Subscriber, *models.Settings, error) {
	sub, err := e.store.Get(ctx, subscriberID)
	if err != nil {
		return nil, nil, fmt.Errorf("load subscriber: %w", err)
	}
	cfg, err := e.settings.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}
	return sub, cfg, nil
}

// Reconcile runs one pass for subscriberID. Per-team failures are logged and recorded in the
// result; only failures that prevent the pass from starting are returned.
func (e *Engine) Reconcile(ctx context.Context, subscriberID int64) (*Result, error) {
	log := e.logger.With(zap.Int64("subscriber_id", subscriberID))
	sub, cfg, err := e.load(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if !sub.Identity.Linked() {
		if err := e.store.SetReconnectNeeded(ctx, subscriberID); err != nil {
			return nil, fmt.Errorf("flag reconnect: %w", err)
		}
		log.Info("subscriber not linked, skipping")
		return nil, ErrNotLinked
	}
	if cfg.Org == "" {
		return nil, github.ErrNotConfigured
	}
	username := sub.Identity.Username
	log = log.With(zap.String("username", username))

	desired := teammap.Resolve(sub.TierIDs, cfg.Mapping)
	snap, err := e.members.ActualTeams(ctx, cfg.Org, username)
	if err != nil {
		return nil, fmt.Errorf("actual teams: %w", err)
	}
	res := &Result{SubscriberID: subscriberID}
	managed := managedTeams(cfg.Mapping)

	for _, slug := range snap.Actual.Minus(desired).Sorted() {
		if !snap.AllTeams.Has(slug) || !managed.Has(slug) {
			continue
		}
		resp, err := e.api.DeleteTeamMembership(ctx, cfg.Org, slug, username)
		if err != nil {
			if errors.Is(err, github.ErrNotConfigured) {
				return nil, err
			}
			log.Warn("remove membership failed", zap.String("team", slug), zap.Error(err))
			res.Failed = append(res.Failed, slug)
			continue
		}
		if resp.OK() || resp.StatusCode == http.StatusNotFound {
			log.Info("removed from team", zap.String("team", slug))
			res.Removed = append(res.Removed, slug)
			continue
		}
		log.Warn("remove membership refused", zap.String("team", slug), zap.Int("status", resp.StatusCode))
		res.Failed = append(res.Failed, slug)
	}

	acceptQueued, inviteSent := false, false
	var inviteErr error
	for _, slug := range desired.Minus(snap.Actual).Sorted() {
		resp, err := e.api.PutTeamMembership(ctx, cfg.Org, slug, username)
		if err != nil {
			if errors.Is(err, github.ErrNotConfigured) {
				return nil, err
			}
			log.Warn("add membership failed", zap.String("team", slug), zap.Error(err))
			res.Failed = append(res.Failed, slug)
			continue
		}
		switch ClassifyAdd(resp) {
		case OutcomeAdded:
			log.Info("added to team", zap.String("team", slug))
			res.Added = append(res.Added, slug)
		case OutcomePending:
			res.Pending = append(res.Pending, slug)
			res.InviteTriggered = true
			if !acceptQueued {
				acceptQueued = true
				if err := e.invites.MarkInviteSent(ctx, subscriberID); err != nil {
					log.Error("queue accept after pending add failed", zap.String("team", slug), zap.Error(err))
				}
			}
		case OutcomeNeedsInvite:
			res.NeedsInvite = append(res.NeedsInvite, slug)
			if !inviteSent {
				inviteSent = true
				inviteErr = e.invites.SendInvite(ctx, sub, cfg.Org)
				switch {
				case errors.Is(inviteErr, invitation.ErrNoNumericID):
					log.Warn("team needs an org invite but numeric id is unknown", zap.String("team", slug))
				case inviteErr != nil:
					log.Warn("send org invite failed", zap.String("team", slug), zap.Error(inviteErr))
				}
			}
			// A failed invite is retried by the follow-up pass.
			res.InviteTriggered = true
			if inviteErr != nil && !errors.Is(inviteErr, invitation.ErrNoNumericID) {
				res.Failed = append(res.Failed, slug)
			}
		default:
			log.Warn("add membership refused", zap.String("team", slug),
				zap.Int("status", resp.StatusCode), zap.ByteString("body", resp.Body))
			res.Failed = append(res.Failed, slug)
		}
	}

	if len(res.Added)+len(res.Removed) > 0 {
		if err := e.members.Invalidate(ctx, subscriberID, cfg.Org, username); err != nil {
			log.Warn("invalidate membership cache failed", zap.Error(err))
		}
	}
	if err := e.followup(ctx, res); err != nil {
		return res, err
	}
	e.record(res)
	log.Info("reconcile pass complete",
		zap.Strings("added", res.Added), zap.Strings("removed", res.Removed),
		zap.Strings("pending", res.Pending), zap.Strings("failed", res.Failed),
		zap.Bool("followup", res.FollowupScheduled))
	return res, nil
}

// followup schedules at most one delayed pass per invite cycle, or releases the guard once a
// pass needs no invitation.
func (e *Engine) followup(ctx context.Context, res *Result) error {
	id := res.SubscriberID
	if !res.InviteTriggered {
		if err := e.store.ClearFollowup(ctx, id); err != nil {
			return fmt.Errorf("clear followup guard: %w", err)
		}
		return nil
	}
	ok, err := e.store.TryScheduleFollowup(ctx, id)
	if err != nil {
		return fmt.Errorf("set followup guard: %w", err)
	}
	if !ok {
		return nil
	}
	payload := queue.SubscriberPayload{SubscriberID: id}
	if err := e.scheduler.EnqueueAfter(ctx, e.followupDelay, queue.JobReconcileOne, payload, followupGroup); err != nil {
		if cerr := e.store.ClearFollowup(ctx, id); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return fmt.Errorf("enqueue followup: %w", err)
	}
	res.FollowupScheduled = true
	return nil
}

// Disconnect removes the subscriber from every mapped team they hold and forgets the linked
// account. Org membership itself is left alone.
func (e *Engine) Disconnect(ctx context.Context, subscriberID int64) error {
	log := e.logger.With(zap.Int64("subscriber_id", subscriberID))
	sub, cfg, err := e.load(ctx, subscriberID)
	if err != nil {
		return err
	}
	username := sub.Identity.Username
	if username != "" && cfg.Org != "" {
		snap, err := e.members.ActualTeams(ctx, cfg.Org, username)
		switch {
		case errors.Is(err, github.ErrNotConfigured):
			log.Warn("owner token missing, unlinking without team cleanup")
		case err != nil:
			return fmt.Errorf("actual teams: %w", err)
		default:
			managed := managedTeams(cfg.Mapping)
			for _, slug := range snap.Actual.Sorted() {
				if !managed.Has(slug) {
					continue
				}
				resp, err := e.api.DeleteTeamMembership(ctx, cfg.Org, slug, username)
				if err != nil {
					log.Warn("remove membership failed", zap.String("team", slug), zap.Error(err))
					continue
				}
				if !resp.OK() && resp.StatusCode != http.StatusNotFound {
					log.Warn("remove membership refused", zap.String("team", slug), zap.Int("status", resp.StatusCode))
				}
			}
		}
		if err := e.members.Invalidate(ctx, subscriberID, cfg.Org, username); err != nil {
			log.Warn("invalidate membership cache failed", zap.Error(err))
		}
	}
	if err := e.store.ClearLink(ctx, subscriberID); err != nil {
		return fmt.Errorf("clear link: %w", err)
	}
	log.Info("subscriber disconnected", zap.String("username", username))
	return nil
}
