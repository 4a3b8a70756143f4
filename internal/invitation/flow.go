// Package invitation drives the org invitation handshake: send the invite as the owner, then
// accept it on the subscriber's behalf with a bounded, backed-off retry.
package invitation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/github"
	"github.com/tiersync/backend/internal/models"
	"github.com/tiersync/backend/pkg/queue"
)

// ErrNoNumericID means the subscriber cannot be invited: invitations need the numeric account id.
var ErrNoNumericID = errors.New("invitation: subscriber has no numeric id")

const acceptGroup = "accept"

// Store persists invitation state transitions.
type Store interface {
	MarkInviteSent(ctx context.Context, id int64) error
	MarkPendingForever(ctx context.Context, id int64) error
	MarkAccepted(ctx context.Context, id int64) error
	RecordAcceptFailure(ctx context.Context, id int64) (int, models.InviteStatus, error)
}

// API is the subset of the GitHub client used here.
type API interface {
	CreateOrgInvitation(ctx context.Context, org string, inviteeID int64) (*github.Response, error)
	AcceptOrgMembership(ctx context.Context, org string, subscriberID int64) (*github.Response, error)
}

// Enqueuer schedules jobs.
type Enqueuer interface {
	EnqueueNow(ctx context.Context, name queue.JobName, payload any) error
	EnqueueAfter(ctx context.Context, delay time.Duration, name queue.JobName, payload any, group string) error
}

// SettingsLoader reads global settings.
type SettingsLoader interface {
	Load(ctx context.Context) (*models.Settings, error)
}

// Recorder receives invitation events for metrics.
type Recorder interface {
	RecordInvite(event string)
}

// Flow runs the invitation state machine.
type Flow struct {
	store     Store
	api       API
	queue     Enqueuer
	settings  SettingsLoader
	recorder  Recorder
	baseDelay time.Duration
	logger    *zap.Logger
}

// NewFlow creates an invitation flow.
func NewFlow(store Store, api API, q Enqueuer, settings SettingsLoader, logger *zap.Logger) *Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{store: store, api: api, queue: q, settings: settings, baseDelay: time.Second, logger: logger}
}

// SetRecorder attaches invitation metrics.
func (f *Flow) SetRecorder(r Recorder) { f.recorder = r }

func (f *Flow) record(event string) {
	if f.recorder != nil {
		f.recorder.RecordInvite(event)
	}
}

// MarkInviteSent starts an invite cycle and queues the first accept attempt.
func (f *Flow) MarkInviteSent(ctx context.Context, subscriberID int64) error {
	if err := f.store.MarkInviteSent(ctx, subscriberID); err != nil {
		return fmt.Errorf("mark invite sent: %w", err)
	}
	if err := f.queue.EnqueueNow(ctx, queue.JobAcceptInvite, queue.SubscriberPayload{SubscriberID: subscriberID}); err != nil {
		return fmt.Errorf("enqueue accept-invite: %w", err)
	}
	f.record("sent")
	return nil
}

// SendInvite invites the subscriber to org. A 422 means an invite already exists and counts as sent.
// Any other non-2xx parks the invitation as pending_forever. Transport errors are returned as is.
func (f *Flow) SendInvite(ctx context.Context, sub *models.Subscriber, org string) error {
	if sub.Identity.NumericID == 0 {
		f.logger.Warn("cannot invite without numeric id", zap.Int64("subscriber_id", sub.ID))
		return ErrNoNumericID
	}
	resp, err := f.api.CreateOrgInvitation(ctx, org, sub.Identity.NumericID)
	if err != nil {
		return err
	}
	if resp.OK() || resp.StatusCode == http.StatusUnprocessableEntity {
		f.logger.Info("org invitation sent", zap.Int64("subscriber_id", sub.ID), zap.Int("status", resp.StatusCode))
		return f.MarkInviteSent(ctx, sub.ID)
	}
	f.logger.Warn("org invitation refused, marking pending",
		zap.Int64("subscriber_id", sub.ID), zap.Int("status", resp.StatusCode))
	if err := f.store.MarkPendingForever(ctx, sub.ID); err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	f.record("pending_forever")
	return nil
}

// AcceptInvite activates the subscriber's pending org membership. 403 and 404 mean the invite
// is not visible yet and are retried after 1s then 2s; the third miss parks the invitation.
func (f *Flow) AcceptInvite(ctx context.Context, subscriberID int64) error {
	cfg, err := f.settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if cfg.Org == "" {
		return github.ErrNotConfigured
	}
	log := f.logger.With(zap.Int64("subscriber_id", subscriberID))

	resp, err := f.api.AcceptOrgMembership(ctx, cfg.Org, subscriberID)
	if err != nil {
		if github.IsCredentialError(err) {
			log.Info("accept skipped, subscriber must reconnect", zap.Error(err))
			return nil
		}
		return err
	}

	switch {
	case resp.OK():
		if err := f.store.MarkAccepted(ctx, subscriberID); err != nil {
			return fmt.Errorf("mark accepted: %w", err)
		}
		log.Info("org invitation accepted")
		f.record("accepted")
		return nil
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		count, status, err := f.store.RecordAcceptFailure(ctx, subscriberID)
		if err != nil {
			return fmt.Errorf("record accept failure: %w", err)
		}
		if status == models.InvitePendingForever {
			log.Warn("invitation not accepted after retries, marking pending", zap.Int("attempts", count))
			f.record("pending_forever")
			return nil
		}
		delay := f.baseDelay << (count - 1)
		if err := f.queue.EnqueueAfter(ctx, delay, queue.JobAcceptInvite, queue.SubscriberPayload{SubscriberID: subscriberID}, acceptGroup); err != nil {
			return fmt.Errorf("enqueue accept retry: %w", err)
		}
		log.Info("invitation not visible yet, retrying", zap.Int("attempt", count), zap.Duration("delay", delay))
		f.record("accept_retry")
		return nil
	default:
		log.Error("accept invitation failed", zap.Int("status", resp.StatusCode))
		return &github.StatusError{Op: "accept org membership", Status: resp.StatusCode, Body: string(resp.Body)}
	}
}
