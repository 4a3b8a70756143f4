// Package oauth links a subscriber to their GitHub account and reports the link status.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/github"
	"github.com/tiersync/backend/internal/models"
	"github.com/tiersync/backend/internal/subscribers"
	"github.com/tiersync/backend/internal/teammap"
	"github.com/tiersync/backend/pkg/queue"
)

const (
	stateKeyPrefix      = "oauth:github:state:"
	inProgressKeyPrefix = "oauth:github:in_progress:"
	handshakeTTL        = 5 * time.Minute
	invitePendingWindow = 7 * 24 * time.Hour
)

var (
	// ErrAlreadyLinked means the subscriber has a working link and nothing to re-authorize.
	ErrAlreadyLinked = errors.New("oauth: already linked")
	// ErrInProgress means another handshake for the subscriber has not finished.
	ErrInProgress = errors.New("oauth: handshake in progress")
	// ErrInvalidState means the callback state is unknown or expired.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrMissingCode means the callback carried no authorization code.
	ErrMissingCode = errors.New("oauth: missing code")
)

// Link states reported to the subscriber.
const (
	StatusNotLinked       = "not_linked"
	StatusReconnectNeeded = "reconnect_needed"
	StatusInvitePending   = "invite_pending"
	StatusLinked          = "linked"
)

// Store is the subscriber persistence the link flow needs.
type Store interface {
	Get(ctx context.Context, id int64) (*models.Subscriber, error)
	SaveLink(ctx context.Context, id int64, username string, numericID int64, ciphertext string) error
	ClearFollowup(ctx context.Context, id int64) error
}

// Exchanger runs the OAuth code exchange.
type Exchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

// UserAPI reads the authenticated account.
type UserAPI interface {
	GetAuthenticatedUser(ctx context.Context, auth github.Auth) (*github.User, error)
}

// Sealer encrypts tokens for storage.
type Sealer interface {
	Seal(token string) (string, error)
}

// Enqueuer queues jobs.
type Enqueuer interface {
	EnqueueNow(ctx context.Context, name queue.JobName, payload any) error
}

// TeamReader reads the subscriber's own teams.
type TeamReader interface {
	OwnTeams(ctx context.Context, subscriberID int64, org string) (teammap.Set, error)
}

// SettingsLoader reads global settings.
type SettingsLoader interface {
	Load(ctx context.Context) (*models.Settings, error)
}

// LinkStatus is what the subscriber sees on their account page.
type LinkStatus struct {
	Status             string     `json:"status"`
	Username           string     `json:"username,omitempty"`
	Teams              []string   `json:"teams,omitempty"`
	InvitePendingSince *time.Time `json:"invite_pending_since,omitempty"`
}

// Service runs the link flow.
type Service struct {
	store    Store
	provider Exchanger
	users    UserAPI
	sealer   Sealer
	queue    Enqueuer
	teams    TeamReader
	settings SettingsLoader
	rdb      *redis.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the link flow service.
func NewService(store Store, provider Exchanger, users UserAPI, sealer Sealer, q Enqueuer,
	teams TeamReader, settings SettingsLoader, rdb *redis.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		provider: provider,
		users:    users,
		sealer:   sealer,
		queue:    q,
		teams:    teams,
		settings: settings,
		rdb:      rdb,
		logger:   logger,
		now:      time.Now,
	}
}

func inProgressKey(id int64) string { return inProgressKeyPrefix + strconv.FormatInt(id, 10) }

func (s *Service) lookup(ctx context.Context, id int64) (*models.Subscriber, error) {
	sub, err := s.store.Get(ctx, id)
	if errors.Is(err, subscribers.ErrNotFound) {
		return &models.Subscriber{ID: id}, nil
	}
	return sub, err
}

// Start begins a handshake and returns the authorize URL.
func (s *Service) Start(ctx context.Context, subscriberID int64) (string, error) {
	sub, err := s.lookup(ctx, subscriberID)
	if err != nil {
		return "", err
	}
	if sub.Identity.Linked() && sub.Identity.Credential != "" && !sub.Identity.ReconnectNeeded {
		return "", ErrAlreadyLinked
	}
	ok, err := s.rdb.SetNX(ctx, inProgressKey(subscriberID), 1, handshakeTTL).Result()
	if err != nil {
		return "", fmt.Errorf("set in-progress: %w", err)
	}
	if !ok {
		return "", ErrInProgress
	}
	if err := s.store.ClearFollowup(ctx, subscriberID); err != nil {
		s.logger.Warn("clear followup guard failed", zap.Int64("subscriber_id", subscriberID), zap.Error(err))
	}

	state := uuid.NewString()
	if err := s.rdb.Set(ctx, stateKeyPrefix+state, subscriberID, handshakeTTL).Err(); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}
	s.logger.Info("oauth handshake started", zap.Int64("subscriber_id", subscriberID))
	return s.provider.AuthCodeURL(state), nil
}

// Complete finishes a handshake: it exchanges the code, stores the sealed token with the account
// login and id, and queues a reconcile. Returns the subscriber id.
func (s *Service) Complete(ctx context.Context, state, code string) (int64, error) {
	if state == "" {
		return 0, ErrInvalidState
	}
	subscriberID, err := s.rdb.GetDel(ctx, stateKeyPrefix+state).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrInvalidState
	}
	if err != nil {
		return 0, fmt.Errorf("read state: %w", err)
	}
	if err := s.rdb.Del(ctx, inProgressKey(subscriberID)).Err(); err != nil {
		s.logger.Warn("clear in-progress failed", zap.Int64("subscriber_id", subscriberID), zap.Error(err))
	}
	if code == "" {
		return subscriberID, ErrMissingCode
	}

	token, err := s.provider.Exchange(ctx, code)
	if err != nil {
		return subscriberID, err
	}
	user, err := s.users.GetAuthenticatedUser(ctx, github.WithToken(token))
	if err != nil {
		return subscriberID, fmt.Errorf("fetch account: %w", err)
	}
	if user.Login == "" || user.ID == 0 {
		return subscriberID, errors.New("fetch account: empty login")
	}
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return subscriberID, fmt.Errorf("seal token: %w", err)
	}
	if err := s.store.SaveLink(ctx, subscriberID, user.Login, user.ID, sealed); err != nil {
		return subscriberID, fmt.Errorf("save link: %w", err)
	}
	s.logger.Info("github account linked", zap.Int64("subscriber_id", subscriberID), zap.String("username", user.Login))

	if err := s.queue.EnqueueNow(ctx, queue.JobReconcileOne, queue.SubscriberPayload{SubscriberID: subscriberID}); err != nil {
		s.logger.Error("enqueue reconcile after link failed", zap.Int64("subscriber_id", subscriberID), zap.Error(err))
	}
	return subscriberID, nil
}

// Status reports the subscriber's link state and, when linked, the org teams they can see.
func (s *Service) Status(ctx context.Context, subscriberID int64) (*LinkStatus, error) {
	sub, err := s.lookup(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	id := sub.Identity
	switch {
	case !id.Linked():
		return &LinkStatus{Status: StatusNotLinked}, nil
	case id.ReconnectNeeded || id.Credential == "":
		return &LinkStatus{Status: StatusReconnectNeeded, Username: id.Username}, nil
	case sub.Invitation.PendingWithin(s.now(), invitePendingWindow):
		return &LinkStatus{Status: StatusInvitePending, Username: id.Username, InvitePendingSince: sub.Invitation.PendingSince}, nil
	}

	out := &LinkStatus{Status: StatusLinked, Username: id.Username}
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if cfg.Org == "" {
		return out, nil
	}
	teams, err := s.teams.OwnTeams(ctx, subscriberID, cfg.Org)
	if err != nil {
		s.logger.Warn("read own teams failed", zap.Int64("subscriber_id", subscriberID), zap.Error(err))
		return out, nil
	}
	out.Teams = teams.Sorted()
	return out, nil
}
