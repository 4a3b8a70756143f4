// Package credentials decrypts stored tokens for the API client. A ciphertext that does not open
// is treated the same as no token: the subscriber's copy is cleared and reconnect is flagged.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/models"
)

// Sealer encrypts and decrypts secrets at rest.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SubscriberStore is the slice of subscriber persistence this package needs.
type SubscriberStore interface {
	Get(ctx context.Context, id int64) (*models.Subscriber, error)
	RevokeCredential(ctx context.Context, id int64) error
}

// SettingsLoader reads global settings.
type SettingsLoader interface {
	Load(ctx context.Context) (*models.Settings, error)
}

// Service implements github.TokenSource.
type Service struct {
	subs     SubscriberStore
	settings SettingsLoader
	box      Sealer
	logger   *zap.Logger
}

// NewService creates a credential service.
func NewService(subs SubscriberStore, settings SettingsLoader, box Sealer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{subs: subs, settings: settings, box: box, logger: logger}
}

// OwnerToken returns the decrypted owner token, or "" when none usable is stored.
func (s *Service) OwnerToken(ctx context.Context) (string, error) {
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	if !cfg.HasOwnerToken() {
		return "", nil
	}
	token, err := s.box.Decrypt(cfg.OwnerToken)
	if err != nil {
		s.logger.Error("owner token does not decrypt, treating as not configured", zap.Error(err))
		return "", nil
	}
	return token, nil
}

// SubscriberToken returns the subscriber's decrypted token, or "" when absent or unreadable.
func (s *Service) SubscriberToken(ctx context.Context, subscriberID int64) (string, error) {
	sub, err := s.subs.Get(ctx, subscriberID)
	if err != nil {
		return "", err
	}
	if sub.Identity.Credential == "" {
		return "", nil
	}
	token, err := s.box.Decrypt(sub.Identity.Credential)
	if err != nil {
		s.logger.Warn("subscriber token does not decrypt, clearing",
			zap.Int64("subscriber_id", subscriberID), zap.Error(err))
		if rerr := s.subs.RevokeCredential(ctx, subscriberID); rerr != nil {
			return "", errors.Join(err, rerr)
		}
		return "", nil
	}
	return token, nil
}

// RevokeSubscriber clears the subscriber's credential and flags reconnect.
func (s *Service) RevokeSubscriber(ctx context.Context, subscriberID int64) error {
	return s.subs.RevokeCredential(ctx, subscriberID)
}

// Seal encrypts a token for storage.
func (s *Service) Seal(token string) (string, error) {
	return s.box.Encrypt(token)
}
