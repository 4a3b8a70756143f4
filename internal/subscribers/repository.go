package subscribers

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiersync/backend/internal/models"
)

// ErrNotFound is returned when no subscriber row exists.
var ErrNotFound = errors.New("subscriber not found")

const selectSubscriber = `SELECT s.id, COALESCE(s.github_username, ''), COALESCE(s.github_id, 0), COALESCE(s.token_ciphertext, ''),
	s.reconnect_needed, s.invite_status, s.invite_sent_at, s.invite_pending_since, s.accept_retry_count,
	s.followup_scheduled_at, s.created_at, s.updated_at,
	COALESCE((SELECT array_agg(t.tier_id ORDER BY t.tier_id) FROM subscriber_tiers t WHERE t.subscriber_id = s.id), '{}')
	FROM subscribers s`

// Repository persists subscribers, their tiers and sync state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a subscribers repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSubscriber(row pgx.Row) (*models.Subscriber, error) {
	var s models.Subscriber
	var status string
	err := row.Scan(&s.ID, &s.Identity.Username, &s.Identity.NumericID, &s.Identity.Credential,
		&s.Identity.ReconnectNeeded, &status, &s.Invitation.SentAt, &s.Invitation.PendingSince,
		&s.Invitation.AcceptRetries, &s.Invitation.FollowupScheduledAt, &s.CreatedAt, &s.UpdatedAt, &s.TierIDs)
	if err != nil {
		return nil, err
	}
	s.Invitation.Status = models.InviteStatus(status)
	return &s, nil
}

// Get returns a subscriber with tiers and sync state.
func (r *Repository) Get(ctx context.Context, id int64) (*models.Subscriber, error) {
	s, err := scanSubscriber(r.pool.QueryRow(ctx, selectSubscriber+` WHERE s.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber %d: %w", id, err)
	}
	return s, nil
}

// List returns subscribers ordered by id.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.Subscriber, error) {
	rows, err := r.pool.Query(ctx, selectSubscriber+` ORDER BY s.id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// ListLinkedIDs returns the ids of every subscriber with a linked username.
func (r *Repository) ListLinkedIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM subscribers WHERE github_username IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetTiers replaces the tiers a subscriber holds, creating the subscriber if needed.
func (r *Repository) SetTiers(ctx context.Context, id int64, tierIDs []int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO subscribers (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()`, id); err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM subscriber_tiers WHERE subscriber_id = $1`, id); err != nil {
		return fmt.Errorf("clear tiers: %w", err)
	}
	if len(tierIDs) > 0 {
		const q = `INSERT INTO subscriber_tiers (subscriber_id, tier_id)
			SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`
		if _, err := tx.Exec(ctx, q, id, tierIDs); err != nil {
			return fmt.Errorf("insert tiers: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// SaveLink records a completed authorization and clears reconnect_needed.
func (r *Repository) SaveLink(ctx context.Context, id int64, username string, numericID int64, ciphertext string) error {
	const q = `INSERT INTO subscribers (id, github_username, github_id, token_ciphertext, reconnect_needed)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (id) DO UPDATE SET github_username = EXCLUDED.github_username, github_id = EXCLUDED.github_id,
			token_ciphertext = EXCLUDED.token_ciphertext, reconnect_needed = FALSE, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, id, username, numericID, ciphertext)
	return err
}

// ClearLink forgets the linked account and resets invitation state.
func (r *Repository) ClearLink(ctx context.Context, id int64) error {
	const q = `UPDATE subscribers SET github_username = NULL, github_id = NULL, token_ciphertext = NULL,
		reconnect_needed = FALSE, invite_status = 'none', invite_sent_at = NULL, invite_pending_since = NULL,
		accept_retry_count = 0, followup_scheduled_at = NULL, updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// SetReconnectNeeded flags that the subscriber must re-authorize.
func (r *Repository) SetReconnectNeeded(ctx context.Context, id int64) error {
	const q = `INSERT INTO subscribers (id, reconnect_needed) VALUES ($1, TRUE)
		ON CONFLICT (id) DO UPDATE SET reconnect_needed = TRUE, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// RevokeCredential drops the stored token and flags reconnect. Username and numeric id are kept.
func (r *Repository) RevokeCredential(ctx context.Context, id int64) error {
	const q = `UPDATE subscribers SET token_ciphertext = NULL, reconnect_needed = TRUE, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// MarkInviteSent starts a new invite cycle.
func (r *Repository) MarkInviteSent(ctx context.Context, id int64) error {
	const q = `UPDATE subscribers SET invite_status = 'sent', invite_sent_at = NOW(), invite_pending_since = NULL,
		accept_retry_count = 0, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// MarkPendingForever parks the invitation until the user acts. The first pending timestamp is kept.
func (r *Repository) MarkPendingForever(ctx context.Context, id int64) error {
	const q = `UPDATE subscribers SET invite_status = 'pending_forever',
		invite_pending_since = COALESCE(invite_pending_since, NOW()), updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// MarkAccepted records a confirmed org membership.
func (r *Repository) MarkAccepted(ctx context.Context, id int64) error {
	const q = `UPDATE subscribers SET invite_status = 'accepted', invite_pending_since = NULL,
		accept_retry_count = 0, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// RecordAcceptFailure atomically counts a not-ready accept attempt. Reaching the limit parks the
// invitation as pending_forever.
func (r *Repository) RecordAcceptFailure(ctx context.Context, id int64) (int, models.InviteStatus, error) {
	const q = `UPDATE subscribers SET
		accept_retry_count = LEAST(accept_retry_count + 1, $2),
		invite_status = CASE WHEN accept_retry_count + 1 >= $2 THEN 'pending_forever' ELSE 'accept_retrying' END,
		invite_pending_since = CASE WHEN accept_retry_count + 1 >= $2 THEN COALESCE(invite_pending_since, NOW())
			ELSE invite_pending_since END,
		updated_at = NOW()
		WHERE id = $1
		RETURNING accept_retry_count, invite_status`
	var count int
	var status string
	err := r.pool.QueryRow(ctx, q, id, models.MaxAcceptRetries).Scan(&count, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", err
	}
	return count, models.InviteStatus(status), nil
}

// TryScheduleFollowup sets the follow-up guard if it is free. Returns false when another pass holds it.
func (r *Repository) TryScheduleFollowup(ctx context.Context, id int64) (bool, error) {
	const q = `UPDATE subscribers SET followup_scheduled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND followup_scheduled_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClearFollowup releases the follow-up guard.
func (r *Repository) ClearFollowup(ctx context.Context, id int64) error {
	const q = `UPDATE subscribers SET followup_scheduled_at = NULL, updated_at = NOW()
		WHERE id = $1 AND followup_scheduled_at IS NOT NULL`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// ClearAllFollowups releases every follow-up guard. Used after queued follow-ups are dropped.
func (r *Repository) ClearAllFollowups(ctx context.Context) (int64, error) {
	const q = `UPDATE subscribers SET followup_scheduled_at = NULL, updated_at = NOW()
		WHERE followup_scheduled_at IS NOT NULL`
	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
