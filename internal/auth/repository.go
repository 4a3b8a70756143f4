package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrOperatorNotFound is returned when no operator has the email.
var ErrOperatorNotFound = errors.New("operator not found")

// Operator is an admin account for the settings and sync endpoints.
type Operator struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository handles operator persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByEmail returns an operator by email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*Operator, error) {
	const q = `SELECT id, email, password_hash, created_at FROM operators WHERE email = $1`
	var o Operator
	err := r.pool.QueryRow(ctx, q, strings.ToLower(email)).Scan(&o.ID, &o.Email, &o.PasswordHash, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOperatorNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Upsert creates the operator or replaces its password hash.
func (r *Repository) Upsert(ctx context.Context, email, passwordHash string) error {
	const q = `INSERT INTO operators (id, email, password_hash) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, uuid.New(), strings.ToLower(email), passwordHash)
	return err
}
