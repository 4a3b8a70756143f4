// Package settings stores the admin-edited GitHub configuration: sealed owner token, org login
// and tier-to-team mapping.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiersync/backend/internal/models"
)

const (
	keyOwnerToken = "github.owner_token"
	keyOrg        = "github.org"
	keyMappings   = "github.team_mappings"
)

// Repository reads and writes settings rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a settings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Load returns the current settings. Missing keys yield zero values.
func (r *Repository) Load(ctx context.Context) (*models.Settings, error) {
	const q = `SELECT key, value FROM settings WHERE key = ANY($1)`
	rows, err := r.pool.Query(ctx, q, []string{keyOwnerToken, keyOrg, keyMappings})
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()
	raw := make(map[string][]byte, 3)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		raw[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return decode(raw)
}

func decode(raw map[string][]byte) (*models.Settings, error) {
	s := &models.Settings{Mapping: models.TeamMapping{}}
	if v, ok := raw[keyOwnerToken]; ok {
		if err := json.Unmarshal(v, &s.OwnerToken); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keyOwnerToken, err)
		}
	}
	if v, ok := raw[keyOrg]; ok {
		if err := json.Unmarshal(v, &s.Org); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keyOrg, err)
		}
	}
	if v, ok := raw[keyMappings]; ok {
		if err := json.Unmarshal(v, &s.Mapping); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keyMappings, err)
		}
	}
	return s, nil
}

func (r *Repository) put(ctx context.Context, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	const q = `INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	_, err = r.pool.Exec(ctx, q, key, body)
	return err
}

// SetOwnerToken stores the sealed owner token.
func (r *Repository) SetOwnerToken(ctx context.Context, ciphertext string) error {
	return r.put(ctx, keyOwnerToken, ciphertext)
}

// SetOrg stores the org login.
func (r *Repository) SetOrg(ctx context.Context, org string) error {
	return r.put(ctx, keyOrg, org)
}

// SetMapping replaces the tier-to-team mapping.
func (r *Repository) SetMapping(ctx context.Context, mapping models.TeamMapping) error {
	if mapping == nil {
		mapping = models.TeamMapping{}
	}
	return r.put(ctx, keyMappings, mapping)
}

// Memory keeps settings in process. Used by tests.
type Memory struct {
	mu  sync.Mutex
	raw map[string][]byte
}

// NewMemory creates empty in-memory settings.
func NewMemory() *Memory {
	return &Memory{raw: make(map[string][]byte)}
}

func (m *Memory) Load(context.Context) (*models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decode(m.raw)
}

func (m *Memory) put(key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[key] = body
	return nil
}

func (m *Memory) SetOwnerToken(_ context.Context, ciphertext string) error {
	return m.put(keyOwnerToken, ciphertext)
}

func (m *Memory) SetOrg(_ context.Context, org string) error { return m.put(keyOrg, org) }

func (m *Memory) SetMapping(_ context.Context, mapping models.TeamMapping) error {
	if mapping == nil {
		mapping = models.TeamMapping{}
	}
	return m.put(keyMappings, mapping)
}
