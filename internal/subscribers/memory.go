package subscribers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tiersync/backend/internal/models"
)

// Memory is an in-process store with the same semantics as Repository. Used by tests and
// single-node development runs.
type Memory struct {
	mu   sync.Mutex
	subs map[int64]*models.Subscriber
	now  func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int64]*models.Subscriber), now: time.Now}
}

// Put stores a copy of s, replacing any existing subscriber with the same id.
func (m *Memory) Put(s models.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := clone(&s)
	m.subs[s.ID] = cp
}

func clone(s *models.Subscriber) *models.Subscriber {
	cp := *s
	cp.TierIDs = append([]int64(nil), s.TierIDs...)
	return &cp
}

// lockedGet returns the live record, creating it if create is set. Caller holds mu.
func (m *Memory) lockedGet(id int64, create bool) *models.Subscriber {
	s, ok := m.subs[id]
	if !ok && create {
		now := m.now()
		s = &models.Subscriber{ID: id, Invitation: models.InvitationState{Status: models.InviteNone}, CreatedAt: now}
		m.subs[id] = s
	}
	if s != nil {
		s.UpdatedAt = m.now()
	}
	return s
}

func (m *Memory) Get(_ context.Context, id int64) (*models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Memory) List(_ context.Context, limit, offset int) ([]models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []models.Subscriber
	for i, id := range ids {
		if i < offset {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, *clone(m.subs[id]))
	}
	return out, nil
}

func (m *Memory) ListLinkedIDs(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, s := range m.subs {
		if s.Identity.Linked() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) SetTiers(_ context.Context, id int64, tierIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lockedGet(id, true)
	seen := make(map[int64]bool, len(tierIDs))
	s.TierIDs = s.TierIDs[:0]
	for _, t := range tierIDs {
		if !seen[t] {
			seen[t] = true
			s.TierIDs = append(s.TierIDs, t)
		}
	}
	sort.Slice(s.TierIDs, func(i, j int) bool { return s.TierIDs[i] < s.TierIDs[j] })
	return nil
}

func (m *Memory) SaveLink(_ context.Context, id int64, username string, numericID int64, ciphertext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lockedGet(id, true)
	s.Identity = models.LinkedIdentity{Username: username, NumericID: numericID, Credential: ciphertext}
	return nil
}

func (m *Memory) ClearLink(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.lockedGet(id, false); s != nil {
		s.Identity = models.LinkedIdentity{}
		s.Invitation = models.InvitationState{Status: models.InviteNone}
	}
	return nil
}

func (m *Memory) SetReconnectNeeded(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockedGet(id, true).Identity.ReconnectNeeded = true
	return nil
}

func (m *Memory) RevokeCredential(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.lockedGet(id, false); s != nil {
		s.Identity.Credential = ""
		s.Identity.ReconnectNeeded = true
	}
	return nil
}

func (m *Memory) MarkInviteSent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.lockedGet(id, false); s != nil {
		now := m.now()
		s.Invitation.Status = models.InviteSent
		s.Invitation.SentAt = &now
		s.Invitation.PendingSince = nil
		s.Invitation.AcceptRetries = 0
	}
	return nil
}

func (m *Memory) MarkPendingForever(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.lockedGet(id, false); s != nil {
		s.Invitation.Status = models.InvitePendingForever
		if s.Invitation.PendingSince == nil {
			now := m.now()
			s.Invitation.PendingSince = &now
		}
	}
	return nil
}

func (m *Memory) MarkAccepted(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.lockedGet(id, false); s != nil {
		s.Invitation.Status = models.InviteAccepted
		s.Invitation.PendingSince = nil
		s.Invitation.AcceptRetries = 0
	}
	return nil
}

func (m *Memory) RecordAcceptFailure(_ context.Context, id int64) (int, models.InviteStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lockedGet(id, false)
	if s == nil {
		return 0, "", ErrNotFound
	}
	next := s.Invitation.AcceptRetries + 1
	if next >= models.MaxAcceptRetries {
		s.Invitation.AcceptRetries = models.MaxAcceptRetries
		s.Invitation.Status = models.InvitePendingForever
		if s.Invitation.PendingSince == nil {
			now := m.now()
			s.Invitation.PendingSince = &now
		}
	} else {
		s.Invitation.AcceptRetries = next
		s.Invitation.Status = models.InviteAcceptRetrying
	}
	return s.Invitation.AcceptRetries, s.Invitation.Status, nil
}

func (m *Memory) TryScheduleFollowup(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lockedGet(id, false)
	if s == nil || s.Invitation.FollowupScheduledAt != nil {
		return false, nil
	}
	now := m.now()
	s.Invitation.FollowupScheduledAt = &now
	return true, nil
}

func (m *Memory) ClearFollowup(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.lockedGet(id, false); s != nil {
		s.Invitation.FollowupScheduledAt = nil
	}
	return nil
}

func (m *Memory) ClearAllFollowups(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.subs {
		if s.Invitation.FollowupScheduledAt != nil {
			s.Invitation.FollowupScheduledAt = nil
			s.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}
