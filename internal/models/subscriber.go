package models

import (
	"errors"
	"fmt"
	"time"
)

// MaxAcceptRetries bounds accept attempts per invite cycle.
const MaxAcceptRetries = 3

// InviteStatus is the state of the org-invitation sub-flow.
type InviteStatus string

const (
	InviteNone           InviteStatus = "none"
	InviteSent           InviteStatus = "sent"
	InviteAcceptRetrying InviteStatus = "accept_retrying"
	InviteAccepted       InviteStatus = "accepted"
	InvitePendingForever InviteStatus = "pending_forever"
)

// Valid reports whether s is a known status.
func (s InviteStatus) Valid() bool {
	switch s {
	case InviteNone, InviteSent, InviteAcceptRetrying, InviteAccepted, InvitePendingForever:
		return true
	}
	return false
}

// ErrInvalidInvitationState is returned by InvitationState.Validate.
var ErrInvalidInvitationState = errors.New("invalid invitation state")

// InvitationState tracks the org invitation handshake for one subscriber.
type InvitationState struct {
	Status              InviteStatus `json:"status"`
	SentAt              *time.Time   `json:"sent_at,omitempty"`
	PendingSince        *time.Time   `json:"pending_since,omitempty"`
	AcceptRetries       int          `json:"accept_retries"`
	FollowupScheduledAt *time.Time   `json:"followup_scheduled_at,omitempty"`
}

// Validate rejects combinations no transition can produce.
func (s InvitationState) Validate() error {
	switch {
	case !s.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInvitationState, s.Status)
	case s.AcceptRetries < 0 || s.AcceptRetries > MaxAcceptRetries:
		return fmt.Errorf("%w: accept retries %d out of range", ErrInvalidInvitationState, s.AcceptRetries)
	case s.Status == InviteAccepted && s.AcceptRetries != 0:
		return fmt.Errorf("%w: accepted with %d retries", ErrInvalidInvitationState, s.AcceptRetries)
	case s.Status == InviteAccepted && s.PendingSince != nil:
		return fmt.Errorf("%w: accepted while pending", ErrInvalidInvitationState)
	case s.Status == InviteAcceptRetrying && s.AcceptRetries == 0:
		return fmt.Errorf("%w: retrying without a failed attempt", ErrInvalidInvitationState)
	case s.Status == InvitePendingForever && s.PendingSince == nil:
		return fmt.Errorf("%w: pending without timestamp", ErrInvalidInvitationState)
	}
	return nil
}

// PendingWithin reports whether the invitation is stuck waiting on the user and the
// pending mark is younger than window.
func (s InvitationState) PendingWithin(now time.Time, window time.Duration) bool {
	return s.Status == InvitePendingForever && s.PendingSince != nil && now.Sub(*s.PendingSince) < window
}

// LinkedIdentity is the durable link between a subscriber and their platform account.
type LinkedIdentity struct {
	Username        string `json:"username,omitempty"`
	NumericID       int64  `json:"numeric_id,omitempty"`
	Credential      string `json:"-"` // sealed access token; empty means no usable token
	ReconnectNeeded bool   `json:"reconnect_needed"`
}

// Linked reports whether the subscriber has completed authorization at least once.
func (l LinkedIdentity) Linked() bool {
	return l.Username != ""
}

// Subscriber is an account in the subscription system with its sync state.
type Subscriber struct {
	ID         int64           `json:"id"`
	TierIDs    []int64         `json:"tier_ids"`
	Identity   LinkedIdentity  `json:"identity"`
	Invitation InvitationState `json:"invitation"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
