package subscribers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiersync/backend/internal/models"
)

func TestMemoryAcceptFailureCountsToPendingForever(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveLink(ctx, 1, "octo", 42, "sealed"))
	require.NoError(t, m.MarkInviteSent(ctx, 1))

	want := []struct {
		count  int
		status models.InviteStatus
	}{
		{1, models.InviteAcceptRetrying},
		{2, models.InviteAcceptRetrying},
		{3, models.InvitePendingForever},
		{3, models.InvitePendingForever},
	}
	for i, w := range want {
		count, status, err := m.RecordAcceptFailure(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, w.count, count, "attempt %d", i+1)
		assert.Equal(t, w.status, status, "attempt %d", i+1)
	}

	s, err := m.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, s.Invitation.PendingSince)
	assert.NoError(t, s.Invitation.Validate())

	require.NoError(t, m.MarkAccepted(ctx, 1))
	s, _ = m.Get(ctx, 1)
	assert.Equal(t, models.InviteAccepted, s.Invitation.Status)
	assert.Zero(t, s.Invitation.AcceptRetries)
	assert.Nil(t, s.Invitation.PendingSince)
	assert.NoError(t, s.Invitation.Validate())
}

func TestMemoryFollowupGuard(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put(models.Subscriber{ID: 5})

	ok, err := m.TryScheduleFollowup(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TryScheduleFollowup(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok, "guard already held")

	require.NoError(t, m.ClearFollowup(ctx, 5))
	ok, _ = m.TryScheduleFollowup(ctx, 5)
	assert.True(t, ok)
}

func TestMemoryRevokeKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveLink(ctx, 9, "octo", 42, "sealed"))
	require.NoError(t, m.RevokeCredential(ctx, 9))

	s, err := m.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "octo", s.Identity.Username)
	assert.Equal(t, int64(42), s.Identity.NumericID)
	assert.Empty(t, s.Identity.Credential)
	assert.True(t, s.Identity.ReconnectNeeded)

	require.NoError(t, m.SaveLink(ctx, 9, "octo", 42, "sealed-2"))
	s, _ = m.Get(ctx, 9)
	assert.False(t, s.Identity.ReconnectNeeded)
}

func TestMemorySetTiersAndLinkedIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SetTiers(ctx, 3, []int64{2, 1, 2}))
	require.NoError(t, m.SaveLink(ctx, 2, "b", 2, "x"))
	require.NoError(t, m.SaveLink(ctx, 1, "a", 1, "x"))

	s, err := m.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, s.TierIDs)

	ids, err := m.ListLinkedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	_, err = m.Get(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}
