package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiersync/backend/config"
	"github.com/tiersync/backend/internal/github"
	"github.com/tiersync/backend/internal/invitation"
	"github.com/tiersync/backend/internal/membership"
	"github.com/tiersync/backend/internal/models"
	"github.com/tiersync/backend/internal/settings"
	"github.com/tiersync/backend/internal/subscribers"
	"github.com/tiersync/backend/pkg/queue"
)

// fakeGitHub emulates the org, team and invitation endpoints for one org.
type fakeGitHub struct {
	mu           sync.Mutex
	teams        []string
	members      map[string]map[string]bool
	putStatus    map[string]int
	putBody      map[string]string
	deleteStatus map[string]int
	inviteStatus int
	dropped      map[string]bool
	mutations    []string
}

func newFakeGitHub(teams ...string) *fakeGitHub {
	return &fakeGitHub{
		teams:        teams,
		members:      map[string]map[string]bool{},
		putStatus:    map[string]int{},
		putBody:      map[string]string{},
		deleteStatus: map[string]int{},
		inviteStatus: http.StatusCreated,
		dropped:      map[string]bool{},
	}
}

func (f *fakeGitHub) addMember(team, user string) {
	if f.members[team] == nil {
		f.members[team] = map[string]bool{}
	}
	f.members[team][user] = true
}

func (f *fakeGitHub) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mutations)
}

// drop closes the connection without a response when the mutation is marked dropped.
func (f *fakeGitHub) drop(t *testing.T, w http.ResponseWriter, mutation string) bool {
	if !f.dropped[mutation] {
		return false
	}
	conn, _, err := w.(http.Hijacker).Hijack()
	if assert.NoError(t, err) {
		_ = conn.Close()
	}
	return true
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /orgs/{org}/teams", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := make([]github.Team, 0, len(f.teams))
		for i, slug := range f.teams {
			out = append(out, github.Team{ID: int64(i + 1), Slug: slug})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /orgs/{org}/teams/{slug}/memberships/{user}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.members[r.PathValue("slug")][r.PathValue("user")] {
			_, _ = w.Write([]byte(`{"state":"active","role":"member"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("PUT /orgs/{org}/teams/{slug}/memberships/{user}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		slug := r.PathValue("slug")
		f.mutations = append(f.mutations, "PUT "+slug)
		if status, ok := f.putStatus[slug]; ok {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(f.putBody[slug]))
			return
		}
		f.addMember(slug, r.PathValue("user"))
		_, _ = w.Write([]byte(`{"state":"active","role":"member"}`))
	})
	mux.HandleFunc("DELETE /orgs/{org}/teams/{slug}/memberships/{user}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		slug := r.PathValue("slug")
		f.mutations = append(f.mutations, "DELETE "+slug)
		if f.drop(t, w, "DELETE "+slug) {
			return
		}
		if status, ok := f.deleteStatus[slug]; ok {
			w.WriteHeader(status)
			return
		}
		delete(f.members[slug], r.PathValue("user"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /orgs/{org}/invitations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.mutations = append(f.mutations, "INVITE")
		if f.drop(t, w, "INVITE") {
			return
		}
		w.WriteHeader(f.inviteStatus)
	})
	return mux
}

type staticTokens struct{ owner string }

func (s staticTokens) OwnerToken(context.Context) (string, error)             { return s.owner, nil }
func (s staticTokens) SubscriberToken(context.Context, int64) (string, error) { return "", nil }
func (s staticTokens) RevokeSubscriber(context.Context, int64) error          { return nil }

type job struct {
	name  queue.JobName
	delay time.Duration
	group string
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []job
}

func (q *fakeQueue) EnqueueNow(_ context.Context, name queue.JobName, _ any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job{name: name})
	return nil
}

func (q *fakeQueue) EnqueueAfter(_ context.Context, delay time.Duration, name queue.JobName, _ any, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job{name: name, delay: delay, group: group})
	return nil
}

func (q *fakeQueue) count(name queue.JobName) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.name == name {
			n++
		}
	}
	return n
}

type harness struct {
	engine *Engine
	gh     *fakeGitHub
	subs   *subscribers.Memory
	cfg    *settings.Memory
	queue  *fakeQueue
	query  *membership.Query
}

func newHarness(t *testing.T, gh *fakeGitHub, mapping models.TeamMapping) *harness {
	t.Helper()
	ctx := context.Background()
	srv := httptest.NewServer(gh.handler(t))
	t.Cleanup(srv.Close)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := github.NewClient(config.GitHubConfig{APIBaseURL: srv.URL, TimeoutSec: 5, RetryDelayMS: 1}, staticTokens{owner: "owner"}, nil)
	subs := subscribers.NewMemory()
	cfg := settings.NewMemory()
	require.NoError(t, cfg.SetOrg(ctx, "acme"))
	require.NoError(t, cfg.SetMapping(ctx, mapping))
	q := &fakeQueue{}
	query := membership.NewQuery(client, rdb, 10*time.Minute, 5*time.Minute, nil)
	flow := invitation.NewFlow(subs, client, q, cfg, nil)
	return &harness{
		engine: NewEngine(subs, client, query, flow, q, cfg, time.Minute, nil),
		gh:     gh,
		subs:   subs,
		cfg:    cfg,
		queue:  q,
		query:  query,
	}
}

func (h *harness) link(t *testing.T, id int64, username string, tiers ...int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.subs.SetTiers(ctx, id, tiers))
	require.NoError(t, h.subs.SaveLink(ctx, id, username, 1000+id, "sealed"))
}

func TestClassifyAdd(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   Outcome
	}{
		{http.StatusOK, `{"state":"active"}`, OutcomeAdded},
		{http.StatusCreated, ``, OutcomeAdded},
		{http.StatusOK, `{"state":"pending"}`, OutcomePending},
		{http.StatusCreated, `{"state":"pending"}`, OutcomePending},
		{http.StatusAccepted, ``, OutcomePending},
		{http.StatusNotFound, ``, OutcomeNeedsInvite},
		{http.StatusConflict, ``, OutcomeNeedsInvite},
		{http.StatusUnprocessableEntity, ``, OutcomeNeedsInvite},
		{http.StatusForbidden, ``, OutcomeFailed},
		{http.StatusTooManyRequests, ``, OutcomeFailed},
	}
	for _, tt := range tests {
		got := ClassifyAdd(&github.Response{StatusCode: tt.status, Body: []byte(tt.body)})
		assert.Equal(t, tt.want, got, "status %d body %q", tt.status, tt.body)
	}
}

func TestReconcileAddsMissingTeam(t *testing.T) {
	gh := newFakeGitHub("team-a", "team-b")
	gh.addMember("team-a", "octo")
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a", "team-b"}})
	h.link(t, 1, "octo", 1)

	res, err := h.engine.Reconcile(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-b"}, res.Added)
	assert.Empty(t, res.Removed)
	assert.False(t, res.InviteTriggered)
	assert.False(t, res.FollowupScheduled)
	assert.Equal(t, []string{"PUT team-b"}, gh.mutations)
	assert.Empty(t, h.queue.jobs)
}

func TestReconcileIsIdempotent(t *testing.T) {
	gh := newFakeGitHub("team-a", "team-b", "team-c")
	gh.addMember("team-c", "octo")
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a", "team-b"}, 2: {"team-c"}})
	h.link(t, 1, "octo", 1)
	ctx := context.Background()

	_, err := h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	first := gh.mutationCount()
	assert.Equal(t, 3, first, "two adds and one removal")

	res, err := h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first, gh.mutationCount(), "second pass issues no mutating calls")
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)
}

func TestReconcileDowngradeRemovesAll(t *testing.T) {
	gh := newFakeGitHub("team-a", "team-b")
	gh.addMember("team-a", "octo")
	gh.addMember("team-b", "octo")
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a", "team-b"}})
	h.link(t, 1, "octo")

	res, err := h.engine.Reconcile(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a", "team-b"}, res.Removed)
	assert.Empty(t, res.Added)
	assert.False(t, res.InviteTriggered)
	assert.Equal(t, []string{"DELETE team-a", "DELETE team-b"}, gh.mutations)
}

func TestReconcileLeavesUnmappedTeams(t *testing.T) {
	gh := newFakeGitHub("team-a", "core")
	gh.addMember("core", "octo")
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a"}})
	h.link(t, 1, "octo", 1)

	res, err := h.engine.Reconcile(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a"}, res.Added)
	assert.Empty(t, res.Removed)
	assert.Equal(t, []string{"PUT team-a"}, gh.mutations)
}

func TestReconcileNeedsInviteSchedulesFollowup(t *testing.T) {
	gh := newFakeGitHub("team-a", "team-b")
	gh.putStatus["team-a"] = http.StatusNotFound
	gh.putStatus["team-b"] = http.StatusNotFound
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a", "team-b"}})
	h.link(t, 1, "octo", 1)
	ctx := context.Background()

	res, err := h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.InviteTriggered)
	assert.True(t, res.FollowupScheduled)
	assert.Equal(t, []string{"team-a", "team-b"}, res.NeedsInvite)
	assert.Equal(t, []string{"PUT team-a", "INVITE", "PUT team-b"}, gh.mutations, "one invite per pass")

	sub, err := h.subs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.InviteSent, sub.Invitation.Status)
	assert.NotNil(t, sub.Invitation.SentAt)
	assert.NotNil(t, sub.Invitation.FollowupScheduledAt)
	assert.Equal(t, []job{
		{name: queue.JobAcceptInvite},
		{name: queue.JobReconcileOne, delay: time.Minute, group: followupGroup},
	}, h.queue.jobs)

	res, err = h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.FollowupScheduled, "guard already held")
	assert.Equal(t, 1, h.queue.count(queue.JobReconcileOne))
}

func TestReconcileClearsGuardOnceConverged(t *testing.T) {
	gh := newFakeGitHub("team-a")
	gh.putStatus["team-a"] = http.StatusNotFound
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a"}})
	h.link(t, 1, "octo", 1)
	ctx := context.Background()

	_, err := h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)

	delete(gh.putStatus, "team-a")
	res, err := h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a"}, res.Added)

	sub, _ := h.subs.Get(ctx, 1)
	assert.Nil(t, sub.Invitation.FollowupScheduledAt)
}

func TestReconcilePendingQueuesAcceptOnce(t *testing.T) {
	gh := newFakeGitHub("team-a", "team-b")
	gh.putStatus["team-a"] = http.StatusAccepted
	gh.putStatus["team-b"] = http.StatusOK
	gh.putBody["team-b"] = `{"state":"pending"}`
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a", "team-b"}})
	h.link(t, 1, "octo", 1)

	res, err := h.engine.Reconcile(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a", "team-b"}, res.Pending)
	assert.True(t, res.FollowupScheduled)
	assert.Equal(t, 1, h.queue.count(queue.JobAcceptInvite))
	assert.NotContains(t, gh.mutations, "INVITE")
}

func TestReconcileHardErrorDoesNotBlockOtherTeams(t *testing.T) {
	gh := newFakeGitHub("team-a", "team-b")
	gh.putStatus["team-a"] = http.StatusForbidden
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a", "team-b"}})
	h.link(t, 1, "octo", 1)

	res, err := h.engine.Reconcile(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a"}, res.Failed)
	assert.Equal(t, []string{"team-b"}, res.Added)
	assert.False(t, res.InviteTriggered)
}

func TestReconcileNotLinked(t *testing.T) {
	gh := newFakeGitHub("team-a")
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a"}})
	ctx := context.Background()
	require.NoError(t, h.subs.SetTiers(ctx, 1, []int64{1}))

	_, err := h.engine.Reconcile(ctx, 1)
	require.ErrorIs(t, err, ErrNotLinked)
	sub, _ := h.subs.Get(ctx, 1)
	assert.True(t, sub.Identity.ReconnectNeeded)
	assert.Empty(t, gh.mutations)
}

func TestReconcileWithoutOrg(t *testing.T) {
	gh := newFakeGitHub()
	h := newHarness(t, gh, nil)
	h.link(t, 1, "octo", 1)
	require.NoError(t, h.cfg.SetOrg(context.Background(), ""))

	_, err := h.engine.Reconcile(context.Background(), 1)
	assert.ErrorIs(t, err, github.ErrNotConfigured)
}

func TestDisconnectRemovesMappedTeamsOnly(t *testing.T) {
	gh := newFakeGitHub("team-a", "core")
	gh.addMember("team-a", "octo")
	gh.addMember("core", "octo")
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a"}})
	h.link(t, 1, "octo", 1)
	ctx := context.Background()

	require.NoError(t, h.engine.Disconnect(ctx, 1))
	assert.Equal(t, []string{"DELETE team-a"}, gh.mutations)

	sub, err := h.subs.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, sub.Identity.Linked())
	assert.Empty(t, sub.Identity.Credential)
	assert.Equal(t, models.InviteNone, sub.Invitation.Status)
}

func TestReconcileInviteTransportFailureStillSchedulesFollowup(t *testing.T) {
	gh := newFakeGitHub("team-a")
	gh.putStatus["team-a"] = http.StatusNotFound
	gh.dropped["INVITE"] = true
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a"}})
	h.link(t, 1, "octo", 1)
	ctx := context.Background()

	res, err := h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a"}, res.NeedsInvite)
	assert.Equal(t, []string{"team-a"}, res.Failed)
	assert.True(t, res.InviteTriggered)
	assert.True(t, res.FollowupScheduled)
	assert.Equal(t, []job{{name: queue.JobReconcileOne, delay: time.Minute, group: followupGroup}}, h.queue.jobs)

	sub, err := h.subs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.InviteNone, sub.Invitation.Status, "failed invite leaves the state alone")
	assert.NotNil(t, sub.Invitation.FollowupScheduledAt)

	delete(gh.dropped, "INVITE")
	res, err = h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 1, h.queue.count(queue.JobAcceptInvite), "follow-up pass sends the invite")
}

func TestReconcileWithoutNumericIDSchedulesOneFollowup(t *testing.T) {
	gh := newFakeGitHub("team-a")
	gh.putStatus["team-a"] = http.StatusNotFound
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a"}})
	ctx := context.Background()
	require.NoError(t, h.subs.SetTiers(ctx, 1, []int64{1}))
	require.NoError(t, h.subs.SaveLink(ctx, 1, "octo", 0, "sealed"))

	res, err := h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.True(t, res.InviteTriggered)
	assert.True(t, res.FollowupScheduled)
	assert.NotContains(t, gh.mutations, "INVITE")

	res, err = h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.FollowupScheduled, "guard bounds follow-ups to one")
	assert.Equal(t, 1, h.queue.count(queue.JobReconcileOne))
}

func TestReconcileRemovalFailuresDoNotStopPass(t *testing.T) {
	tests := []struct {
		name   string
		status int
		drop   bool
	}{
		{name: "server error", status: http.StatusBadGateway},
		{name: "forbidden", status: http.StatusForbidden},
		{name: "transport error", drop: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gh := newFakeGitHub("team-a", "team-b", "team-c", "team-d")
			gh.addMember("team-a", "octo")
			gh.addMember("team-b", "octo")
			if tt.drop {
				gh.dropped["DELETE team-a"] = true
			} else {
				gh.deleteStatus["team-a"] = tt.status
			}
			h := newHarness(t, gh, models.TeamMapping{1: {"team-a", "team-b"}, 2: {"team-c", "team-d"}})
			h.link(t, 1, "octo", 2)

			res, err := h.engine.Reconcile(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, []string{"team-a"}, res.Failed)
			assert.Equal(t, []string{"team-b"}, res.Removed)
			assert.Equal(t, []string{"team-c", "team-d"}, res.Added)
			assert.Contains(t, gh.mutations, "DELETE team-b")
		})
	}
}

func TestReconcileRefreshesCachedMembership(t *testing.T) {
	gh := newFakeGitHub("team-a", "team-b")
	gh.addMember("team-a", "octo")
	h := newHarness(t, gh, models.TeamMapping{1: {"team-a"}, 2: {"team-b"}})
	h.link(t, 1, "octo", 2)
	ctx := context.Background()

	res, err := h.engine.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-b"}, res.Added)
	assert.Equal(t, []string{"team-a"}, res.Removed)

	snap, err := h.query.CachedTeams(ctx, "acme", "octo")
	require.NoError(t, err)
	assert.Equal(t, []string{"team-b"}, snap.Actual.Sorted())
}
