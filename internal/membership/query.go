// Package membership reads a subscriber's actual team membership from GitHub, with Redis caches
// for the org team list and for read-path snapshots.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/github"
	"github.com/tiersync/backend/internal/teammap"
)

const (
	orgTeamsPrefix  = "github:org_teams:"
	userTeamsPrefix = "github:user_teams:"
	ownTeamsPrefix  = "github:own_teams:"
)

// API is the subset of the GitHub client used for membership reads.
type API interface {
	ListOrgTeams(ctx context.Context, org string) ([]github.Team, error)
	GetTeamMembership(ctx context.Context, org, slug, username string) (*github.Response, error)
	ListUserTeams(ctx context.Context, subscriberID int64) ([]github.UserTeam, error)
}

// CacheRecorder receives cache hit/miss events.
type CacheRecorder interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

// Snapshot is one observation of a subscriber's membership.
type Snapshot struct {
	Actual   teammap.Set
	AllTeams teammap.Set
}

type cachedSnapshot struct {
	Actual   []string `json:"actual"`
	AllTeams []string `json:"all_teams"`
}

// Query answers membership questions.
type Query struct {
	api      API
	rdb      *redis.Client
	orgTTL   time.Duration
	userTTL  time.Duration
	recorder CacheRecorder
	logger   *zap.Logger
}

// NewQuery creates a membership query.
func NewQuery(api API, rdb *redis.Client, orgTTL, userTTL time.Duration, logger *zap.Logger) *Query {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Query{api: api, rdb: rdb, orgTTL: orgTTL, userTTL: userTTL, logger: logger}
}

// SetRecorder attaches cache metrics.
func (q *Query) SetRecorder(r CacheRecorder) { q.recorder = r }

func (q *Query) hit(cache string) {
	if q.recorder != nil {
		q.recorder.RecordCacheHit(cache)
	}
}

func (q *Query) miss(cache string) {
	if q.recorder != nil {
		q.recorder.RecordCacheMiss(cache)
	}
}

func orgKey(org string) string { return orgTeamsPrefix + strings.ToLower(org) }

func userKey(org, username string) string {
	return userTeamsPrefix + strings.ToLower(org) + ":" + strings.ToLower(username)
}

func ownKey(subscriberID int64, org string) string {
	return ownTeamsPrefix + strconv.FormatInt(subscriberID, 10) + ":" + strings.ToLower(org)
}

// getJSON reads a cached value. A missing key or unreadable entry returns false.
func (q *Query) getJSON(ctx context.Context, key string, v any) bool {
	raw, err := q.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			q.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		q.logger.Warn("cache entry unreadable", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (q *Query) setJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := q.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		q.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// OrgTeams returns the org's teams, from cache when fresh. Two callers refreshing at once
// both write the same value.
func (q *Query) OrgTeams(ctx context.Context, org string) ([]github.Team, error) {
	var teams []github.Team
	if q.getJSON(ctx, orgKey(org), &teams) {
		q.hit("org_teams")
		return teams, nil
	}
	q.miss("org_teams")
	teams, err := q.api.ListOrgTeams(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("list org teams: %w", err)
	}
	q.setJSON(ctx, orgKey(org), teams, q.orgTTL)
	return teams, nil
}

// InvalidateOrg drops the cached team list so the next read refetches it.
func (q *Query) InvalidateOrg(ctx context.Context, org string) error {
	return q.rdb.Del(ctx, orgKey(org)).Err()
}

// ActualTeams checks every org team for username. Only a 200 counts as membership; any other
// outcome besides 404 is logged and treated as not a member. The snapshot is cached for read paths.
func (q *Query) ActualTeams(ctx context.Context, org, username string) (Snapshot, error) {
	teams, err := q.OrgTeams(ctx, org)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Actual: teammap.NewSet(), AllTeams: teammap.NewSet()}
	for _, team := range teams {
		snap.AllTeams.Add(team.Slug)
		resp, err := q.api.GetTeamMembership(ctx, org, team.Slug, username)
		if err != nil {
			if errors.Is(err, github.ErrNotConfigured) {
				return Snapshot{}, err
			}
			q.logger.Warn("membership check failed", zap.String("team", team.Slug), zap.String("username", username), zap.Error(err))
			continue
		}
		switch resp.StatusCode {
		case http.StatusOK:
			snap.Actual.Add(team.Slug)
		case http.StatusNotFound:
		default:
			q.logger.Warn("unexpected membership status", zap.String("team", team.Slug),
				zap.String("username", username), zap.Int("status", resp.StatusCode))
		}
	}
	q.setJSON(ctx, userKey(org, username), cachedSnapshot{Actual: snap.Actual.Sorted(), AllTeams: snap.AllTeams.Sorted()}, q.userTTL)
	return snap, nil
}

// CachedTeams serves read paths: the cached snapshot if present, otherwise a fresh check.
func (q *Query) CachedTeams(ctx context.Context, org, username string) (Snapshot, error) {
	var cached cachedSnapshot
	if q.getJSON(ctx, userKey(org, username), &cached) {
		q.hit("user_teams")
		return Snapshot{Actual: teammap.NewSet(cached.Actual...), AllTeams: teammap.NewSet(cached.AllTeams...)}, nil
	}
	q.miss("user_teams")
	return q.ActualTeams(ctx, org, username)
}

// OwnTeams lists the subscriber's teams in org using their own token. A missing or revoked
// credential yields an empty set.
func (q *Query) OwnTeams(ctx context.Context, subscriberID int64, org string) (teammap.Set, error) {
	var slugs []string
	if q.getJSON(ctx, ownKey(subscriberID, org), &slugs) {
		q.hit("own_teams")
		return teammap.NewSet(slugs...), nil
	}
	q.miss("own_teams")
	teams, err := q.api.ListUserTeams(ctx, subscriberID)
	if err != nil {
		if github.IsCredentialError(err) {
			q.logger.Info("no usable subscriber credential for own teams", zap.Int64("subscriber_id", subscriberID))
			return teammap.NewSet(), nil
		}
		return nil, fmt.Errorf("list user teams: %w", err)
	}
	out := teammap.NewSet()
	for _, t := range teams {
		if strings.EqualFold(t.Organization.Login, org) {
			out.Add(t.Slug)
		}
	}
	q.setJSON(ctx, ownKey(subscriberID, org), out.Sorted(), q.userTTL)
	return out, nil
}

// Invalidate drops cached snapshots for one subscriber.
func (q *Query) Invalidate(ctx context.Context, subscriberID int64, org, username string) error {
	keys := []string{ownKey(subscriberID, org)}
	if username != "" {
		keys = append(keys, userKey(org, username))
	}
	return q.rdb.Del(ctx, keys...).Err()
}
