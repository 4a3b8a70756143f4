package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const pageSize = 100

// Team is an org team.
type Team struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// UserTeam is a team the authenticated user belongs to.
type UserTeam struct {
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	Organization struct {
		Login string `json:"login"`
	} `json:"organization"`
}

// User is the authenticated account.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Email string `json:"email,omitempty"`
}

// Org is an organization summary.
type Org struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Name  string `json:"name,omitempty"`
}

func membershipPath(org, slug, username string) string {
	return fmt.Sprintf("/orgs/%s/teams/%s/memberships/%s", url.PathEscape(org), url.PathEscape(slug), url.PathEscape(username))
}

// ListOrgTeams returns every team in org, following pages of 100.
func (c *Client) ListOrgTeams(ctx context.Context, org string) ([]Team, error) {
	var all []Team
	for page := 1; ; page++ {
		path := fmt.Sprintf("/orgs/%s/teams?per_page=%d&page=%d", url.PathEscape(org), pageSize, page)
		resp, err := c.Do(ctx, http.MethodGet, path, nil, Owner())
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Op: "list org teams", Status: resp.StatusCode, Body: snippet(resp.Body)}
		}
		var teams []Team
		if err := resp.Decode(&teams); err != nil {
			return nil, err
		}
		all = append(all, teams...)
		if len(teams) < pageSize {
			return all, nil
		}
	}
}

// GetTeamMembership checks one team membership as the owner. 200 member, 404 not.
func (c *Client) GetTeamMembership(ctx context.Context, org, slug, username string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, membershipPath(org, slug, username), nil, Owner())
}

// PutTeamMembership adds username to a team as a plain member.
func (c *Client) PutTeamMembership(ctx context.Context, org, slug, username string) (*Response, error) {
	return c.Do(ctx, http.MethodPut, membershipPath(org, slug, username), map[string]string{"role": "member"}, Owner())
}

// DeleteTeamMembership removes username from a team. The org membership is left alone.
func (c *Client) DeleteTeamMembership(ctx context.Context, org, slug, username string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, membershipPath(org, slug, username), nil, Owner())
}

// CreateOrgInvitation invites an account by numeric id as a direct member.
func (c *Client) CreateOrgInvitation(ctx context.Context, org string, inviteeID int64) (*Response, error) {
	body := map[string]any{"invitee_id": inviteeID, "role": "direct_member"}
	return c.Do(ctx, http.MethodPost, fmt.Sprintf("/orgs/%s/invitations", url.PathEscape(org)), body, Owner())
}

// AcceptOrgMembership activates a pending org membership on the subscriber's behalf.
func (c *Client) AcceptOrgMembership(ctx context.Context, org string, subscriberID int64) (*Response, error) {
	path := fmt.Sprintf("/user/memberships/orgs/%s", url.PathEscape(org))
	return c.Do(ctx, http.MethodPatch, path, map[string]string{"state": "active"}, AsSubscriber(subscriberID))
}

// ListUserTeams returns the subscriber's own teams across all orgs.
func (c *Client) ListUserTeams(ctx context.Context, subscriberID int64) ([]UserTeam, error) {
	var all []UserTeam
	for page := 1; ; page++ {
		resp, err := c.Do(ctx, http.MethodGet, fmt.Sprintf("/user/teams?per_page=%d&page=%d", pageSize, page), nil, AsSubscriber(subscriberID))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Op: "list user teams", Status: resp.StatusCode, Body: snippet(resp.Body)}
		}
		var teams []UserTeam
		if err := resp.Decode(&teams); err != nil {
			return nil, err
		}
		all = append(all, teams...)
		if len(teams) < pageSize {
			return all, nil
		}
	}
}

// GetAuthenticatedUser returns the account behind auth.
func (c *Client) GetAuthenticatedUser(ctx context.Context, auth Auth) (*User, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/user", nil, auth)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "get user", Status: resp.StatusCode, Body: snippet(resp.Body)}
	}
	var u User
	if err := resp.Decode(&u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetOrg fetches org as the owner. Used to test the stored connection.
func (c *Client) GetOrg(ctx context.Context, org string) (*Org, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/orgs/"+url.PathEscape(org), nil, Owner())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "get org", Status: resp.StatusCode, Body: snippet(resp.Body)}
	}
	var o Org
	if err := resp.Decode(&o); err != nil {
		return nil, err
	}
	return &o, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
