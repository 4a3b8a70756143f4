// Package github is the single gateway for GitHub REST calls. It authenticates as the
// org owner or as a subscriber, retries a 5xx once, and revokes subscriber tokens on 401.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tiersync/backend/config"
)

type authMode int

const (
	modeOwner authMode = iota
	modeSubscriber
	modeToken
)

func (m authMode) String() string {
	switch m {
	case modeSubscriber:
		return "subscriber"
	case modeToken:
		return "token"
	}
	return "owner"
}

// Auth selects the credential a request is made with.
type Auth struct {
	mode         authMode
	subscriberID int64
	token        string
}

// Owner authenticates with the stored org-owner token.
func Owner() Auth { return Auth{mode: modeOwner} }

// AsSubscriber authenticates with the subscriber's own token.
func AsSubscriber(id int64) Auth { return Auth{mode: modeSubscriber, subscriberID: id} }

// WithToken authenticates with a token that is not stored yet (OAuth completion).
func WithToken(token string) Auth { return Auth{mode: modeToken, token: token} }

// TokenSource hands out decrypted tokens. An empty token means none is configured.
type TokenSource interface {
	OwnerToken(ctx context.Context) (string, error)
	SubscriberToken(ctx context.Context, subscriberID int64) (string, error)
	RevokeSubscriber(ctx context.Context, subscriberID int64) error
}

// Observer is notified of every completed API call.
type Observer interface {
	ObserveAPICall(mode string, status int)
}

// Response is a completed call with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Pending reports whether the body carries "state": "pending".
func (r *Response) Pending() bool {
	var body struct {
		State string `json:"state"`
	}
	if len(r.Body) == 0 || json.Unmarshal(r.Body, &body) != nil {
		return false
	}
	return body.State == "pending"
}

// Client calls the GitHub REST API.
type Client struct {
	baseURL    string
	userAgent  string
	retryDelay time.Duration
	httpClient *http.Client
	tokens     TokenSource
	observer   Observer
	logger     *zap.Logger
}

// NewClient creates an API client.
func NewClient(cfg config.GitHubConfig, tokens TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "TierSync-GitHub/1.0"
	}
	return &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		retryDelay: cfg.RetryDelay(),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     logger,
	}
}

// SetObserver attaches a metrics observer.
func (c *Client) SetObserver(o Observer) { c.observer = o }

// Do sends one request. Statuses other than 5xx and subscriber 401 are returned for the caller to classify.
func (c *Client) Do(ctx context.Context, method, path string, body any, auth Auth) (*Response, error) {
	token, err := c.token(ctx, auth)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	resp, err := c.send(ctx, method, path, payload, token, auth)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		c.logger.Warn("github server error, retrying once",
			zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		if err := sleepContext(ctx, c.retryDelay); err != nil {
			return nil, &NetworkError{Method: method, Path: path, Err: err}
		}
		resp, err = c.send(ctx, method, path, payload, token, auth)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, &ServerError{Method: method, Path: path, Status: resp.StatusCode}
		}
	}

	if resp.StatusCode == http.StatusUnauthorized && auth.mode == modeSubscriber {
		c.logger.Warn("subscriber token rejected, revoking", zap.Int64("subscriber_id", auth.subscriberID))
		if err := c.tokens.RevokeSubscriber(ctx, auth.subscriberID); err != nil {
			c.logger.Error("revoke subscriber credential failed", zap.Int64("subscriber_id", auth.subscriberID), zap.Error(err))
		}
		return nil, ErrCredentialRevoked
	}
	return resp, nil
}

func (c *Client) token(ctx context.Context, auth Auth) (string, error) {
	switch auth.mode {
	case modeToken:
		if auth.token == "" {
			return "", ErrNoCredential
		}
		return auth.token, nil
	case modeSubscriber:
		tok, err := c.tokens.SubscriberToken(ctx, auth.subscriberID)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", ErrNoCredential
		}
		return tok, nil
	default:
		tok, err := c.tokens.OwnerToken(ctx)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", ErrNotConfigured
		}
		return tok, nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string, auth Auth) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(auth, 0)
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.observe(auth, 0)
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	c.observe(auth, httpResp.StatusCode)
	c.logger.Debug("github call",
		zap.String("method", method), zap.String("path", path),
		zap.String("auth", auth.mode.String()), zap.Int("status", httpResp.StatusCode))
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: respBody}, nil
}

func (c *Client) observe(auth Auth, status int) {
	if c.observer != nil {
		c.observer.ObserveAPICall(auth.mode.String(), status)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
