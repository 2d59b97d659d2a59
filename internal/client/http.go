// Package client wraps the backend REST API: authentication, profile and
// invite endpoints, bearer credential injection and the single
// refresh-and-retry policy on 401.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/visitgate/internal/errs"
	"github.com/and161185/visitgate/internal/repository"
)

// Options configures a Client.
type Options struct {
	BaseURL          string
	HTTPClient       *http.Client
	Validity         time.Duration // access token lifetime fallback
	RefreshThreshold time.Duration // renew when remaining < threshold
	Logger           *zap.Logger
	Now              func() time.Time
}

// Client talks to the backend. One Client serves both the auth and the
// invite endpoint families.
type Client struct {
	base             *url.URL
	http             *http.Client
	repo             repository.SessionRepository
	log              *zap.Logger
	validity         time.Duration
	refreshThreshold time.Duration
	now              func() time.Time
}

// New constructs a Client bound to a session repository.
func New(repo repository.SessionRepository, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = 7 * 24 * time.Hour
	}
	threshold := opts.RefreshThreshold
	if threshold <= 0 {
		threshold = 2 * 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		base:             base,
		http:             hc,
		repo:             repo,
		log:              log,
		validity:         validity,
		refreshThreshold: threshold,
		now:              now,
	}, nil
}

// ShouldRefresh reports whether the stored token is due for renewal.
func (c *Client) ShouldRefresh() bool {
	s, ok, err := c.repo.Load()
	if err != nil || !ok {
		return false
	}
	return s.ShouldRefresh(c.now(), c.refreshThreshold)
}

// request describes one backend call. Body and contentType are replayable:
// body is kept as bytes so the 401 retry can resend it.
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	authed      bool
}

func jsonRequest(method, path string, payload any, authed bool) (request, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return request{}, err
		}
	}
	return request{method: method, path: path, body: body, contentType: "application/json", authed: authed}, nil
}

// do executes the request with bearer injection. On 401 it performs exactly
// one transparent refresh-and-retry; if that also fails the session is
// cleared and ErrUnauthorized is returned.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	body, status, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && req.authed {
		if err := c.refreshSession(ctx); err != nil {
			c.clearSession()
			return nil, fmt.Errorf("%w: token refresh failed: %v", errs.ErrUnauthorized, err)
		}
		body, status, err = c.send(ctx, req)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.clearSession()
			return nil, fmt.Errorf("%w: retry after refresh rejected", errs.ErrUnauthorized)
		}
	}
	if status >= 400 {
		return nil, parseAPIError(status, body)
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, req request) ([]byte, int, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + req.path
	if req.query != nil {
		u.RawQuery = req.query.Encode()
	}
	var rd io.Reader
	if req.body != nil {
		rd = bytes.NewReader(req.body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method, u.String(), rd)
	if err != nil {
		return nil, 0, err
	}
	if req.contentType != "" && req.body != nil {
		hr.Header.Set("Content-Type", req.contentType)
	}
	if req.authed {
		s, ok, err := c.repo.Load()
		if err != nil {
			return nil, 0, err
		}
		if !ok || s.AccessToken == "" {
			return nil, 0, errs.ErrNoSession
		}
		hr.Header.Set("Authorization", "Bearer "+s.AccessToken)
	}

	start := c.now()
	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, 0, &errs.NetworkError{Op: req.method + " " + req.path, Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &errs.NetworkError{Op: req.method + " " + req.path, Err: err}
	}
	c.log.Debug("http",
		zap.String("method", req.method),
		zap.String("path", req.path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", c.now().Sub(start)),
	)
	return payload, resp.StatusCode, nil
}

// refreshSession renews the access token in place: refresh token and the
// rest of the record are retained, only access token and expiry change.
func (c *Client) refreshSession(ctx context.Context) error {
	s, ok, err := c.repo.Load()
	if err != nil {
		return err
	}
	if !ok || s.RefreshToken == "" {
		return errs.ErrNoSession
	}
	req, err := jsonRequest(http.MethodPost, "/auth/refresh/", map[string]string{"refresh": s.RefreshToken}, false)
	if err != nil {
		return err
	}
	body, status, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if status >= 400 {
		return parseAPIError(status, body)
	}
	var resp struct {
		Access string `json:"access"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	if resp.Access == "" {
		return fmt.Errorf("refresh response missing access token")
	}
	s.AccessToken = resp.Access
	s.ExpiresAt = tokenExpiry(resp.Access, c.now(), c.validity)
	s.LastActivity = c.now()
	return c.repo.Save(s)
}

func (c *Client) clearSession() {
	if err := c.repo.Clear(); err != nil {
		c.log.Warn("clear session", zap.Error(err))
	}
}
