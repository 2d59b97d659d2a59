// Package service contains application services: the session controller and
// the invite workflow.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/visitgate/internal/errs"
	"github.com/and161185/visitgate/internal/model"
	"github.com/and161185/visitgate/internal/repository"
)

// AuthAPI is the backend surface the session controller consumes.
type AuthAPI interface {
	// Login authenticates and persists the session.
	Login(ctx context.Context, email, password string) (model.Session, *model.User, error)
	// Refresh renews the access token in place.
	Refresh(ctx context.Context) (model.Session, error)
	// Logout revokes remotely best-effort and always clears locally.
	Logout(ctx context.Context)
	// Register creates an account.
	Register(ctx context.Context, email, name, password string) error
	// Me fetches the current profile.
	Me(ctx context.Context) (model.User, error)
	// RequestPasswordReset asks for a reset mail.
	RequestPasswordReset(ctx context.Context, email string) error
	// ConfirmPasswordReset completes a reset.
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
	// ShouldRefresh reports whether the stored token is due for renewal.
	ShouldRefresh() bool
}

// AuthState is the controller's lifecycle state.
type AuthState int

const (
	StateInitializing AuthState = iota
	StateAnonymous
	StateAuthenticated
	StateErrored
)

// String implements fmt.Stringer.
func (s AuthState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "error"
	}
}

// SessionController orchestrates app-wide authentication state: the current
// user, initialization, and periodic token health checks.
type SessionController struct {
	api      AuthAPI
	repo     repository.SessionRepository
	cache    repository.ProfileCache
	log      *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	state   AuthState
	user    *model.User
	lastErr error

	healthCancel context.CancelFunc
	wg           sync.WaitGroup
}

// ControllerOptions configures a SessionController.
type ControllerOptions struct {
	CheckInterval time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

// NewSessionController constructs the controller in the initializing state.
func NewSessionController(api AuthAPI, repo repository.SessionRepository, cache repository.ProfileCache, opts ControllerOptions) *SessionController {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SessionController{
		api:      api,
		repo:     repo,
		cache:    cache,
		log:      log,
		interval: interval,
		now:      now,
		state:    StateInitializing,
	}
}

// State returns the current authentication state.
func (c *SessionController) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// User returns a copy of the current user, nil while unauthenticated.
func (c *SessionController) User() *model.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Err returns the last recorded error, nil outside the error state.
func (c *SessionController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// IsAuthenticated reports whether a user session is active.
func (c *SessionController) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// Initialize decides authenticated vs anonymous on startup. With a valid
// session it opportunistically refreshes, hydrates the profile from cache,
// and re-fetches in the background with field-level merge.
func (c *SessionController) Initialize(ctx context.Context) {
	ok, err := repository.IsValid(c.repo, c.now())
	if err != nil {
		c.log.Warn("session check", zap.Error(err))
	}
	if !ok {
		c.toAnonymous()
		return
	}

	if c.api.ShouldRefresh() {
		if _, err := c.api.Refresh(ctx); err != nil {
			c.log.Info("startup refresh failed", zap.Error(err))
			c.toAnonymous()
			return
		}
	}

	cached, haveCache, err := c.cache.LoadUser()
	if err != nil {
		c.log.Warn("profile cache", zap.Error(err))
	}
	if haveCache {
		c.setAuthenticated(ctx, &cached)
		// opportunistic background re-fetch with field-level merge
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.refetchProfile(ctx)
		}()
		return
	}

	u, err := c.api.Me(ctx)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			c.forceAnonymous()
			return
		}
		c.mu.Lock()
		c.state = StateErrored
		c.lastErr = err
		c.mu.Unlock()
		return
	}
	if err := c.cache.SaveUser(u); err != nil {
		c.log.Warn("profile cache save", zap.Error(err))
	}
	c.setAuthenticated(ctx, &u)
}

// Login authenticates and hydrates the profile. Errors are returned and also
// recorded for the UI.
func (c *SessionController) Login(ctx context.Context, email, password string) error {
	_, user, err := c.api.Login(ctx, email, password)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	u := user
	if u == nil {
		if fetched, err := c.api.Me(ctx); err == nil {
			u = &fetched
		} else {
			// session is live either way; the profile hydrates on the next
			// successful re-fetch instead of caching a zero value
			c.log.Warn("profile fetch after login", zap.Error(err))
		}
	}
	if u != nil {
		if err := c.cache.SaveUser(*u); err != nil {
			c.log.Warn("profile cache save", zap.Error(err))
		}
	}
	c.setAuthenticated(ctx, u)
	return nil
}

// Logout tears down the session. It never fails: local state is cleared
// regardless of backend reachability.
func (c *SessionController) Logout(ctx context.Context) {
	c.stopHealthLoop()
	c.api.Logout(ctx)
	if err := c.cache.ClearUser(); err != nil {
		c.log.Warn("profile cache clear", zap.Error(err))
	}
	c.mu.Lock()
	c.state = StateAnonymous
	c.user = nil
	c.lastErr = nil
	c.mu.Unlock()
}

// Register delegates account creation; authentication state is unchanged
// until the OTP is verified and the user logs in.
func (c *SessionController) Register(ctx context.Context, email, name, password string) error {
	return c.api.Register(ctx, email, name, password)
}

// RequestPasswordReset delegates to the backend.
func (c *SessionController) RequestPasswordReset(ctx context.Context, email string) error {
	return c.api.RequestPasswordReset(ctx, email)
}

// ConfirmPasswordReset delegates to the backend.
func (c *SessionController) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	return c.api.ConfirmPasswordReset(ctx, token, newPassword)
}

// UpdateUser with a fragment applies the merge locally, no network call.
// With nil it performs a full re-fetch and merges the result.
func (c *SessionController) UpdateUser(ctx context.Context, fragment *model.ProfileFragment) error {
	if fragment != nil {
		c.mu.Lock()
		if c.user == nil {
			c.mu.Unlock()
			return errs.ErrNoSession
		}
		merged := c.user.Merge(*fragment)
		c.user = &merged
		c.mu.Unlock()
		if err := c.cache.SaveUser(merged); err != nil {
			c.log.Warn("profile cache save", zap.Error(err))
		}
		return nil
	}
	return c.refetchProfile(ctx)
}

// ClearError resets the error state based on the stored session.
func (c *SessionController) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = nil
	if c.state == StateErrored {
		if ok, _ := repository.IsValid(c.repo, c.now()); ok {
			c.state = StateAuthenticated
		} else {
			c.state = StateAnonymous
		}
	}
}

// Close stops background work. It must be called on shutdown.
func (c *SessionController) Close() {
	c.stopHealthLoop()
	c.wg.Wait()
}

// refetchProfile pulls the profile and merges it field-by-field into the
// cached one. A true authorization failure tears the session down; a network
// failure keeps the cached profile.
func (c *SessionController) refetchProfile(ctx context.Context) error {
	fetched, err := c.api.Me(ctx)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			c.log.Info("profile re-fetch unauthorized, tearing session down")
			c.forceAnonymous()
			return err
		}
		c.log.Debug("profile re-fetch failed, keeping cache", zap.Error(err))
		return err
	}
	c.mu.Lock()
	base := model.User{}
	if c.user != nil {
		base = *c.user
	}
	merged := base.Merge(model.FragmentOf(fetched))
	if merged.ID == "" {
		merged.ID = fetched.ID
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = fetched.CreatedAt
	}
	c.user = &merged
	c.mu.Unlock()
	if err := c.cache.SaveUser(merged); err != nil {
		c.log.Warn("profile cache save", zap.Error(err))
	}
	return nil
}

func (c *SessionController) setAuthenticated(ctx context.Context, u *model.User) {
	c.mu.Lock()
	c.state = StateAuthenticated
	c.user = u
	c.lastErr = nil
	alreadyRunning := c.healthCancel != nil
	c.mu.Unlock()
	if !alreadyRunning {
		c.startHealthLoop(ctx)
	}
}

func (c *SessionController) toAnonymous() {
	c.mu.Lock()
	c.state = StateAnonymous
	c.user = nil
	c.mu.Unlock()
}

// forceAnonymous clears the persisted session and cache too.
func (c *SessionController) forceAnonymous() {
	if err := c.repo.Clear(); err != nil {
		c.log.Warn("session clear", zap.Error(err))
	}
	if err := c.cache.ClearUser(); err != nil {
		c.log.Warn("profile cache clear", zap.Error(err))
	}
	c.stopHealthLoop()
	c.toAnonymous()
}

// startHealthLoop runs the periodic token check, active only while
// authenticated. Invalidity or refresh failure drops to anonymous.
func (c *SessionController) startHealthLoop(ctx context.Context) {
	hctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.healthCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if !c.healthTick(hctx) {
					return
				}
			}
		}
	}()
}

// healthTick returns false when the loop should stop.
func (c *SessionController) healthTick(ctx context.Context) bool {
	if c.State() != StateAuthenticated {
		return false
	}
	ok, err := repository.IsValid(c.repo, c.now())
	if err != nil {
		c.log.Warn("health check", zap.Error(err))
		return true
	}
	if !ok {
		c.log.Info("session expired, dropping to anonymous")
		c.forceAnonymous()
		return false
	}
	if c.api.ShouldRefresh() {
		if _, err := c.api.Refresh(ctx); err != nil {
			c.log.Info("scheduled refresh failed, dropping to anonymous", zap.Error(err))
			c.forceAnonymous()
			return false
		}
		c.log.Debug("access token refreshed")
	}
	return true
}

func (c *SessionController) stopHealthLoop() {
	c.mu.Lock()
	cancel := c.healthCancel
	c.healthCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
