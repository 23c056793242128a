// Package authclient is the client side of the auth provider: it keeps the
// current session in memory and in primary storage, refreshes it before it
// expires and tells subscribers about every auth state change.
package authclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Event is an auth life-cycle event.
type Event string

// Events delivered to OnAuthStateChange listeners.
const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// Listener receives events synchronously from the client's dispatch and must not block.
type Listener func(ev Event, s *model.Session)

// Provider is the remote half of authentication.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password, clientAddr string) (model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (model.Session, error)
	GetUser(ctx context.Context, accessToken string) (model.Principal, error)
	SignOut(ctx context.Context, accessToken string) error
}

type subscription struct {
	id int
	fn Listener
}

// Client holds one session at a time.
type Client struct {
	provider Provider
	storage  Storage
	margin   time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	session *model.Session
	subs    []subscription
	nextID  int
	kick    chan struct{}
}

// New constructs a Client. margin is how long before expiry auto refresh fires.
func New(p Provider, st Storage, margin time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		provider: p,
		storage:  st,
		margin:   margin,
		log:      log.Named("authclient"),
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}
}

// OnAuthStateChange registers fn and returns its unsubscribe function.
func (c *Client) OnAuthStateChange(fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) emit(ev Event, s *model.Session) {
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.fn(ev, copySession(s))
	}
}

// Session returns the in-memory session without any I/O. It may be expired.
func (c *Client) Session() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySession(c.session)
}

// Initialize loads primary storage and emits INITIAL_SESSION.
func (c *Client) Initialize(ctx context.Context) error {
	s, err := c.LoadSession(ctx)
	c.emit(EventInitialSession, s)
	return err
}

// LoadSession re-reads primary storage. A stored session past its expiry is
// refreshed when it carries a refresh token; an authoritative refresh
// rejection clears storage. The result may be nil.
func (c *Client) LoadSession(ctx context.Context) (*model.Session, error) {
	s, err := c.storage.Load()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if !s.Valid(c.now()) && s.RefreshToken != "" {
		fresh, err := c.provider.Refresh(ctx, s.RefreshToken)
		if err != nil {
			if errors.Is(err, errs.ErrUnauthorized) {
				c.clear()
				return nil, nil
			}
			return s, err
		}
		c.adopt(&fresh)
		c.emit(EventTokenRefreshed, &fresh)
		return copySession(&fresh), nil
	}
	c.set(s)
	return copySession(s), nil
}

// SignInWithPassword authenticates and emits SIGNED_IN.
func (c *Client) SignInWithPassword(ctx context.Context, email, password, clientAddr string) (*model.Session, error) {
	s, err := c.provider.SignInWithPassword(ctx, email, password, clientAddr)
	if err != nil {
		return nil, err
	}
	c.adopt(&s)
	c.emit(EventSignedIn, &s)
	return copySession(&s), nil
}

// SetSession makes a previously obtained token pair the active session. An
// access token the provider rejects is exchanged using the refresh token.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (*model.Session, error) {
	p, err := c.provider.GetUser(ctx, accessToken)
	var s model.Session
	switch {
	case err == nil:
		s = model.Session{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: TokenExpiry(accessToken), User: p}
	case errors.Is(err, errs.ErrUnauthorized) && refreshToken != "":
		if s, err = c.provider.Refresh(ctx, refreshToken); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	c.adopt(&s)
	c.emit(EventSignedIn, &s)
	return copySession(&s), nil
}

// RefreshSession exchanges the current refresh token and emits TOKEN_REFRESHED.
// An authoritative rejection signs the client out.
func (c *Client) RefreshSession(ctx context.Context) (*model.Session, error) {
	cur := c.Session()
	if cur == nil || cur.RefreshToken == "" {
		return nil, errs.ErrSignInRequired
	}
	s, err := c.provider.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			c.clear()
			c.emit(EventSignedOut, nil)
		}
		return nil, err
	}
	c.adopt(&s)
	c.emit(EventTokenRefreshed, &s)
	return copySession(&s), nil
}

// RefreshUser re-reads the principal for the current token and emits USER_UPDATED.
func (c *Client) RefreshUser(ctx context.Context) (model.Principal, error) {
	cur := c.Session()
	if cur == nil {
		return model.Principal{}, errs.ErrSignInRequired
	}
	p, err := c.provider.GetUser(ctx, cur.AccessToken)
	if err != nil {
		return model.Principal{}, err
	}
	cur.User = p
	c.adopt(cur)
	c.emit(EventUserUpdated, cur)
	return p, nil
}

// SignOut clears local state and emits SIGNED_OUT, then revokes the dropped
// session at the provider. The remote error, if any, is returned.
func (c *Client) SignOut(ctx context.Context) error {
	return c.Revoke(ctx, c.ClearLocal())
}

// ClearLocal drops the session from memory and storage, emits SIGNED_OUT and
// returns the dropped session. It does no I/O beyond local storage.
func (c *Client) ClearLocal() *model.Session {
	cur := c.Session()
	c.clear()
	c.emit(EventSignedOut, nil)
	return cur
}

// Revoke ends s at the provider without touching local state.
func (c *Client) Revoke(ctx context.Context, s *model.Session) error {
	if s == nil {
		return nil
	}
	return c.provider.SignOut(ctx, s.AccessToken)
}

// StartAutoRefresh refreshes the session margin before it expires until ctx ends.
func (c *Client) StartAutoRefresh(ctx context.Context) {
	go func() {
		t := time.NewTimer(c.untilRefresh())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.kick:
			case <-t.C:
				if c.Session() != nil {
					if _, err := c.RefreshSession(ctx); err != nil && ctx.Err() == nil {
						c.log.Warn("auto refresh failed", zap.Error(err))
					}
				}
			}
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(c.untilRefresh())
		}
	}()
}

const idleRefreshCheck = time.Hour

func (c *Client) untilRefresh() time.Duration {
	s := c.Session()
	if s == nil {
		return idleRefreshCheck
	}
	d := s.ExpiresAt.Sub(c.now()) - c.margin
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (c *Client) adopt(s *model.Session) {
	if err := c.storage.Save(s); err != nil {
		c.log.Warn("persist session", zap.Error(err))
	}
	c.set(s)
}

func (c *Client) set(s *model.Session) {
	c.mu.Lock()
	c.session = copySession(s)
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) clear() {
	if err := c.storage.Clear(); err != nil {
		c.log.Warn("clear session storage", zap.Error(err))
	}
	c.set(nil)
}

// TokenExpiry reads exp from a JWT without verifying it. Zero when absent.
func TokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
