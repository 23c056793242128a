// Package session owns the signed-in session and the identity derived from
// it. It restores sessions from primary storage and the backup channel,
// reconciles auth events and keeps the organization view current.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/propcare/internal/authclient"
	"github.com/and161185/propcare/internal/backup"
	"github.com/and161185/propcare/internal/config"
	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/org"
	"github.com/and161185/propcare/internal/visibility"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// AuthClient is the part of the auth client the store drives.
type AuthClient interface {
	Session() *model.Session
	LoadSession(ctx context.Context) (*model.Session, error)
	SetSession(ctx context.Context, accessToken, refreshToken string) (*model.Session, error)
	SignInWithPassword(ctx context.Context, email, password, clientAddr string) (*model.Session, error)
	ClearLocal() *model.Session
	Revoke(ctx context.Context, s *model.Session) error
	OnAuthStateChange(fn authclient.Listener) func()
}

// Profiles is the profile lookup and session-organization write.
type Profiles interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*model.User, error)
	SetSessionOrganization(ctx context.Context, userID, orgID uuid.UUID) error
}

// OrgResolver resolves the organization view of an identity.
type OrgResolver interface {
	Resolve(ctx context.Context, u model.User) (org.Result, error)
}

// Coordinator is the visibility hub the store registers with.
type Coordinator interface {
	OnRefresh(fn visibility.RefreshFunc) func()
	SetSessionReadyCallback(p visibility.ReadyPredicate) error
}

// Deps are the collaborators of a Store.
type Deps struct {
	Client      AuthClient
	Backup      backup.Channel
	Profiles    Profiles
	Orgs        OrgResolver
	Coordinator Coordinator // optional
}

// State is a snapshot of the store.
type State struct {
	Session       *model.Session
	User          *model.User
	Organization  *model.Organization
	Organizations []model.Organization
	Memberships   []model.Membership
	Loading       bool
	Initialized   bool
	Err           error // last user-visible error
}

// Store is the single writer of session and identity state.
type Store struct {
	client   AuthClient
	backup   backup.Channel
	profiles Profiles
	orgs     OrgResolver
	coord    Coordinator
	cfg      config.SessionConfig
	log      *zap.Logger
	now      func() time.Time

	mu    sync.RWMutex
	st    State
	gen   uint64 // bumped whenever a different session is adopted or cleared
	ver   uint64 // bumped by explicit identity edits such as an organization switch
	subs  []stateSub
	subID int

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
	unsub     []func()
}

type stateSub struct {
	id int
	fn func(State)
}

// New constructs a Store. Start must be called before use.
func New(d Deps, cfg config.SessionConfig, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Backup == nil {
		d.Backup = backup.NewMemory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		client:   d.Client,
		backup:   d.Backup,
		profiles: d.Profiles,
		orgs:     d.Orgs,
		coord:    d.Coordinator,
		cfg:      cfg,
		log:      log.Named("session"),
		now:      time.Now,
		st:       State{Loading: true},
		jobs:     make(chan job, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyState()
}

func (s *Store) copyState() State {
	c := s.st
	if c.Session != nil {
		v := *c.Session
		c.Session = &v
	}
	if c.User != nil {
		v := *c.User
		c.User = &v
	}
	if c.Organization != nil {
		v := *c.Organization
		c.Organization = &v
	}
	c.Organizations = append([]model.Organization(nil), c.Organizations...)
	c.Memberships = append([]model.Membership(nil), c.Memberships...)
	return c
}

// Session returns the adopted session, nil when signed out.
func (s *Store) Session() *model.Session { return s.Snapshot().Session }

// User returns the current identity, nil when signed out.
func (s *Store) User() *model.User { return s.Snapshot().User }

// Organization returns the current organization, nil when none.
func (s *Store) Organization() *model.Organization { return s.Snapshot().Organization }

// Loading is true only until the first resolution finishes.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Loading
}

// Initialized is latched true once the first resolution finishes.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Initialized
}

// LastError returns the last user-visible error.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Err
}

// Ready reports whether a valid session with a derived identity is adopted.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Session.Valid(s.now()) && s.st.User != nil
}

// OnChange subscribes fn to state changes. fn runs on the writer's goroutine
// and must not call back into mutating Store methods.
func (s *Store) OnChange(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subID++
	id := s.subID
	s.subs = append(s.subs, stateSub{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// update applies fn under the lock and notifies subscribers.
func (s *Store) update(fn func(st *State)) {
	s.mu.Lock()
	fn(&s.st)
	snap := s.copyState()
	subs := append([]stateSub(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(snap)
	}
}

// stamp identifies the state an asynchronous write was computed from.
type stamp struct{ gen, ver uint64 }

// updateIf applies fn only when nothing has superseded at since it was taken.
func (s *Store) updateIf(at stamp, fn func(st *State)) bool {
	applied := false
	s.update(func(st *State) {
		if s.gen != at.gen || s.ver != at.ver {
			return
		}
		fn(st)
		applied = true
	})
	return applied
}

func (s *Store) stamp() stamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stamp{s.gen, s.ver}
}

// adopt installs a valid session and writes a fresh backup. It returns the
// resulting stamp and whether the identity must be (re)derived.
func (s *Store) adopt(sess *model.Session) (stamp, bool) {
	var at stamp
	var stale bool
	s.update(func(st *State) {
		v := *sess
		if st.Session == nil || st.Session.User.ID != v.User.ID {
			s.gen++
			st.User = nil
			st.Organization = nil
			st.Organizations = nil
			st.Memberships = nil
		}
		st.Session = &v
		at = stamp{s.gen, s.ver}
		stale = st.User == nil
	})
	if !s.backup.Backup(sess) {
		s.log.Debug("session backup not written")
	}
	return at, stale
}

func (s *Store) clear() {
	s.update(func(st *State) {
		s.gen++
		st.Session = nil
		st.User = nil
		st.Organization = nil
		st.Organizations = nil
		st.Memberships = nil
	})
}

// finishLoading latches loading off. It never turns loading back on.
func (s *Store) finishLoading(err error) {
	s.update(func(st *State) {
		if !st.Initialized {
			st.Loading = false
			st.Initialized = true
		}
		if err != nil {
			st.Err = err
		}
	})
}

// Close unregisters listeners and stops the event worker.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		for _, u := range s.unsub {
			u()
		}
		s.cancel()
		s.wg.Wait()
	})
}
