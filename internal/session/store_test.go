package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/propcare/internal/authclient"
	"github.com/and161185/propcare/internal/backup"
	"github.com/and161185/propcare/internal/config"
	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/org"
	"github.com/and161185/propcare/internal/visibility"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClient struct {
	mu        sync.Mutex
	mem       *model.Session
	primary   *model.Session
	user      model.Principal
	loadBlock bool
	setErr    error
	signOut   func(ctx context.Context) error
	listeners []authclient.Listener

	loadCalls int
	setCalls  int
}

func (f *fakeClient) Session() *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.mem)
}

func (f *fakeClient) LoadSession(ctx context.Context) (*model.Session, error) {
	f.mu.Lock()
	f.loadCalls++
	block := f.loadBlock
	s := clone(f.primary)
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s != nil {
		f.mu.Lock()
		f.mem = clone(s)
		f.mu.Unlock()
	}
	return s, nil
}

func (f *fakeClient) SetSession(_ context.Context, access, refresh string) (*model.Session, error) {
	f.mu.Lock()
	f.setCalls++
	if f.setErr != nil {
		f.mu.Unlock()
		return nil, f.setErr
	}
	s := &model.Session{AccessToken: access, RefreshToken: refresh, ExpiresAt: time.Now().Add(time.Hour), User: f.user}
	f.mem = clone(s)
	f.mu.Unlock()
	f.emit(authclient.EventSignedIn, s)
	return clone(s), nil
}

func (f *fakeClient) SignInWithPassword(_ context.Context, email, password, _ string) (*model.Session, error) {
	if password != "pw" {
		return nil, errs.ErrUnauthorized
	}
	s := &model.Session{AccessToken: "signed-in", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour), User: f.user}
	f.mu.Lock()
	f.mem = clone(s)
	f.mu.Unlock()
	f.emit(authclient.EventSignedIn, s)
	return clone(s), nil
}

func (f *fakeClient) ClearLocal() *model.Session {
	f.mu.Lock()
	prev := f.mem
	f.mem = nil
	f.primary = nil
	f.mu.Unlock()
	f.emit(authclient.EventSignedOut, nil)
	return prev
}

func (f *fakeClient) Revoke(ctx context.Context, _ *model.Session) error {
	if f.signOut != nil {
		return f.signOut(ctx)
	}
	return nil
}

func (f *fakeClient) OnAuthStateChange(fn authclient.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeClient) emit(ev authclient.Event, s *model.Session) {
	f.mu.Lock()
	ls := append([]authclient.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(ev, clone(s))
	}
}

func clone(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

type fakeProfiles struct {
	mu     sync.Mutex
	users  map[uuid.UUID]model.User
	err    error
	block  bool
	setOrg []uuid.UUID
	onSet  func()
}

func (f *fakeProfiles) GetProfile(ctx context.Context, id uuid.UUID) (*model.User, error) {
	f.mu.Lock()
	block, err := f.block, f.err
	u, ok := f.users[id]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}

func (f *fakeProfiles) SetSessionOrganization(_ context.Context, _, orgID uuid.UUID) error {
	f.mu.Lock()
	f.setOrg = append(f.setOrg, orgID)
	hook := f.onSet
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

type fakeResolver struct {
	mu    sync.Mutex
	res   org.Result
	err   error
	calls int
}

func (f *fakeResolver) Resolve(context.Context, model.User) (org.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

type fakeCoordinator struct {
	mu        sync.Mutex
	refresh   []visibility.RefreshFunc
	predicate visibility.ReadyPredicate
}

func (f *fakeCoordinator) OnRefresh(fn visibility.RefreshFunc) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh = append(f.refresh, fn)
	return func() {}
}

func (f *fakeCoordinator) SetSessionReadyCallback(p visibility.ReadyPredicate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.predicate != nil {
		return errs.ErrReadyPredicateSet
	}
	f.predicate = p
	return nil
}

type fixture struct {
	store    *Store
	client   *fakeClient
	profiles *fakeProfiles
	orgs     *fakeResolver
	backup   *backup.Memory
	coord    *fakeCoordinator
	user     model.Principal
	acme     model.Organization
}

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		RestoreAttempts:  5,
		RestoreBaseDelay: time.Millisecond,
		StartupTimeout:   2 * time.Second,
		ProfileTimeout:   time.Second,
		SignOutTimeout:   time.Second,
	}
}

func newFixture(t *testing.T, cfg config.SessionConfig) *fixture {
	t.Helper()
	p := model.Principal{ID: uuid.Must(uuid.NewV4()), Email: "pm@example.com"}
	acme := model.Organization{ID: uuid.Must(uuid.NewV4()), Name: "Acme"}
	f := &fixture{
		client: &fakeClient{user: p},
		profiles: &fakeProfiles{users: map[uuid.UUID]model.User{
			p.ID: {ID: p.ID, Email: p.Email, Name: "Pat", Role: model.RoleManager},
		}},
		orgs: &fakeResolver{res: org.Result{
			Current:       &acme,
			Organizations: []model.Organization{acme},
			Memberships:   []model.Membership{{UserID: p.ID, OrganizationID: acme.ID, Role: model.RoleManager, Active: true, IsDefault: true}},
		}},
		backup: backup.NewMemory(),
		coord:  &fakeCoordinator{},
		user:   p,
		acme:   acme,
	}
	f.store = New(Deps{Client: f.client, Backup: f.backup, Profiles: f.profiles, Orgs: f.orgs, Coordinator: f.coord}, cfg, zaptest.NewLogger(t))
	t.Cleanup(f.store.Close)
	return f
}

func (f *fixture) session(exp time.Time) *model.Session {
	return &model.Session{AccessToken: "tok", RefreshToken: "ref", ExpiresAt: exp, User: f.user}
}

func TestRestoreSession_QuickCheck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.client.mem = f.session(time.Now().Add(time.Hour))

	require.NoError(t, f.store.RestoreSession(context.Background()))
	require.Equal(t, "tok", f.store.Session().AccessToken)
	require.Zero(t, f.client.loadCalls, "warm client needs no storage read")
	require.NotNil(t, f.backup.Restore(), "quick check writes a fresh backup")
}

func TestRestoreSession_FallsBackToBackupChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	require.True(t, f.backup.Backup(f.session(time.Now().Add(time.Hour))))

	require.NoError(t, f.store.RestoreSession(context.Background()))
	require.Equal(t, 1, f.client.loadCalls, "primary storage is consulted first")
	require.Equal(t, 1, f.client.setCalls, "backup tokens are installed into the client")
	require.Equal(t, "tok", f.store.Session().AccessToken)

	f.backup.Clear()
	require.True(t, f.backup.Backup(f.store.Session()))
	require.Equal(t, "tok", f.backup.Restore().AccessToken)
}

func TestRestoreSession_ExhaustedLadderClearsState(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RestoreBaseDelay = 5 * time.Millisecond
	f := newFixture(t, cfg)

	f.store.adopt(f.session(time.Now().Add(time.Hour)))
	u := model.Minimal(f.user)
	f.store.update(func(st *State) { st.User = &u })
	f.backup.Clear()

	expired := f.session(time.Now().Add(-time.Second))
	f.client.mem = expired
	f.client.primary = expired

	start := time.Now()
	err := f.store.RestoreSession(context.Background())
	require.ErrorIs(t, err, errs.ErrSignInRequired)
	require.Equal(t, errs.NoticeSignInAgain, errs.Notice(err))
	require.Equal(t, 5, f.client.loadCalls)
	require.GreaterOrEqual(t, time.Since(start), (1+2+3+4)*cfg.RestoreBaseDelay, "linear delay between attempts")
	require.Nil(t, f.store.Session())
	require.Nil(t, f.store.User())
}

func TestRestoreSession_NeverAdoptsExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.client.primary = f.session(time.Now().Add(-time.Minute))
	require.True(t, f.backup.Backup(f.session(time.Now().Add(-time.Minute))))

	require.ErrorIs(t, f.store.RestoreSession(context.Background()), errs.ErrSignInRequired)
	require.Zero(t, f.client.setCalls, "expired backup is not installed")
}

func TestRestoreSession_RejectedBackupIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	require.True(t, f.backup.Backup(f.session(time.Now().Add(time.Hour))))
	f.client.setErr = errs.ErrUnauthorized

	require.ErrorIs(t, f.store.RestoreSession(context.Background()), errs.ErrSignInRequired)
	require.Nil(t, f.backup.Restore())
}

func TestStart_RestoresAndLatchesLoading(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.client.primary = f.session(time.Now().Add(time.Hour))

	var sawLoadingAgain atomic.Bool
	var settled atomic.Bool
	f.store.OnChange(func(st State) {
		if !st.Loading {
			settled.Store(true)
		} else if settled.Load() {
			sawLoadingAgain.Store(true)
		}
	})

	require.True(t, f.store.Loading())
	require.False(t, f.store.Initialized())
	require.NoError(t, f.store.Start(context.Background()))
	require.False(t, f.store.Loading())
	require.True(t, f.store.Initialized())
	require.Equal(t, "Pat", f.store.User().Name)
	require.Eventually(t, func() bool { return f.store.Organization() != nil }, time.Second, time.Millisecond)
	require.Equal(t, f.acme.ID, f.store.Organization().ID)

	// nothing afterwards turns loading back on
	f.client.emit(authclient.EventTokenRefreshed, f.session(time.Now().Add(2*time.Hour)))
	f.client.emit(authclient.EventInitialSession, f.session(time.Now().Add(time.Hour)))
	require.NoError(t, f.store.RestoreSession(context.Background()))
	f.client.emit(authclient.EventSignedOut, nil)
	_, err := f.store.SignIn(context.Background(), "pm@example.com", "pw")
	require.NoError(t, err)
	require.False(t, f.store.Loading())
	require.False(t, sawLoadingAgain.Load())

	require.NotNil(t, f.coord.predicate, "store installs the ready predicate")
	require.True(t, f.coord.predicate())
	require.Len(t, f.coord.refresh, 1)
}

func TestStart_NoSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	require.NoError(t, f.store.Start(context.Background()))
	require.False(t, f.store.Loading())
	require.True(t, f.store.Initialized())
	require.Nil(t, f.store.Session())
	require.NoError(t, f.store.LastError())
}

func TestStart_TimeoutForcesLoadingOff(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.StartupTimeout = 30 * time.Millisecond
	f := newFixture(t, cfg)
	f.client.loadBlock = true

	err := f.store.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupTimeout)
	require.False(t, f.store.Loading())
	require.True(t, f.store.Initialized())
	require.ErrorIs(t, f.store.LastError(), ErrStartupTimeout)
}

func TestEvents_TokenRefreshedWritesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.client.primary = f.session(time.Now().Add(time.Hour))
	require.NoError(t, f.store.Start(context.Background()))
	require.Eventually(t, func() bool { return f.store.Organization() != nil }, time.Second, time.Millisecond)

	var writes atomic.Int32
	f.store.OnChange(func(State) { writes.Add(1) })
	fresh := f.session(time.Now().Add(3 * time.Hour))
	fresh.AccessToken = "rotated"
	f.client.emit(authclient.EventTokenRefreshed, fresh)
	f.client.emit(authclient.EventInitialSession, fresh)

	require.Zero(t, writes.Load())
	require.Equal(t, "tok", f.store.Session().AccessToken)
}

func TestEvents_SignedInDerivesIdentityOffDispatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	require.NoError(t, f.store.Start(context.Background()))

	s := f.session(time.Now().Add(time.Hour))
	f.client.emit(authclient.EventSignedIn, s)
	require.Equal(t, "tok", f.store.Session().AccessToken, "session adopted synchronously")

	require.Eventually(t, func() bool {
		u := f.store.User()
		return u != nil && u.Name == "Pat" && f.store.Organization() != nil
	}, time.Second, time.Millisecond)

	f.client.emit(authclient.EventSignedOut, nil)
	require.Nil(t, f.store.Session())
	require.Nil(t, f.store.User())
	require.Nil(t, f.store.Organization())
}

func TestConvertIdentity_Degrades(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ProfileTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)

	f.profiles.block = true
	u := f.store.ConvertIdentity(context.Background(), f.user)
	require.Equal(t, f.user.ID, u.ID)
	require.Equal(t, f.user.Email, u.Email)
	require.Equal(t, model.DefaultRole, u.Role)

	f.profiles.block = false
	f.profiles.err = errors.New("db down")
	u = f.store.ConvertIdentity(context.Background(), f.user)
	require.Equal(t, model.DefaultRole, u.Role)

	f.profiles.err = nil
	u = f.store.ConvertIdentity(context.Background(), f.user)
	require.Equal(t, model.RoleManager, u.Role)
}

func TestSignOut_BoundedAndAlwaysLocal(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SignOutTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	_, err := f.store.SignIn(context.Background(), "pm@example.com", "pw")
	require.NoError(t, err)
	require.NotNil(t, f.backup.Restore())

	release := make(chan struct{})
	defer close(release)
	f.client.signOut = func(context.Context) error { <-release; return nil }

	start := time.Now()
	err = f.store.SignOut(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.Nil(t, f.store.Session())
	require.Nil(t, f.store.User())
	require.Nil(t, f.backup.Restore())

	ready, err := f.store.refreshOnRegain(context.Background())
	require.NoError(t, err)
	require.False(t, ready)
	require.Nil(t, f.client.Session(), "timed-out sign-out still dropped the client session")
	require.Nil(t, f.store.Session())
}

func TestSignIn_BadPassword(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	_, err := f.store.SignIn(context.Background(), "pm@example.com", "nope")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Nil(t, f.store.Session())
}

func TestSwitchOrganization(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.ErrorIs(t, f.store.SwitchOrganization(ctx, f.acme.ID), errs.ErrSignInRequired)

	other := model.Organization{ID: uuid.Must(uuid.NewV4()), Name: "Other"}
	f.orgs.res.Organizations = append(f.orgs.res.Organizations, other)
	f.orgs.res.Memberships = append(f.orgs.res.Memberships, model.Membership{UserID: f.user.ID, OrganizationID: other.ID, Active: true})
	_, err := f.store.SignIn(ctx, "pm@example.com", "pw")
	require.NoError(t, err)
	require.Equal(t, f.acme.ID, f.store.Organization().ID)

	err = f.store.SwitchOrganization(ctx, uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrNotMember)
	require.Equal(t, errs.NoticeOperationFailed, errs.Notice(err))

	require.NoError(t, f.store.SwitchOrganization(ctx, other.ID))
	require.Equal(t, other.ID, f.store.Organization().ID)
	require.Equal(t, other.ID, *f.store.User().SessionOrganizationID)
	require.Equal(t, []uuid.UUID{other.ID}, f.profiles.setOrg)
}

func TestSwitchOrganization_SupersededBySessionChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()
	_, err := f.store.SignIn(ctx, "pm@example.com", "pw")
	require.NoError(t, err)

	f.profiles.mu.Lock()
	f.profiles.onSet = f.store.clear
	f.profiles.mu.Unlock()

	err = f.store.SwitchOrganization(ctx, f.acme.ID)
	require.ErrorIs(t, err, errs.ErrSignInRequired)
	require.Nil(t, f.store.User())
	require.Nil(t, f.store.Organization())
}

func TestRefreshOrganizations_KeepsStateOnFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()
	_, err := f.store.SignIn(ctx, "pm@example.com", "pw")
	require.NoError(t, err)
	require.NotNil(t, f.store.Organization())

	f.orgs.mu.Lock()
	f.orgs.err = org.ErrResolveTimeout
	f.orgs.mu.Unlock()
	f.store.RefreshOrganizations(ctx)
	require.Equal(t, f.acme.ID, f.store.Organization().ID, "timeout is unknown, not absent")

	f.orgs.mu.Lock()
	f.orgs.err = errors.New("db down")
	f.orgs.mu.Unlock()
	f.store.RefreshOrganizations(ctx)
	require.Equal(t, f.acme.ID, f.store.Organization().ID)

	f.orgs.mu.Lock()
	f.orgs.err = nil
	f.orgs.res = org.Result{}
	f.orgs.mu.Unlock()
	f.store.RefreshOrganizations(ctx)
	require.Nil(t, f.store.Organization(), "an empty answer routes to onboarding")
}

func TestRegainCallback_RevalidatesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.client.primary = f.session(time.Now().Add(time.Hour))
	require.NoError(t, f.store.Start(context.Background()))
	require.Len(t, f.coord.refresh, 1)

	ready, err := f.coord.refresh[0](context.Background())
	require.NoError(t, err)
	require.True(t, ready)

	f.client.mu.Lock()
	f.client.mem = nil
	f.client.primary = nil
	f.client.mu.Unlock()
	ready, err = f.coord.refresh[0](context.Background())
	require.NoError(t, err)
	require.False(t, ready)
	require.Nil(t, f.store.Session())
	require.False(t, f.coord.predicate())
}

func TestSecondStoreCannotInstallPredicate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	require.NoError(t, f.store.Start(context.Background()))
	first := f.coord.predicate

	other := New(Deps{Client: &fakeClient{}, Profiles: f.profiles, Orgs: f.orgs, Coordinator: f.coord}, testConfig(), zaptest.NewLogger(t))
	t.Cleanup(other.Close)
	require.NoError(t, other.Start(context.Background()))
	require.NotNil(t, first)
	require.Len(t, f.coord.refresh, 2)
}
