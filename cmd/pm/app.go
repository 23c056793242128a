package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/and161185/propcare/internal/authclient"
	"github.com/and161185/propcare/internal/authprovider"
	"github.com/and161185/propcare/internal/backup"
	"github.com/and161185/propcare/internal/billing"
	"github.com/and161185/propcare/internal/config"
	pkgcrypto "github.com/and161185/propcare/internal/crypto"
	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/limiter"
	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/org"
	"github.com/and161185/propcare/internal/provider"
	"github.com/and161185/propcare/internal/repository/postgres"
	"github.com/and161185/propcare/internal/session"
	"github.com/and161185/propcare/internal/visibility"
)

// app is the wired client: backend, auth client, session store and the
// tenant-scoped collections.
type app struct {
	cfg *config.Config
	log *zap.Logger

	db      *postgres.DB
	auth    *authprovider.Service
	client  *authclient.Client
	coord   *visibility.Coordinator
	store   *session.Store
	billing *billing.Service

	properties  *provider.Provider[model.Property]
	contractors *provider.Provider[model.Contractor]
	requests    *provider.Provider[model.MaintenanceRequest]

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.Storage.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}

	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db}
	a.closers = append(a.closers, db.Close)

	profiles := postgres.NewProfileRepo(db)
	memberships := postgres.NewMembershipRepo(db)
	orgs := postgres.NewOrganizationRepo(db)

	lim := limiter.NewPG(db.Pool, limiter.Policy{
		Window:   cfg.Auth.FailWindow,
		MaxFails: cfg.Auth.MaxFails,
		BlockFor: cfg.Auth.BlockFor,
	})
	a.auth = authprovider.NewService(authprovider.Stores{
		Accounts:      postgres.NewAccountRepo(db),
		RefreshTokens: postgres.NewRefreshTokenRepo(db),
		Profiles:      profiles,
		Memberships:   memberships,
		Organizations: orgs,
	}, []byte(cfg.Auth.SigningKey), authprovider.Options{
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	}, lim, log)

	a.client = authclient.New(a.auth, authclient.NewFileStorage(cfg.Storage.Dir), cfg.Session.AutoRefreshMargin, log)

	secret, err := loadOrCreateKey(filepath.Join(cfg.Storage.Dir, "backup.key"))
	if err != nil {
		a.close()
		return nil, err
	}
	sealer, err := pkgcrypto.NewSealer(secret, backup.CookieName)
	if err != nil {
		a.close()
		return nil, err
	}

	a.coord, err = visibility.New(log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.coord.Close)

	a.store = session.New(session.Deps{
		Client:      a.client,
		Backup:      backup.NewCookieChannel(cfg.Storage.Dir, sealer, log),
		Profiles:    profiles,
		Orgs:        org.NewResolver(memberships, orgs, cfg.Session.OrganizationTimeout, log),
		Coordinator: a.coord,
	}, cfg.Session, log)
	a.closers = append(a.closers, a.store.Close)

	opts := provider.DefaultOptions()
	opts.FreshnessWindow = cfg.Providers.FreshnessWindow
	opts.FetchTimeout = cfg.Providers.FetchTimeout
	a.properties = provider.Properties(postgres.NewPropertyRepo(db), opts, a.coord.SessionReady, log)
	a.contractors = provider.Contractors(postgres.NewContractorRepo(db), opts, a.coord.SessionReady, log)
	a.requests = provider.Requests(postgres.NewRequestRepo(db), opts, a.coord.SessionReady, log)
	a.closers = append(a.closers, a.properties.Close, a.contractors.Close, a.requests.Close)
	a.coord.OnRefresh(a.properties.RefreshOnRegain)
	a.coord.OnRefresh(a.contractors.RefreshOnRegain)
	a.coord.OnRefresh(a.requests.RefreshOnRegain)
	a.store.OnChange(a.follow)

	a.billing = billing.NewService(postgres.NewSubscriptionRepo(db), cfg.Billing, log)
	return a, nil
}

// follow points the collections at the identity in st.
func (a *app) follow(st session.State) {
	if st.User == nil || st.Organization == nil {
		a.properties.OnIdentity(nil, nil)
		a.contractors.OnIdentity(nil, nil)
		a.requests.OnIdentity(nil, nil)
		return
	}
	id := st.Organization.ID
	a.properties.OnIdentity(st.User, &id)
	a.contractors.OnIdentity(st.User, &id)
	a.requests.OnIdentity(st.User, &id)
}

// requireSession restores the session and its organization view, failing
// with errs.ErrSignInRequired when nobody is signed in.
func (a *app) requireSession(ctx context.Context) (*model.User, error) {
	if err := a.store.Start(ctx); err != nil {
		return nil, err
	}
	if a.store.User() == nil {
		return nil, errs.ErrSignInRequired
	}
	a.store.RefreshOrganizations(ctx)
	return a.store.User(), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// loadOrCreateKey reads the local sealing secret, creating it on first use.
func loadOrCreateKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil && len(b) == pkgcrypto.KeyLen {
		return b, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read backup key: %w", err)
	}
	b, err = pkgcrypto.RandBytes(pkgcrypto.KeyLen)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, fmt.Errorf("write backup key: %w", err)
	}
	return b, nil
}
