// Package provider holds tenant-scoped collections that follow the current
// identity and refresh opportunistically on visibility regain.
package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// FetchFunc loads the collection of one organization.
type FetchFunc[T any] func(ctx context.Context, orgID uuid.UUID) ([]T, error)

// Options tune fetching.
type Options struct {
	FreshnessWindow time.Duration // regain refetches inside this window are skipped
	FetchTimeout    time.Duration // per attempt
	Retries         int           // extra attempts for transient failures
	RetryMin        time.Duration
	RetryMax        time.Duration
}

// DefaultOptions returns the reference fetch policy.
func DefaultOptions() Options {
	return Options{
		FreshnessWindow: 30 * time.Second,
		FetchTimeout:    10 * time.Second,
		Retries:         2,
		RetryMin:        200 * time.Millisecond,
		RetryMax:        2 * time.Second,
	}
}

// Provider owns one collection. The first fetch for an organization shows
// loading; later fetches are silent. At most one fetch runs at a time and a
// fetch requested meanwhile is dropped.
type Provider[T any] struct {
	name  string
	fetch FetchFunc[T]
	opts  Options
	ready func() bool
	log   *zap.Logger
	now   func() time.Time

	mu          sync.Mutex
	scope       *uuid.UUID
	items       []T
	loading     bool
	fetched     bool // a fetch for scope has completed
	lastFetched time.Time
	err         error

	inFlight atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a provider. ready, when set, gates regain refetches on the
// session being usable.
func New[T any](name string, fetch FetchFunc[T], opts Options, ready func() bool, log *zap.Logger) *Provider[T] {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider[T]{
		name:   name,
		fetch:  fetch,
		opts:   opts,
		ready:  ready,
		log:    log.Named("provider").With(zap.String("collection", name)),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Properties provides the properties of the current organization.
func Properties(r repository.PropertyRepository, opts Options, ready func() bool, log *zap.Logger) *Provider[model.Property] {
	return New[model.Property]("properties", r.ListByOrganization, opts, ready, log)
}

// Contractors provides the contractors of the current organization.
func Contractors(r repository.ContractorRepository, opts Options, ready func() bool, log *zap.Logger) *Provider[model.Contractor] {
	return New[model.Contractor]("contractors", r.ListByOrganization, opts, ready, log)
}

// Requests provides the maintenance requests of the current organization.
func Requests(r repository.RequestRepository, opts Options, ready func() bool, log *zap.Logger) *Provider[model.MaintenanceRequest] {
	return New[model.MaintenanceRequest]("requests", r.ListByOrganization, opts, ready, log)
}

// Name returns the collection name.
func (p *Provider[T]) Name() string { return p.name }

// Items returns a copy of the collection.
func (p *Provider[T]) Items() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]T(nil), p.items...)
}

// Loading reports whether the first fetch for the organization is running.
func (p *Provider[T]) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// LastFetched returns when the last successful fetch finished.
func (p *Provider[T]) LastFetched() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFetched
}

// Err returns the error of the last fetch, nil after a success.
func (p *Provider[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// OnIdentity follows identity changes. A nil user or organization empties
// the collection; a new organization starts a fresh first fetch in the
// background.
func (p *Provider[T]) OnIdentity(u *model.User, orgID *uuid.UUID) {
	p.mu.Lock()
	if u == nil || orgID == nil {
		p.scope, p.items, p.fetched, p.err = nil, nil, false, nil
		p.lastFetched = time.Time{}
		p.mu.Unlock()
		return
	}
	if p.scope != nil && *p.scope == *orgID {
		p.mu.Unlock()
		return
	}
	id := *orgID
	p.scope, p.items, p.fetched, p.err = &id, nil, false, nil
	p.lastFetched = time.Time{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.load(p.ctx); err != nil && p.ctx.Err() == nil {
			p.log.Warn("initial fetch failed", zap.Error(err))
		}
	}()
}

// Refresh fetches now, ignoring the freshness window. It reports false when
// skipped because another fetch is running or no organization is set.
func (p *Provider[T]) Refresh(ctx context.Context) (bool, error) {
	return p.load(ctx)
}

// RefreshOnRegain is the visibility callback: it skips when the session is
// not ready or the last fetch is still fresh.
func (p *Provider[T]) RefreshOnRegain(ctx context.Context) (bool, error) {
	if p.ready != nil && !p.ready() {
		return false, nil
	}
	p.mu.Lock()
	fresh := p.fetched && p.now().Sub(p.lastFetched) < p.opts.FreshnessWindow
	p.mu.Unlock()
	if fresh {
		p.log.Debug("fresh, regain refetch skipped")
		return true, nil
	}
	return p.load(ctx)
}

// Close stops background fetches.
func (p *Provider[T]) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Provider[T]) load(ctx context.Context) (bool, error) {
	for {
		ok, moved, err := p.loadOnce(ctx)
		if !moved || ctx.Err() != nil {
			return ok, err
		}
	}
}

// loadOnce reports moved when the organization changed during the fetch; the
// result was discarded and the new organization still needs its first fetch.
func (p *Provider[T]) loadOnce(ctx context.Context) (ok, moved bool, err error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return false, false, nil
	}
	defer p.inFlight.Store(false)

	p.mu.Lock()
	if p.scope == nil {
		p.mu.Unlock()
		return false, false, nil
	}
	scope := *p.scope
	first := !p.fetched
	if first {
		p.loading = true
	}
	p.mu.Unlock()

	items, err := p.fetchWithRetry(ctx, scope)

	p.mu.Lock()
	defer p.mu.Unlock()
	if first {
		p.loading = false
	}
	if p.scope == nil {
		return false, false, nil
	}
	if *p.scope != scope {
		return false, true, nil
	}
	if err != nil {
		p.err = err
		return false, false, err
	}
	p.items = items
	p.fetched = true
	p.lastFetched = p.now()
	p.err = nil
	p.log.Debug("fetched", zap.Int("count", len(items)), zap.Bool("first", first))
	return true, false, nil
}

func (p *Provider[T]) fetchWithRetry(ctx context.Context, orgID uuid.UUID) ([]T, error) {
	b := &backoff.Backoff{Min: p.opts.RetryMin, Max: p.opts.RetryMax, Factor: 2, Jitter: true}
	for {
		items, err := p.fetchOnce(ctx, orgID)
		if err == nil {
			return items, nil
		}
		if !transient(err) || int(b.Attempt()) >= p.opts.Retries || ctx.Err() != nil {
			return nil, err
		}
		d := b.Duration()
		p.log.Debug("fetch failed, retrying", zap.Error(err), zap.Duration("in", d))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Provider[T]) fetchOnce(ctx context.Context, orgID uuid.UUID) ([]T, error) {
	if p.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.FetchTimeout)
		defer cancel()
	}
	return p.fetch(ctx, orgID)
}

func transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, errs.ErrUnauthorized),
		errors.Is(err, errs.ErrNotFound):
		return false
	default:
		return true
	}
}
