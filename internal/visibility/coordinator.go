// Package visibility coordinates one refresh cycle across subsystems each
// time the process becomes visible again (resumed, or poked by the operator).
package visibility

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/and161185/propcare/internal/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RefreshFunc is run on every regain cycle. It reports whether the session is
// confirmed ready from its subsystem's point of view.
type RefreshFunc func(ctx context.Context) (bool, error)

// ReadyPredicate answers whether dependents may treat the session as usable.
type ReadyPredicate func() bool

var instance atomic.Bool

type entry[F any] struct {
	id int
	fn F
}

// registry is an ordered set of callbacks with removal by handle.
type registry[F any] struct {
	mu     sync.Mutex
	items  []entry[F]
	nextID int
}

func (r *registry[F]) add(fn F) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.items = append(r.items, entry[F]{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.items {
			if e.id == id {
				r.items = append(r.items[:i:i], r.items[i+1:]...)
				return
			}
		}
	}
}

func (r *registry[F]) snapshot() []F {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]F, len(r.items))
	for i, e := range r.items {
		out[i] = e.fn
	}
	return out
}

// Coordinator is the process-wide visibility hub. Only one may be open at a time.
type Coordinator struct {
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	refreshers registry[RefreshFunc]
	watchers   registry[func(refreshing bool)]

	refreshing atomic.Bool
	cycles     sync.WaitGroup

	mu         sync.Mutex
	ready      ReadyPredicate
	stopListen func()
	closed     bool
}

// New opens the process coordinator. It fails with errs.ErrCoordinatorExists
// while another coordinator is open.
func New(log *zap.Logger) (*Coordinator, error) {
	if !instance.CompareAndSwap(false, true) {
		return nil, errs.ErrCoordinatorExists
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{log: log.Named("visibility"), ctx: ctx, cancel: cancel}, nil
}

// OnRefresh registers fn for every regain cycle. Callbacks start in
// registration order. The returned func unregisters it.
func (c *Coordinator) OnRefresh(fn RefreshFunc) func() { return c.refreshers.add(fn) }

// OnTabRefreshChange subscribes to transitions into and out of a refresh cycle.
func (c *Coordinator) OnTabRefreshChange(fn func(refreshing bool)) func() {
	return c.watchers.add(fn)
}

// SetSessionReadyCallback installs the session-ready predicate. Only one
// writer is allowed; later calls are rejected and logged.
func (c *Coordinator) SetSessionReadyCallback(p ReadyPredicate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready != nil {
		c.log.Error("second session ready predicate rejected")
		return errs.ErrReadyPredicateSet
	}
	c.ready = p
	return nil
}

// SessionReady evaluates the installed predicate. False when none is installed.
func (c *Coordinator) SessionReady() bool {
	c.mu.Lock()
	p := c.ready
	c.mu.Unlock()
	return p != nil && p()
}

// IsRefreshing reports whether a regain cycle is in progress.
func (c *Coordinator) IsRefreshing() bool { return c.refreshing.Load() }

// StartListening subscribes to src. Calling it again while listening is a no-op.
func (c *Coordinator) StartListening(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopListen != nil || c.closed {
		return
	}
	c.stopListen = src.Listen(func() {
		c.cycles.Add(1)
		go func() {
			defer c.cycles.Done()
			c.Regain(c.ctx)
		}()
	})
	c.log.Debug("listening for visibility regain")
}

// StopListening drops the source subscription. Safe to call repeatedly.
func (c *Coordinator) StopListening() {
	c.mu.Lock()
	stop := c.stopListen
	c.stopListen = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Regain runs one refresh cycle. A trigger that arrives while a cycle is
// running is dropped and Regain returns false.
func (c *Coordinator) Regain(ctx context.Context) bool {
	if !c.refreshing.CompareAndSwap(false, true) {
		c.log.Debug("regain ignored, cycle in progress")
		return false
	}
	c.notify(true)

	var g errgroup.Group
	for i, fn := range c.refreshers.snapshot() {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("refresh callback panic: %v", r)
				}
				if err != nil {
					c.log.Warn("refresh callback failed", zap.Int("index", i), zap.Error(err))
				}
			}()
			ready, err := fn(ctx)
			if err == nil {
				c.log.Debug("refresh callback done", zap.Int("index", i), zap.Bool("ready", ready))
			}
			return err
		})
	}
	_ = g.Wait() // failures are logged per callback

	c.refreshing.Store(false)
	c.notify(false)
	return true
}

func (c *Coordinator) notify(refreshing bool) {
	for i, fn := range c.watchers.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Warn("refresh watcher panic", zap.Int("index", i), zap.Bool("refreshing", refreshing), zap.Any("panic", r))
				}
			}()
			fn(refreshing)
		}()
	}
}

// Close stops listening, waits for running cycles and releases the
// single-instance guard.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.StopListening()
	c.cancel()
	c.cycles.Wait()
	instance.Store(false)
}
