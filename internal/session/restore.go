package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStartupTimeout is the user-visible error recorded when the startup
// session check does not finish in time.
var ErrStartupTimeout = errors.New("session check timed out")

var errNoSession = errors.New("no usable session")

// Start registers with the auth client and the coordinator while the startup
// session check runs, then latches loading off. The check is bounded by the
// startup timeout; on timeout loading is still turned off and
// ErrStartupTimeout is recorded and returned.
func (s *Store) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() { err = s.start(ctx) })
	return err
}

func (s *Store) start(ctx context.Context) error {
	s.wg.Add(1)
	go s.worker()

	checkCtx := ctx
	if s.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, s.cfg.StartupTimeout)
		defer cancel()
	}

	var g errgroup.Group
	g.Go(func() error {
		s.register()
		return nil
	})
	var (
		user *model.User
		at   stamp
	)
	g.Go(func() error {
		if err := s.RestoreSession(checkCtx); err != nil {
			return err
		}
		sess := s.Session()
		if sess == nil {
			return errNoSession
		}
		at = s.stamp()
		u := s.ConvertIdentity(checkCtx, sess.User)
		if !s.updateIf(at, func(st *State) { st.User = &u }) {
			return errNoSession
		}
		user = &u
		return nil
	})
	err := g.Wait()

	switch {
	case err == nil:
		s.finishLoading(nil)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.resolveOrganizations(s.ctx, at, *user)
		}()
		s.log.Info("session restored", zap.String("user_id", user.ID.String()))
		return nil
	case errors.Is(checkCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		s.log.Error("startup session check timed out", zap.Duration("after", s.cfg.StartupTimeout))
		s.finishLoading(ErrStartupTimeout)
		return ErrStartupTimeout
	default:
		s.finishLoading(nil)
		s.log.Info("no session at startup", zap.Error(err))
		return nil
	}
}

func (s *Store) register() {
	s.unsub = append(s.unsub, s.client.OnAuthStateChange(s.onAuthEvent))
	if s.coord == nil {
		return
	}
	s.unsub = append(s.unsub, s.coord.OnRefresh(s.refreshOnRegain))
	if err := s.coord.SetSessionReadyCallback(s.Ready); err != nil {
		s.log.Error("install session ready predicate", zap.Error(err))
	}
}

// refreshOnRegain re-validates the session when the process becomes visible.
func (s *Store) refreshOnRegain(ctx context.Context) (bool, error) {
	err := s.RestoreSession(ctx)
	if errors.Is(err, errs.ErrSignInRequired) {
		return false, nil
	}
	return err == nil, err
}

// RestoreSession makes a valid session current. It first takes the client's
// in-memory session, then climbs the ladder: primary storage, then the
// backup channel, waiting attempt*base between attempts. Expired sessions
// are never adopted. When every attempt fails the store is cleared and
// errs.ErrSignInRequired is returned.
func (s *Store) RestoreSession(ctx context.Context) error {
	if sess := s.client.Session(); sess.Valid(s.now()) {
		s.adoptRestored(sess)
		return nil
	}

	attempt := 0
	err := retry.Do(ctx, s.ladder(), func(ctx context.Context) error {
		attempt++
		if sess := s.fromPrimary(ctx); sess != nil {
			s.adoptRestored(sess)
			s.log.Debug("session restored from primary storage", zap.Int("attempt", attempt))
			return nil
		}
		if sess := s.fromBackup(ctx); sess != nil {
			s.adoptRestored(sess)
			s.log.Info("session restored from backup", zap.Int("attempt", attempt))
			return nil
		}
		return retry.RetryableError(errNoSession)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.log.Info("session restoration exhausted", zap.Int("attempts", attempt))
	s.clear()
	return fmt.Errorf("%w: %w", errs.ErrSignInRequired, err)
}

// ladder yields n*base before retry n, for RestoreAttempts attempts in total.
func (s *Store) ladder() retry.Backoff {
	attempts := s.cfg.RestoreAttempts
	if attempts < 1 {
		attempts = 1
	}
	var n int64
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * s.cfg.RestoreBaseDelay, false
	})
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

func (s *Store) fromPrimary(ctx context.Context) *model.Session {
	sess, err := s.client.LoadSession(ctx)
	if err != nil {
		s.log.Debug("primary storage read failed", zap.Error(err))
	}
	if !sess.Valid(s.now()) {
		return nil
	}
	return sess
}

func (s *Store) fromBackup(ctx context.Context) *model.Session {
	b := s.backup.Restore()
	if !b.Valid(s.now()) {
		return nil
	}
	sess, err := s.client.SetSession(ctx, b.AccessToken, b.RefreshToken)
	if err != nil {
		s.log.Warn("backup session rejected", zap.Error(err))
		if errors.Is(err, errs.ErrUnauthorized) {
			s.backup.Clear()
		}
		return nil
	}
	if !sess.Valid(s.now()) {
		return nil
	}
	return sess
}

func (s *Store) adoptRestored(sess *model.Session) {
	at, stale := s.adopt(sess)
	if stale && s.Initialized() {
		// identity for the startup path is derived by Start itself
		s.enqueue(job{kind: jobIdentity, at: at, p: sess.User})
	}
}
