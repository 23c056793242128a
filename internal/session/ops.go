package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/org"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// SignIn authenticates, derives the identity and resolves organizations
// before returning.
func (s *Store) SignIn(ctx context.Context, email, password string) (*model.User, error) {
	sess, err := s.client.SignInWithPassword(ctx, email, password, "")
	if err != nil {
		return nil, err
	}
	at, _ := s.adopt(sess)
	u := s.ConvertIdentity(ctx, sess.User)
	if !s.updateIf(at, func(st *State) { st.User = &u }) {
		return nil, errs.ErrSignInRequired
	}
	s.finishLoading(nil)
	s.resolveOrganizations(ctx, at, u)
	return s.User(), nil
}

// SignOut clears local state, then revokes the provider session. Local
// cleanup happens before and independently of the provider call, which is
// bounded by the sign-out timeout; its failure, if any, is returned.
func (s *Store) SignOut(ctx context.Context) error {
	prev := s.client.ClearLocal()
	s.backup.Clear()
	s.clear()
	if prev == nil {
		return nil
	}

	if s.cfg.SignOutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SignOutTimeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- s.client.Revoke(ctx, prev) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.log.Warn("provider sign-out failed, local state cleared", zap.Error(err))
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// SwitchOrganization makes orgID the current tenant and remembers it on the
// profile. It fails with errs.ErrNotMember when the user has no active
// membership in orgID.
func (s *Store) SwitchOrganization(ctx context.Context, orgID uuid.UUID) error {
	snap := s.Snapshot()
	if snap.User == nil {
		return errs.ErrSignInRequired
	}
	if !org.Contains(snap.Memberships, orgID) {
		return fmt.Errorf("switch to %s: %w", orgID, errs.ErrNotMember)
	}
	var target *model.Organization
	for i := range snap.Organizations {
		if snap.Organizations[i].ID == orgID {
			target = &snap.Organizations[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("switch to %s: %w", orgID, errs.ErrNotMember)
	}
	at := s.stamp()
	if err := s.profiles.SetSessionOrganization(ctx, snap.User.ID, orgID); err != nil {
		return fmt.Errorf("remember organization: %w", err)
	}
	applied := s.updateIf(at, func(st *State) {
		s.ver++
		id := orgID
		st.User.SessionOrganizationID = &id
		o := *target
		st.Organization = &o
	})
	if !applied {
		s.log.Warn("organization switch superseded by a session change", zap.String("org_id", orgID.String()))
		return fmt.Errorf("switch to %s: %w", orgID, errs.ErrSignInRequired)
	}
	s.log.Info("organization switched", zap.String("org_id", orgID.String()))
	return nil
}

// RefreshOrganizations re-derives the identity and its memberships. Failures
// are logged and leave prior state in place.
func (s *Store) RefreshOrganizations(ctx context.Context) {
	sess := s.Session()
	if sess == nil {
		return
	}
	at := s.stamp()
	u := s.ConvertIdentity(ctx, sess.User)
	if !s.updateIf(at, func(st *State) { st.User = &u }) {
		return
	}
	s.resolveOrganizations(ctx, s.stamp(), u)
}

// ConvertIdentity derives the application identity from a principal. The
// profile lookup has its own timeout; on any failure a minimal identity with
// the default role is returned. It never fails.
func (s *Store) ConvertIdentity(ctx context.Context, p model.Principal) model.User {
	if s.cfg.ProfileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProfileTimeout)
		defer cancel()
	}
	prof, err := s.profiles.GetProfile(ctx, p.ID)
	if err != nil || prof == nil {
		s.log.Warn("profile lookup failed, using minimal identity",
			zap.String("user_id", p.ID.String()), zap.Error(err))
		return model.Minimal(p)
	}
	u := *prof
	u.ID = p.ID
	if u.Email == "" {
		u.Email = p.Email
	}
	if u.Role == "" {
		u.Role = model.DefaultRole
	}
	return u
}

func (s *Store) resolveOrganizations(ctx context.Context, at stamp, u model.User) {
	res, err := s.orgs.Resolve(ctx, u)
	if err != nil {
		if errors.Is(err, org.ErrResolveTimeout) {
			s.log.Warn("organization resolve timed out, keeping prior state")
		} else {
			s.log.Warn("organization resolve failed, keeping prior state", zap.Error(err))
		}
		return
	}
	s.updateIf(at, func(st *State) {
		st.Organization = res.Current
		st.Organizations = res.Organizations
		st.Memberships = res.Memberships
	})
	if res.Current == nil {
		s.log.Info("user has no organizations", zap.String("user_id", u.ID.String()))
	}
}
