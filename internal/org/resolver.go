// Package org resolves the organizations an identity belongs to and picks
// the one it currently operates in.
package org

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// ErrResolveTimeout marks a resolution that ran out of time. The outcome is
// unknown, so callers keep whatever organization state they already had.
var ErrResolveTimeout = errors.New("organization resolve timed out")

// Result is a resolved tenancy view. Current is nil when the user has no
// organizations and must be onboarded.
type Result struct {
	Current       *model.Organization
	Organizations []model.Organization
	Memberships   []model.Membership
}

// Role returns the user's role in the current organization, or "" without one.
func (r Result) Role() model.Role {
	if r.Current == nil {
		return ""
	}
	for _, m := range r.Memberships {
		if m.OrganizationID == r.Current.ID {
			return m.Role
		}
	}
	return ""
}

// Resolver loads memberships and organizations with a bounded wait.
type Resolver struct {
	memberships repository.MembershipRepository
	orgs        repository.OrganizationRepository
	timeout     time.Duration
	log         *zap.Logger
}

// NewResolver constructs a Resolver. A zero timeout disables the bound.
func NewResolver(m repository.MembershipRepository, o repository.OrganizationRepository, timeout time.Duration, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{memberships: m, orgs: o, timeout: timeout, log: log.Named("org")}
}

// Resolve fetches active memberships of u and selects the current organization.
func (r *Resolver) Resolve(ctx context.Context, u model.User) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ms, err := r.memberships.ListActive(ctx, u.ID)
	if err != nil {
		return Result{}, r.wrap(ctx, "list memberships", err)
	}
	if len(ms) == 0 {
		return Result{}, nil
	}
	ids := make([]uuid.UUID, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.OrganizationID)
	}
	orgs, err := r.orgs.ListByIDs(ctx, ids)
	if err != nil {
		return Result{}, r.wrap(ctx, "list organizations", err)
	}

	// memberships whose organization row is gone are ignored
	byID := make(map[uuid.UUID]model.Organization, len(orgs))
	for _, o := range orgs {
		byID[o.ID] = o
	}
	live := ms[:0:0]
	ordered := make([]model.Organization, 0, len(orgs))
	for _, m := range ms {
		if o, ok := byID[m.OrganizationID]; ok {
			live = append(live, m)
			ordered = append(ordered, o)
		}
	}

	res := Result{Organizations: ordered, Memberships: live}
	if m := Select(u, live); m != nil {
		o := byID[m.OrganizationID]
		res.Current = &o
	}
	return res, nil
}

func (r *Resolver) wrap(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.log.Warn("organization resolve timed out", zap.String("op", op))
		return fmt.Errorf("%w: %w", ErrResolveTimeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Select picks the current membership, first match wins:
// the session organization, then the default membership, then the oldest
// membership. Nil when ms is empty. The result does not depend on the order of ms.
func Select(u model.User, ms []model.Membership) *model.Membership {
	if len(ms) == 0 {
		return nil
	}
	sorted := slices.Clone(ms)
	slices.SortStableFunc(sorted, func(a, b model.Membership) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.OrganizationID.Bytes(), b.OrganizationID.Bytes())
	})

	if u.SessionOrganizationID != nil {
		for i := range sorted {
			if sorted[i].OrganizationID == *u.SessionOrganizationID {
				return &sorted[i]
			}
		}
	}
	for i := range sorted {
		if sorted[i].IsDefault {
			return &sorted[i]
		}
	}
	return &sorted[0]
}

// Contains reports whether ms has an active membership in orgID.
func Contains(ms []model.Membership, orgID uuid.UUID) bool {
	return slices.ContainsFunc(ms, func(m model.Membership) bool {
		return m.OrganizationID == orgID && m.Active
	})
}
