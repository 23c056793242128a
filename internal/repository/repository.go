// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/propcare/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AccountRepository stores provider-side credentials.
type AccountRepository interface {
	// Create inserts a new account; ErrAlreadyExists on duplicate email.
	Create(ctx context.Context, a *model.Account) error
	// GetByID loads an account by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
	// GetByEmail loads an account by normalized email.
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
}

// RefreshTokenRepository stores hashed, single-use refresh tokens.
type RefreshTokenRepository interface {
	// Save records a new refresh token hash for account.
	Save(ctx context.Context, hash []byte, accountID uuid.UUID, expiresAt time.Time) error
	// Consume revokes a live token and returns its account; ErrUnauthorized otherwise.
	Consume(ctx context.Context, hash []byte) (uuid.UUID, error)
	// RevokeAll revokes every token of account.
	RevokeAll(ctx context.Context, accountID uuid.UUID) error
}

// ProfileRepository reads and writes the application identity record.
type ProfileRepository interface {
	// GetProfile returns the single profile row for userID or ErrNotFound.
	GetProfile(ctx context.Context, userID uuid.UUID) (*model.User, error)
	// CreateProfile inserts the profile created at sign-up.
	CreateProfile(ctx context.Context, u *model.User) error
	// SetSessionOrganization remembers the tenant the user last operated in.
	SetSessionOrganization(ctx context.Context, userID, orgID uuid.UUID) error
}

// MembershipRepository lists user-to-organization joins.
type MembershipRepository interface {
	// ListActive returns active memberships of userID in storage order.
	ListActive(ctx context.Context, userID uuid.UUID) ([]model.Membership, error)
	// Add inserts a membership.
	Add(ctx context.Context, m model.Membership) error
}

// OrganizationRepository stores tenants.
type OrganizationRepository interface {
	// Create inserts an organization; ErrAlreadyExists on duplicate slug.
	Create(ctx context.Context, o *model.Organization) error
	// ListByIDs returns the organizations with the given ids, order unspecified.
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Organization, error)
}

// PropertyRepository lists tenant-scoped properties.
type PropertyRepository interface {
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]model.Property, error)
}

// ContractorRepository lists tenant-scoped contractors.
type ContractorRepository interface {
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]model.Contractor, error)
}

// RequestRepository lists tenant-scoped maintenance requests.
type RequestRepository interface {
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]model.MaintenanceRequest, error)
}

// SubscriptionRepository stores billing state per organization.
type SubscriptionRepository interface {
	// Get returns the subscription of orgID or ErrNotFound.
	Get(ctx context.Context, orgID uuid.UUID) (*model.Subscription, error)
	// Upsert writes s.
	Upsert(ctx context.Context, s *model.Subscription) error
}
