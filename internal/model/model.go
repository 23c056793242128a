// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Principal is the authenticated subject as the auth provider knows it.
type Principal struct {
	ID    uuid.UUID
	Email string
}

// Session is a bearer credential pair plus the principal it authenticates.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry
	User         Principal
}

// Valid reports whether the session may be adopted at the given instant.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && now.Before(s.ExpiresAt)
}

// Role is the application role of a user.
type Role string

// Known roles.
const (
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleContractor Role = "contractor"
	RoleOther      Role = "other"
)

// DefaultRole is assigned when no profile is available.
const DefaultRole = RoleOther

// ParseRole maps a stored role string to a Role; unknown values become DefaultRole.
func ParseRole(s string) Role {
	switch r := Role(s); r {
	case RoleAdmin, RoleManager, RoleContractor, RoleOther:
		return r
	default:
		return DefaultRole
	}
}

// User is the application identity: the principal enriched with its profile.
type User struct {
	ID                    uuid.UUID
	Email                 string
	Name                  string
	Role                  Role
	AssignedProperties    []uuid.UUID
	OrganizationID        *uuid.UUID // default tenant from the profile
	SessionOrganizationID *uuid.UUID // tenant the user last operated in
}

// Minimal builds the fallback identity used when the profile lookup fails.
func Minimal(p Principal) User {
	return User{ID: p.ID, Email: p.Email, Role: DefaultRole}
}

// Organization is an isolated tenant workspace.
type Organization struct {
	ID        uuid.UUID
	Name      string
	Slug      string
	Settings  map[string]any
	CreatedBy *uuid.UUID
	CreatedAt time.Time
}

// Membership joins a user to an organization.
type Membership struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           Role
	Active         bool
	IsDefault      bool
	CreatedAt      time.Time
}

// Property is a managed building or unit.
type Property struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Address        string
	CreatedAt      time.Time
}

// Contractor is a vendor able to quote and complete jobs.
type Contractor struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	CompanyName    string
	ContactEmail   string
	Specialties    []string
	CreatedAt      time.Time
}

// RequestStatus tracks a maintenance request through its lifecycle.
type RequestStatus string

// Maintenance request statuses.
const (
	RequestOpen       RequestStatus = "open"
	RequestAssigned   RequestStatus = "assigned"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
)

// MaintenanceRequest is a job filed against a property.
type MaintenanceRequest struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	PropertyID     uuid.UUID
	ContractorID   *uuid.UUID
	Title          string
	Status         RequestStatus
	Priority       string
	CreatedAt      time.Time
}

// Account is the provider-side credential record. Passwords are never stored in plaintext.
type Account struct {
	ID        uuid.UUID
	Email     string // unique
	PwdHash   []byte // Argon2id(password, Salt)
	Salt      []byte
	CreatedAt time.Time
}

// SubscriptionStatus mirrors the payment processor's subscription state.
type SubscriptionStatus string

// Subscription statuses.
const (
	SubTrialing SubscriptionStatus = "trialing"
	SubActive   SubscriptionStatus = "active"
	SubPastDue  SubscriptionStatus = "past_due"
	SubCanceled SubscriptionStatus = "canceled"
)

// Subscription is the per-organization billing state, priced per property.
type Subscription struct {
	OrganizationID    uuid.UUID
	ExternalID        string // processor subscription id
	Status            SubscriptionStatus
	TrialEndsAt       *time.Time
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	PropertyCount     int
	LastEventAt       time.Time // newest processor event applied
	LastEventKey      string    // processor event id, or type when the event has none
}
