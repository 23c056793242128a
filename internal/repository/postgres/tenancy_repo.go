package postgres

import (
	"context"

	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ProfileRepo implements ProfileRepository using PostgreSQL.
type ProfileRepo struct{ db *DB }

// NewProfileRepo constructs a profile repository.
func NewProfileRepo(db *DB) *ProfileRepo { return &ProfileRepo{db: db} }

// GetProfile selects the profile of a user.
func (r *ProfileRepo) GetProfile(ctx context.Context, userID uuid.UUID) (*model.User, error) {
	const q = `
SELECT id, email, name, role, assigned_properties, organization_id, session_organization_id
FROM profiles WHERE id=$1`
	var (
		u    model.User
		role string
	)
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(
		&u.ID, &u.Email, &u.Name, &role, &u.AssignedProperties, &u.OrganizationID, &u.SessionOrganizationID,
	)
	if err != nil {
		return nil, notFound(err)
	}
	u.Role = model.ParseRole(role)
	return &u, nil
}

// CreateProfile inserts a profile row.
func (r *ProfileRepo) CreateProfile(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO profiles (id, email, name, role, organization_id)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, u.Email, u.Name, string(u.Role), u.OrganizationID)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// SetSessionOrganization updates the remembered tenant.
func (r *ProfileRepo) SetSessionOrganization(ctx context.Context, userID, orgID uuid.UUID) error {
	const q = `UPDATE profiles SET session_organization_id=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, userID, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MembershipRepo implements MembershipRepository using PostgreSQL.
type MembershipRepo struct{ db *DB }

// NewMembershipRepo constructs a membership repository.
func NewMembershipRepo(db *DB) *MembershipRepo { return &MembershipRepo{db: db} }

// ListActive selects active memberships in insertion order.
func (r *MembershipRepo) ListActive(ctx context.Context, userID uuid.UUID) ([]model.Membership, error) {
	const q = `
SELECT user_id, organization_id, role, is_active, is_default, created_at
FROM user_organizations
WHERE user_id=$1 AND is_active
ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Membership
	for rows.Next() {
		var (
			m    model.Membership
			role string
		)
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &role, &m.Active, &m.IsDefault, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = model.ParseRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Add inserts a membership row.
func (r *MembershipRepo) Add(ctx context.Context, m model.Membership) error {
	const q = `
INSERT INTO user_organizations (user_id, organization_id, role, is_active, is_default)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, m.UserID, m.OrganizationID, string(m.Role), m.Active, m.IsDefault)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// OrganizationRepo implements OrganizationRepository using PostgreSQL.
type OrganizationRepo struct{ db *DB }

// NewOrganizationRepo constructs an organization repository.
func NewOrganizationRepo(db *DB) *OrganizationRepo { return &OrganizationRepo{db: db} }

// Create inserts an organization row.
func (r *OrganizationRepo) Create(ctx context.Context, o *model.Organization) error {
	const q = `
INSERT INTO organizations (id, name, slug, settings, created_by)
VALUES ($1, $2, $3, $4, $5)`
	settings := o.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	_, err := r.db.Pool.Exec(ctx, q, o.ID, o.Name, o.Slug, settings, o.CreatedBy)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// ListByIDs selects organizations whose id is in ids.
func (r *OrganizationRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Organization, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
SELECT id, name, slug, settings, created_by, created_at
FROM organizations WHERE id = ANY($1)`
	rows, err := r.db.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Organization
	for rows.Next() {
		var o model.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Slug, &o.Settings, &o.CreatedBy, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
