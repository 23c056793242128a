package postgres

import (
	"context"

	"github.com/and161185/propcare/internal/model"
	"github.com/gofrs/uuid/v5"
)

// PropertyRepo implements PropertyRepository using PostgreSQL.
type PropertyRepo struct{ db *DB }

// NewPropertyRepo constructs a property repository.
func NewPropertyRepo(db *DB) *PropertyRepo { return &PropertyRepo{db: db} }

// ListByOrganization selects properties of a tenant.
func (r *PropertyRepo) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]model.Property, error) {
	const q = `
SELECT id, organization_id, name, address, created_at
FROM properties WHERE organization_id=$1
ORDER BY name ASC`
	rows, err := r.db.Pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Property
	for rows.Next() {
		var p model.Property
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Address, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ContractorRepo implements ContractorRepository using PostgreSQL.
type ContractorRepo struct{ db *DB }

// NewContractorRepo constructs a contractor repository.
func NewContractorRepo(db *DB) *ContractorRepo { return &ContractorRepo{db: db} }

// ListByOrganization selects contractors of a tenant.
func (r *ContractorRepo) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]model.Contractor, error) {
	const q = `
SELECT id, organization_id, company_name, contact_email, specialties, created_at
FROM contractors WHERE organization_id=$1
ORDER BY company_name ASC`
	rows, err := r.db.Pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contractor
	for rows.Next() {
		var c model.Contractor
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.CompanyName, &c.ContactEmail, &c.Specialties, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RequestRepo implements RequestRepository using PostgreSQL.
type RequestRepo struct{ db *DB }

// NewRequestRepo constructs a maintenance request repository.
func NewRequestRepo(db *DB) *RequestRepo { return &RequestRepo{db: db} }

// ListByOrganization selects maintenance requests of a tenant, newest first.
func (r *RequestRepo) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]model.MaintenanceRequest, error) {
	const q = `
SELECT id, organization_id, property_id, contractor_id, title, status, priority, created_at
FROM maintenance_requests WHERE organization_id=$1
ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MaintenanceRequest
	for rows.Next() {
		var (
			m      model.MaintenanceRequest
			status string
		)
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.PropertyID, &m.ContractorID, &m.Title, &status, &m.Priority, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Status = model.RequestStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}
