package postgres

import (
	"context"

	"github.com/and161185/propcare/internal/model"
	"github.com/gofrs/uuid/v5"
)

// SubscriptionRepo implements SubscriptionRepository using PostgreSQL.
type SubscriptionRepo struct{ db *DB }

// NewSubscriptionRepo constructs a subscription repository.
func NewSubscriptionRepo(db *DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

// Get selects the subscription of an organization.
func (r *SubscriptionRepo) Get(ctx context.Context, orgID uuid.UUID) (*model.Subscription, error) {
	const q = `
SELECT organization_id, external_id, status, trial_ends_at, current_period_end,
       cancel_at_period_end, property_count, last_event_at, last_event_key
FROM subscriptions WHERE organization_id=$1`
	var (
		s      model.Subscription
		status string
	)
	err := r.db.Pool.QueryRow(ctx, q, orgID).Scan(
		&s.OrganizationID, &s.ExternalID, &status, &s.TrialEndsAt, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &s.PropertyCount, &s.LastEventAt, &s.LastEventKey,
	)
	if err != nil {
		return nil, notFound(err)
	}
	s.Status = model.SubscriptionStatus(status)
	return &s, nil
}

// Upsert inserts or replaces the subscription row.
func (r *SubscriptionRepo) Upsert(ctx context.Context, s *model.Subscription) error {
	const q = `
INSERT INTO subscriptions (organization_id, external_id, status, trial_ends_at, current_period_end,
                           cancel_at_period_end, property_count, last_event_at, last_event_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (organization_id) DO UPDATE SET
  external_id = EXCLUDED.external_id,
  status = EXCLUDED.status,
  trial_ends_at = EXCLUDED.trial_ends_at,
  current_period_end = EXCLUDED.current_period_end,
  cancel_at_period_end = EXCLUDED.cancel_at_period_end,
  property_count = EXCLUDED.property_count,
  last_event_at = EXCLUDED.last_event_at,
  last_event_key = EXCLUDED.last_event_key`
	_, err := r.db.Pool.Exec(ctx, q,
		s.OrganizationID, s.ExternalID, string(s.Status), s.TrialEndsAt, s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd, s.PropertyCount, s.LastEventAt, s.LastEventKey,
	)
	return err
}
