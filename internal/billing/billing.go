// Package billing prices organizations per property and reconciles
// subscription state from payment processor events.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/propcare/internal/config"
	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

var (
	// ErrStaleEvent is returned for an event older than the last one applied.
	ErrStaleEvent = errors.New("stale billing event")
	// ErrUnknownEvent is returned for an event type the service does not handle.
	ErrUnknownEvent = errors.New("unknown billing event")
)

// EventType is a processor webhook event type.
type EventType string

// Handled event types.
const (
	SubscriptionCreated     EventType = "subscription.created"
	SubscriptionUpdated     EventType = "subscription.updated"
	SubscriptionDeleted     EventType = "subscription.deleted"
	SubscriptionReactivated EventType = "subscription.reactivated"
	InvoicePaid             EventType = "invoice.paid"
	InvoicePaymentFailed    EventType = "invoice.payment_failed"
)

// Event is a processor notification about one organization's subscription.
// Zero-valued optional fields leave the stored value unchanged.
type Event struct {
	ID                string                   `json:"id,omitempty"`
	Type              EventType                `json:"type"`
	OrganizationID    uuid.UUID                `json:"organization_id"`
	ExternalID        string                   `json:"external_id,omitempty"`
	OccurredAt        time.Time                `json:"occurred_at"`
	Status            model.SubscriptionStatus `json:"status,omitempty"`
	TrialEndsAt       *time.Time               `json:"trial_ends_at,omitempty"`
	CurrentPeriodEnd  *time.Time               `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd *bool                    `json:"cancel_at_period_end,omitempty"`
	PropertyCount     *int                     `json:"property_count,omitempty"`
}

// key identifies ev for redelivery detection.
func (ev Event) key() string {
	if ev.ID != "" {
		return ev.ID
	}
	return string(ev.Type)
}

// Quote is the price of one billing period.
type Quote struct {
	Properties int
	UnitAmount int64
	Total      int64
	Currency   string
}

// Progress describes how far an organization is into its trial.
type Progress struct {
	TotalDays int
	UsedDays  int
	LeftDays  int
	Expired   bool
}

// Service implements billing operations.
type Service struct {
	repo repository.SubscriptionRepository
	cfg  config.BillingConfig
	log  *zap.Logger
	now  func() time.Time
}

// NewService constructs Service with required dependencies.
func NewService(repo repository.SubscriptionRepository, cfg config.BillingConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, cfg: cfg, log: log.Named("billing"), now: time.Now}
}

// Quote prices count properties for one period.
func (s *Service) Quote(count int) (Quote, error) {
	if count < 0 {
		return Quote{}, fmt.Errorf("%w: negative property count %d", errs.ErrValidation, count)
	}
	return Quote{
		Properties: count,
		UnitAmount: s.cfg.PricePerProperty,
		Total:      int64(count) * s.cfg.PricePerProperty,
		Currency:   s.cfg.Currency,
	}, nil
}

// trialLength is the configured trial, which every trial computation uses.
func (s *Service) trialLength() time.Duration {
	return time.Duration(s.cfg.TrialDays) * 24 * time.Hour
}

// StartTrial creates a trialing subscription for an organization without one.
func (s *Service) StartTrial(ctx context.Context, orgID uuid.UUID, properties int) (*model.Subscription, error) {
	if cur, err := s.repo.Get(ctx, orgID); err == nil {
		return cur, errs.ErrAlreadyExists
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	ends := s.now().Add(s.trialLength())
	sub := &model.Subscription{
		OrganizationID: orgID,
		Status:         model.SubTrialing,
		TrialEndsAt:    &ends,
		PropertyCount:  properties,
	}
	if err := s.repo.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return sub, nil
}

// Subscription returns the stored subscription of orgID.
func (s *Service) Subscription(ctx context.Context, orgID uuid.UUID) (*model.Subscription, error) {
	return s.repo.Get(ctx, orgID)
}

// TrialProgress reports the trial position of sub at now against the
// configured trial length.
func (s *Service) TrialProgress(sub *model.Subscription, now time.Time) Progress {
	total := s.cfg.TrialDays
	p := Progress{TotalDays: total}
	if sub == nil || sub.TrialEndsAt == nil {
		return p
	}
	left := sub.TrialEndsAt.Sub(now)
	if left <= 0 {
		p.UsedDays, p.Expired = total, true
		return p
	}
	p.LeftDays = int((left + 24*time.Hour - 1) / (24 * time.Hour))
	if p.LeftDays > total {
		p.LeftDays = total
	}
	p.UsedDays = total - p.LeftDays
	return p
}

// Apply reconciles one processor event. Redelivery of the last applied event
// (same instant and id, or same instant and type for events without an id) is
// a no-op; an older event fails with ErrStaleEvent.
func (s *Service) Apply(ctx context.Context, ev Event) (*model.Subscription, error) {
	sub, err := s.repo.Get(ctx, ev.OrganizationID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		sub = &model.Subscription{OrganizationID: ev.OrganizationID, Status: model.SubTrialing}
	case err != nil:
		return nil, fmt.Errorf("load subscription: %w", err)
	default:
		if ev.OccurredAt.Equal(sub.LastEventAt) && ev.key() == sub.LastEventKey {
			return sub, nil
		}
		if ev.OccurredAt.Before(sub.LastEventAt) {
			s.log.Info("stale billing event ignored",
				zap.String("type", string(ev.Type)), zap.String("org_id", ev.OrganizationID.String()))
			return sub, ErrStaleEvent
		}
	}

	switch ev.Type {
	case SubscriptionCreated:
		sub.Status = model.SubTrialing
		if ev.Status != "" {
			sub.Status = ev.Status
		}
		if ev.TrialEndsAt != nil {
			sub.TrialEndsAt = ev.TrialEndsAt
		} else if sub.Status == model.SubTrialing && sub.TrialEndsAt == nil {
			ends := ev.OccurredAt.Add(s.trialLength())
			sub.TrialEndsAt = &ends
		}
	case SubscriptionUpdated:
		if ev.Status != "" {
			sub.Status = ev.Status
		}
	case SubscriptionDeleted:
		sub.Status = model.SubCanceled
		sub.CancelAtPeriodEnd = false
	case SubscriptionReactivated:
		sub.Status = model.SubActive
		sub.CancelAtPeriodEnd = false
	case InvoicePaid:
		sub.Status = model.SubActive
	case InvoicePaymentFailed:
		sub.Status = model.SubPastDue
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}

	if ev.ExternalID != "" {
		sub.ExternalID = ev.ExternalID
	}
	if ev.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = ev.CurrentPeriodEnd
	}
	if ev.CancelAtPeriodEnd != nil && ev.Type != SubscriptionDeleted && ev.Type != SubscriptionReactivated {
		sub.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
	}
	if ev.PropertyCount != nil {
		sub.PropertyCount = *ev.PropertyCount
	}
	sub.LastEventAt = ev.OccurredAt
	sub.LastEventKey = ev.key()

	if err := s.repo.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	s.log.Info("billing event applied",
		zap.String("type", string(ev.Type)),
		zap.String("org_id", ev.OrganizationID.String()),
		zap.String("status", string(sub.Status)))
	return sub, nil
}
