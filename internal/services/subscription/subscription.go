package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
	"github.com/bizdesk/entitlement-engine/internal/models"
	"github.com/bizdesk/entitlement-engine/internal/rabbitmq"
)

// Repository defines the storage methods the lifecycle operations need.
type Repository interface {
	GetModuleByKey(ctx context.Context, key string) (*models.Module, bool, error)
	GetOrganization(ctx context.Context, id string) (*models.Organization, bool, error)
	GetSubscription(ctx context.Context, organizationID string, moduleID int64) (*models.Subscription, bool, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) (int, error)
}

// Entitlements mirrors the entitlement service operations used here.
type Entitlements interface {
	Disable(ctx context.Context, organizationID string, moduleID int64, moduleKey string, expiresAt time.Time) error
}

// Notifier publishes engine events to the notification sink.
type Notifier interface {
	Publish(routingKey string, message any) error
}

// Service exposes the subscription lifecycle operations the surrounding
// application triggers directly (currently reading status and
// cancellation; renewal is driven by the scheduler and the webhook).
type Service struct {
	repo         Repository
	entitlements Entitlements
	notifier     Notifier
	log          *slog.Logger
	now          func() time.Time
}

func NewService(repo Repository, entitlements Entitlements, notifier Notifier, log *slog.Logger) *Service {
	return &Service{
		repo:         repo,
		entitlements: entitlements,
		notifier:     notifier,
		log:          log,
		now:          time.Now,
	}
}

// Get returns the latest subscription for the organization and module key.
func (s *Service) Get(ctx context.Context, organizationID, moduleKey string) (*models.Subscription, error) {
	module, found, err := s.repo.GetModuleByKey(ctx, moduleKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSubscriptionNotFound
	}
	sub, found, err := s.repo.GetSubscription(ctx, organizationID, module.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// Cancel processes an explicit cancellation request. With atPeriodEnd the
// subscription keeps running until its paid period ends; otherwise access
// is revoked immediately. Emits a cancellation notice either way.
func (s *Service) Cancel(ctx context.Context, organizationID, moduleKey string, atPeriodEnd bool) (*models.Subscription, error) {
	const op = "subscription.Cancel"

	module, found, err := s.repo.GetModuleByKey(ctx, moduleKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !found {
		return nil, ErrSubscriptionNotFound
	}

	sub, found, err := s.repo.GetSubscription(ctx, organizationID, module.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !found {
		return nil, ErrSubscriptionNotFound
	}

	now := s.now()
	if err := Cancel(sub, now, atPeriodEnd); err != nil {
		return nil, err
	}
	if _, err := s.repo.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	effectiveAt := sub.CurrentPeriodEnd
	if !atPeriodEnd {
		effectiveAt = now
		if err := s.entitlements.Disable(ctx, organizationID, module.ID, moduleKey, now); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	s.log.Info("subscription canceled",
		slog.String("organization_id", organizationID),
		slog.String("module_key", moduleKey),
		slog.Bool("at_period_end", atPeriodEnd))

	s.notifyCancellation(ctx, sub, moduleKey, effectiveAt)

	return sub, nil
}

func (s *Service) notifyCancellation(ctx context.Context, sub *models.Subscription, moduleKey string, effectiveAt time.Time) {
	org, found, err := s.repo.GetOrganization(ctx, sub.OrganizationID)
	if err != nil || !found {
		s.log.Warn("organization not found for cancellation notice",
			slog.String("organization_id", sub.OrganizationID))
		return
	}
	notice := models.CancellationNotice{
		OrganizationID: sub.OrganizationID,
		BillingEmail:   org.BillingEmail,
		ModuleKey:      moduleKey,
		Plan:           sub.Plan,
		EffectiveAt:    effectiveAt,
	}
	if err := s.notifier.Publish(rabbitmq.RouteCanceled, notice); err != nil {
		// Reminder/cancellation delivery is best effort; the state change
		// has already committed.
		s.log.Error("failed to publish cancellation notice", sl.Err(err))
	}
}
