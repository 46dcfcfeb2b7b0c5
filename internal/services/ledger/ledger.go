// Package ledger records gateway transactions and guarantees each
// confirmation is applied at most once. The durable guard is the unique
// (provider, provider_ref) payment row updated inside a single
// transaction together with the subscription renewal; redis only
// short-circuits rapid redelivery.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bizdesk/entitlement-engine/internal/lib/billing"
	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
	"github.com/bizdesk/entitlement-engine/internal/models"
	"github.com/bizdesk/entitlement-engine/internal/services/subscription"
	"github.com/bizdesk/entitlement-engine/internal/storage/repository"
)

// Repository defines the payment storage, including the atomic
// confirm-and-renew and attempt-bootstrap operations.
type Repository interface {
	CreatePayment(ctx context.Context, p *models.Payment) (int64, error)
	CreatePaymentAttempt(ctx context.Context, p *models.Payment, moduleID int64,
		bootstrap func() *models.Subscription) (bool, error)
	GetPaymentByProviderRef(ctx context.Context, provider, providerRef string) (*models.Payment, bool, error)
	ApplyPaymentSucceeded(ctx context.Context, provider, providerRef string, paidAt time.Time,
		transition func(sub *models.Subscription) error) (bool, error)
}

// Cache short-circuits redelivered confirmations. Optional for
// correctness: a cache miss (or a cold cache after restart) just falls
// through to the transaction, whose FOR UPDATE + unique index decide.
type Cache interface {
	Get(key string, result any) (bool, error)
	Set(key string, value any, expiration time.Duration) error
}

// appliedTTL bounds only the cache entry, not the guarantee: gateways may
// redeliver indefinitely and the payment row handles that forever.
const appliedTTL = 48 * time.Hour

type Service struct {
	repo      Repository
	cache     Cache
	log       *slog.Logger
	graceDays int
	now       func() time.Time
}

func NewService(repo Repository, cache Cache, log *slog.Logger, graceDays int) *Service {
	return &Service{
		repo:      repo,
		cache:     cache,
		log:       log,
		graceDays: graceDays,
		now:       time.Now,
	}
}

func appliedKey(provider, providerRef string) string {
	return fmt.Sprintf("payment:applied:%s:%s", provider, providerRef)
}

// RecordAttempt creates the pending payment row for an initiated charge.
// When the provider reference has already been recorded it returns the
// existing row instead of an error: at-least-once delivery makes the
// second writer harmless.
func (s *Service) RecordAttempt(ctx context.Context, organizationID string, subscriptionID int64,
	amountMinor int64, currency, provider, providerRef string) (*models.Payment, error) {
	const op = "ledger.RecordAttempt"

	payment := &models.Payment{
		OrganizationID: organizationID,
		SubscriptionID: &subscriptionID,
		AmountMinor:    amountMinor,
		Currency:       currency,
		Status:         models.PaymentPending,
		Provider:       provider,
		ProviderRef:    providerRef,
	}
	id, err := s.repo.CreatePayment(ctx, payment)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentExists) {
			existing, found, lookErr := s.repo.GetPaymentByProviderRef(ctx, provider, providerRef)
			if lookErr != nil || !found {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			s.log.Info("payment attempt already recorded",
				slog.String("provider_ref", providerRef))
			return existing, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	payment.ID = id

	s.log.Info("payment attempt recorded",
		slog.Int64("payment_id", id),
		slog.String("provider_ref", providerRef),
		slog.Int64("amount_minor", amountMinor))
	return payment, nil
}

// EnsureAttempt records a gateway-initiated charge, creating the
// subscription when the organization/module pair has none yet. The payment
// row goes in first, so of two concurrent deliveries with the same
// reference only one bootstraps; the other gets (false, nil) and resolves
// to the no-op path.
func (s *Service) EnsureAttempt(ctx context.Context, organizationID string, moduleID int64,
	amountMinor int64, currency, provider, providerRef string,
	bootstrap func() *models.Subscription) (bool, error) {
	const op = "ledger.EnsureAttempt"

	payment := &models.Payment{
		OrganizationID: organizationID,
		AmountMinor:    amountMinor,
		Currency:       currency,
		Status:         models.PaymentPending,
		Provider:       provider,
		ProviderRef:    providerRef,
	}
	created, err := s.repo.CreatePaymentAttempt(ctx, payment, moduleID, bootstrap)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if created {
		s.log.Info("payment attempt recorded",
			slog.Int64("payment_id", payment.ID),
			slog.String("provider_ref", providerRef),
			slog.Int64("amount_minor", amountMinor))
	}
	return created, nil
}

// Confirm applies a gateway confirmation exactly once. The first call
// marks the payment succeeded and renews the subscription atomically;
// every later call with the same provider reference returns
// (false, nil) — a safe no-op, because gateways retry on any non-2xx and
// may redeliver long after the first success.
func (s *Service) Confirm(ctx context.Context, provider, providerRef string, period billing.Period) (bool, error) {
	const op = "ledger.Confirm"

	key := appliedKey(provider, providerRef)
	var done bool
	if found, err := s.cache.Get(key, &done); err != nil {
		s.log.Warn("idempotency cache read failed", sl.Err(err))
	} else if found && done {
		s.log.Info("duplicate confirmation short-circuited",
			slog.String("provider_ref", providerRef))
		return false, nil
	}

	paidAt := s.now()
	applied, err := s.repo.ApplyPaymentSucceeded(ctx, provider, providerRef, paidAt,
		func(sub *models.Subscription) error {
			return subscription.Renew(sub, paidAt, period, s.graceDays)
		})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.cache.Set(key, true, appliedTTL); err != nil {
		s.log.Warn("idempotency cache write failed", sl.Err(err))
	}

	if applied {
		s.log.Info("payment confirmed and subscription renewed",
			slog.String("provider_ref", providerRef))
	}
	return applied, nil
}

// Lookup returns the payment row for a provider reference.
func (s *Service) Lookup(ctx context.Context, provider, providerRef string) (*models.Payment, bool, error) {
	return s.repo.GetPaymentByProviderRef(ctx, provider, providerRef)
}
