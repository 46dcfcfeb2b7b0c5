// Package scheduler drives the renewal sweep: reminders for subscriptions
// nearing their period end, renewal charges for past-due ones, grace
// handling for gateway failures, and expiry or cancellation when the
// grace window lapses. Every decision is made from a fresh read of the
// subscription row, never from a batch snapshot, so a webhook landing
// mid-sweep is not overwritten by a stale decision.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bizdesk/entitlement-engine/internal/lib/billing"
	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
	"github.com/bizdesk/entitlement-engine/internal/metrics"
	"github.com/bizdesk/entitlement-engine/internal/models"
	"github.com/bizdesk/entitlement-engine/internal/paymentgateway"
	"github.com/bizdesk/entitlement-engine/internal/rabbitmq"
	"github.com/bizdesk/entitlement-engine/internal/services/subscription"
)

// reminderDays are the exact calendar-day distances at which a renewal
// reminder goes out. At-least-once: a sweep re-run on the same day may
// send the same reminder again, which is acceptable for reminders.
var reminderDays = [...]int{7, 3, 1}

// Repository defines the storage methods the sweep needs.
type Repository interface {
	ListDueSubscriptionIDs(ctx context.Context, horizon time.Time) ([]int64, error)
	GetSubscriptionByID(ctx context.Context, id int64) (*models.Subscription, bool, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) (int, error)
	GetModuleByID(ctx context.Context, id int64) (*models.Module, bool, error)
	GetOrganization(ctx context.Context, id string) (*models.Organization, bool, error)
	GetModulePrice(ctx context.Context, moduleID int64, plan string, period billing.Period) (*models.ModulePrice, bool, error)
	HasPendingPaymentForPeriod(ctx context.Context, subscriptionID int64, periodStart time.Time) (bool, error)
	ExtendGrace(ctx context.Context, id int64, until time.Time) error
}

// Entitlements mirrors the entitlement service operations used here.
type Entitlements interface {
	Enable(ctx context.Context, organizationID string, moduleID int64, moduleKey, plan string) error
	Disable(ctx context.Context, organizationID string, moduleID int64, moduleKey string, expiresAt time.Time) error
}

// Gateway creates hosted invoices at the payment gateway.
type Gateway interface {
	CreateInvoice(ctx context.Context, req paymentgateway.CreateInvoiceRequest) (*paymentgateway.Invoice, error)
}

// Ledger records initiated charges.
type Ledger interface {
	RecordAttempt(ctx context.Context, organizationID string, subscriptionID int64,
		amountMinor int64, currency, provider, providerRef string) (*models.Payment, error)
}

// Notifier publishes engine events to the notification sink.
type Notifier interface {
	Publish(routingKey string, message any) error
}

// Config is the billing/lifecycle configuration of the sweep.
type Config struct {
	GracePeriodDays    int
	GraceExtensionDays int
	SweepInterval      time.Duration
	// ManualRenew auto-advances due periods without charging; an explicit
	// test/manual operation mode, never the default.
	ManualRenew    bool
	GatewayEnabled bool
	CheckoutTTL    time.Duration
	ReturnURL      string
}

type Service struct {
	repo         Repository
	entitlements Entitlements
	ledger       Ledger
	gateway      Gateway
	notifier     Notifier
	log          *slog.Logger
	cfg          Config
	now          func() time.Time
}

// NewService creates the sweep service. gateway may be nil when
// cfg.GatewayEnabled is false.
func NewService(repo Repository, entitlements Entitlements, ledger Ledger, gateway Gateway,
	notifier Notifier, log *slog.Logger, cfg Config) *Service {
	return &Service{
		repo:         repo,
		entitlements: entitlements,
		ledger:       ledger,
		gateway:      gateway,
		notifier:     notifier,
		log:          log,
		cfg:          cfg,
		now:          time.Now,
	}
}

// Run sweeps once immediately and then on every tick until the context is
// canceled. The sweep is a single periodic job; overlapping runs are not
// started from here, and the per-row fresh read keeps an accidental
// overlap convergent anyway.
func (s *Service) Run(ctx context.Context) {
	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Service) sweepAndLog(ctx context.Context) {
	if err := s.Sweep(ctx); err != nil {
		s.log.Error("renewal sweep failed", sl.Err(err))
	}
}

// Sweep processes every active subscription whose period end falls inside
// the lookahead window (reminders) or lies in the past (renewal, grace,
// expiry, cancellation finalization). Subscriptions are independent: a
// failure on one row is logged and the sweep moves on.
func (s *Service) Sweep(ctx context.Context) error {
	const op = "scheduler.Sweep"

	now := s.now()
	horizon := now.AddDate(0, 0, reminderDays[0]+1)
	ids, err := s.repo.ListDueSubscriptionIDs(ctx, horizon)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(ids) == 0 {
		s.log.Info("no subscriptions due")
		return nil
	}
	s.log.Info("processing due subscriptions", slog.Int("count", len(ids)))

	for _, id := range ids {
		if err := s.processSubscription(ctx, id); err != nil {
			s.log.Error("failed to process subscription",
				slog.Int64("subscription_id", id), sl.Err(err))
		}
	}
	return nil
}

func (s *Service) processSubscription(ctx context.Context, id int64) error {
	// Fresh read: a webhook may have renewed this row since the sweep
	// listed it.
	sub, found, err := s.repo.GetSubscriptionByID(ctx, id)
	if err != nil {
		return err
	}
	if !found || sub.Status != models.StatusActive {
		return nil
	}

	module, found, err := s.repo.GetModuleByID(ctx, sub.ModuleID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("module %d not found", sub.ModuleID)
	}
	org, found, err := s.repo.GetOrganization(ctx, sub.OrganizationID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("organization %s not found", sub.OrganizationID)
	}

	now := s.now()

	if sub.CancelAtPeriodEnd {
		if now.Before(sub.CurrentPeriodEnd) {
			// Voluntary wind-down: no reminders, no renewal attempts.
			return nil
		}
		return s.finalizeCancellation(ctx, sub, module, now)
	}

	if !now.Before(sub.GraceUntil) {
		return s.expire(ctx, sub, module)
	}

	if !now.Before(sub.CurrentPeriodEnd) {
		return s.attemptRenewal(ctx, sub, module, org, now)
	}

	s.maybeRemind(sub, module, org, now)
	return nil
}

func (s *Service) finalizeCancellation(ctx context.Context, sub *models.Subscription, module *models.Module, now time.Time) error {
	if err := subscription.FinalizeCancellation(sub, now); err != nil {
		return err
	}
	if _, err := s.repo.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	if err := s.entitlements.Disable(ctx, sub.OrganizationID, module.ID, module.Key, sub.CurrentPeriodEnd); err != nil {
		return err
	}
	metrics.SubscriptionsCanceledTotal.Inc()
	s.log.Info("cancellation finalized",
		slog.Int64("subscription_id", sub.ID),
		slog.String("module_key", module.Key))
	return nil
}

func (s *Service) expire(ctx context.Context, sub *models.Subscription, module *models.Module) error {
	if err := subscription.Expire(sub); err != nil {
		return err
	}
	if _, err := s.repo.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	// The hard cutoff is the period end that was never paid past, not the
	// grace deadline: access during grace was a courtesy.
	if err := s.entitlements.Disable(ctx, sub.OrganizationID, module.ID, module.Key, sub.CurrentPeriodEnd); err != nil {
		return err
	}
	metrics.RenewalsTotal.WithLabelValues("expired").Inc()
	s.log.Info("subscription expired",
		slog.Int64("subscription_id", sub.ID),
		slog.String("module_key", module.Key))
	return nil
}

func (s *Service) attemptRenewal(ctx context.Context, sub *models.Subscription, module *models.Module,
	org *models.Organization, now time.Time) error {
	price, found, err := s.repo.GetModulePrice(ctx, sub.ModuleID, sub.Plan, billing.PeriodMonthly)
	if err != nil {
		return err
	}
	if !found {
		// No price configured is non-recoverable for this cycle: disable
		// immediately instead of waiting out the grace window.
		s.log.Error("no price configured, disabling module",
			slog.Int64("subscription_id", sub.ID),
			slog.String("module_key", module.Key),
			slog.String("plan", sub.Plan))
		metrics.RenewalsTotal.WithLabelValues("price_missing").Inc()
		return s.expire(ctx, sub, module)
	}

	if s.cfg.ManualRenew {
		if err := subscription.Renew(sub, now, billing.PeriodMonthly, s.cfg.GracePeriodDays); err != nil {
			return err
		}
		if _, err := s.repo.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		if err := s.entitlements.Enable(ctx, sub.OrganizationID, module.ID, module.Key, sub.Plan); err != nil {
			return err
		}
		metrics.RenewalsTotal.WithLabelValues("manual").Inc()
		s.log.Info("subscription auto-renewed in manual mode",
			slog.Int64("subscription_id", sub.ID))
		return nil
	}

	if !s.cfg.GatewayEnabled {
		s.log.Error("no payment gateway configured and manual renew disabled; subscription will expire after grace",
			slog.Int64("subscription_id", sub.ID))
		return nil
	}

	pending, err := s.repo.HasPendingPaymentForPeriod(ctx, sub.ID, sub.CurrentPeriodStart)
	if err != nil {
		return err
	}
	if pending {
		// An unexpired checkout is already out; don't issue another one
		// on every daily pass.
		return nil
	}

	invoice, err := s.gateway.CreateInvoice(ctx, paymentgateway.CreateInvoiceRequest{
		Amount:      paymentgateway.NewAmount(price.AmountMinor, price.Currency),
		Description: fmt.Sprintf("%s %s renewal", module.Name, sub.Plan),
		Confirmation: paymentgateway.Confirmation{
			Type:      "redirect",
			ReturnURL: s.cfg.ReturnURL,
		},
		Capture:   true,
		ExpiresAt: now.Add(s.cfg.CheckoutTTL),
		Metadata: map[string]string{
			"organizationId": sub.OrganizationID,
			"moduleId":       module.Key,
			"plan":           sub.Plan,
			"billingPeriod":  string(billing.PeriodMonthly),
			"isRenewal":      "true",
		},
	})
	if err != nil {
		// Transient gateway failure: extend grace instead of failing
		// closed, retry on the next pass.
		newGrace := sub.GraceUntil.AddDate(0, 0, s.cfg.GraceExtensionDays)
		if extErr := s.repo.ExtendGrace(ctx, sub.ID, newGrace); extErr != nil {
			return extErr
		}
		metrics.RenewalsTotal.WithLabelValues("grace_extended").Inc()
		s.log.Error("gateway invoice creation failed, grace extended",
			slog.Int64("subscription_id", sub.ID),
			slog.Time("grace_until", newGrace),
			sl.Err(err))
		return nil
	}

	if _, err := s.ledger.RecordAttempt(ctx, sub.OrganizationID, sub.ID,
		price.AmountMinor, price.Currency, paymentgateway.Provider, invoice.ID); err != nil {
		return err
	}

	required := models.PaymentRequired{
		OrganizationID: sub.OrganizationID,
		BillingEmail:   org.BillingEmail,
		ModuleKey:      module.Key,
		Plan:           sub.Plan,
		AmountMinor:    price.AmountMinor,
		Currency:       price.Currency,
		CheckoutURL:    invoice.Confirmation.ConfirmationURL,
		ProviderRef:    invoice.ID,
		GraceUntil:     sub.GraceUntil,
	}
	if err := s.notifier.Publish(rabbitmq.RoutePaymentRequired, required); err != nil {
		s.log.Error("failed to publish payment-required notification", sl.Err(err))
	}
	metrics.RenewalsTotal.WithLabelValues("invoice_created").Inc()
	s.log.Info("renewal invoice created",
		slog.Int64("subscription_id", sub.ID),
		slog.String("provider_ref", invoice.ID))
	return nil
}

func (s *Service) maybeRemind(sub *models.Subscription, module *models.Module, org *models.Organization, now time.Time) {
	days := billing.DaysUntil(now, sub.CurrentPeriodEnd)
	for _, d := range reminderDays {
		if days != d {
			continue
		}
		reminder := models.RenewalReminder{
			OrganizationID: sub.OrganizationID,
			BillingEmail:   org.BillingEmail,
			ModuleKey:      module.Key,
			Plan:           sub.Plan,
			DaysLeft:       days,
			PeriodEnd:      sub.CurrentPeriodEnd,
		}
		if err := s.notifier.Publish(rabbitmq.RouteReminder, reminder); err != nil {
			s.log.Error("failed to publish renewal reminder", sl.Err(err))
			return
		}
		metrics.RemindersSentTotal.WithLabelValues(strconv.Itoa(days)).Inc()
		s.log.Info("renewal reminder sent",
			slog.Int64("subscription_id", sub.ID),
			slog.Int("days_left", days))
		return
	}
}

// ConfirmRenewal is the webhook's hand-back for confirmations flagged as
// renewals: the atomic apply already advanced the period and recomputed
// the grace deadline, so reminder state is implicitly reset; this records
// the outcome for operators.
func (s *Service) ConfirmRenewal(ctx context.Context, subscriptionID int64) {
	sub, found, err := s.repo.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil || !found {
		s.log.Warn("renewal confirmation for unknown subscription",
			slog.Int64("subscription_id", subscriptionID))
		return
	}
	metrics.RenewalsTotal.WithLabelValues("renewed").Inc()
	s.log.Info("renewal confirmed",
		slog.Int64("subscription_id", sub.ID),
		slog.Time("current_period_end", sub.CurrentPeriodEnd))
}
