// Package webhook turns verified gateway events into lifecycle
// transitions. It is deliberately thin: payload decoding and reference
// resolution live here, while the at-most-once apply is the ledger's
// transaction.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bizdesk/entitlement-engine/internal/lib/billing"
	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
	"github.com/bizdesk/entitlement-engine/internal/metrics"
	"github.com/bizdesk/entitlement-engine/internal/models"
	"github.com/bizdesk/entitlement-engine/internal/paymentgateway"
	"github.com/bizdesk/entitlement-engine/internal/services/subscription"
)

var (
	// ErrUnknownOrganization — metadata names an organization this engine
	// has never seen. Dropped with a 400; the gateway must not retry it.
	ErrUnknownOrganization = errors.New("unknown organization")
	// ErrUnknownModule — metadata names a module missing from the catalog.
	ErrUnknownModule = errors.New("unknown module")
	// ErrMissingReference — the event carries no payment reference at all.
	ErrMissingReference = errors.New("missing provider reference")
)

// Amount is the gateway's decimal money pair.
type Amount struct {
	Value    string `json:"value" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3"`
}

// Metadata is the engine-owned payload attached to every invoice at
// creation time and echoed back on the event.
type Metadata struct {
	OrganizationID string `json:"organizationId" validate:"required,uuid"`
	ModuleKey      string `json:"moduleId" validate:"required"`
	Plan           string `json:"plan" validate:"required"`
	BillingPeriod  string `json:"billingPeriod"`
	IsRenewal      string `json:"isRenewal"`
}

// Payload is the gateway event body. Providers disagree on where the
// payment identifier lives, so all three spellings are accepted.
type Payload struct {
	ID        string   `json:"id"`
	InvoiceID string   `json:"invoice_id"`
	PaymentID string   `json:"payment_id"`
	Status    string   `json:"status" validate:"required"`
	Amount    Amount   `json:"amount" validate:"required"`
	Metadata  Metadata `json:"metadata" validate:"required"`
}

// ProviderRef returns the payment identifier, whichever field carried it.
func (p Payload) ProviderRef() string {
	for _, ref := range []string{p.ID, p.InvoiceID, p.PaymentID} {
		if ref != "" {
			return ref
		}
	}
	return ""
}

func (p Payload) isPaid() bool {
	switch strings.ToLower(p.Status) {
	case "paid", "succeeded":
		return true
	}
	return false
}

// Result is what the handler serializes back to the gateway.
type Result struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied"`
	Message  string `json:"message,omitempty"`
}

// Repository resolves the event's metadata against the catalog.
type Repository interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, bool, error)
	GetModuleByKey(ctx context.Context, key string) (*models.Module, bool, error)
}

// Ledger is the idempotency guard and payment store. EnsureAttempt owns
// the first-purchase bootstrap: payment row first, subscription second,
// one transaction, so concurrent deliveries cannot fork the lineage.
type Ledger interface {
	EnsureAttempt(ctx context.Context, organizationID string, moduleID int64,
		amountMinor int64, currency, provider, providerRef string,
		bootstrap func() *models.Subscription) (bool, error)
	Confirm(ctx context.Context, provider, providerRef string, period billing.Period) (bool, error)
	Lookup(ctx context.Context, provider, providerRef string) (*models.Payment, bool, error)
}

// Entitlements invalidates the cached row after the transaction wrote the
// entitlement directly.
type Entitlements interface {
	Invalidate(organizationID, moduleKey string)
}

// Scheduler is the renewal confirmation hand-back.
type Scheduler interface {
	ConfirmRenewal(ctx context.Context, subscriptionID int64)
}

type Service struct {
	repo         Repository
	ledger       Ledger
	entitlements Entitlements
	scheduler    Scheduler
	log          *slog.Logger
	graceDays    int
	now          func() time.Time
}

func NewService(repo Repository, ledger Ledger, entitlements Entitlements, scheduler Scheduler,
	log *slog.Logger, graceDays int) *Service {
	return &Service{
		repo:         repo,
		ledger:       ledger,
		entitlements: entitlements,
		scheduler:    scheduler,
		log:          log,
		graceDays:    graceDays,
		now:          time.Now,
	}
}

// Apply processes one verified gateway event. Sentinel errors
// (ErrUnknownOrganization, ErrUnknownModule, ErrMissingReference) mean the
// event is malformed and must be dropped with a 4xx; any other error is
// transient and must surface as a 5xx so the gateway redelivers.
func (s *Service) Apply(ctx context.Context, payload Payload) (*Result, error) {
	const op = "webhook.Apply"

	if !payload.isPaid() {
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		s.log.Info("non-payment event ignored", slog.String("status", payload.Status))
		return &Result{Received: true, Message: "event ignored"}, nil
	}

	providerRef := payload.ProviderRef()
	if providerRef == "" {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrMissingReference
	}

	org, found, err := s.repo.GetOrganization(ctx, payload.Metadata.OrganizationID)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !found {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		s.log.Warn("webhook for unknown organization",
			slog.String("organization_id", payload.Metadata.OrganizationID),
			slog.String("provider_ref", providerRef))
		return nil, ErrUnknownOrganization
	}

	module, found, err := s.repo.GetModuleByKey(ctx, payload.Metadata.ModuleKey)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !found {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		s.log.Warn("webhook for unknown module",
			slog.String("module_key", payload.Metadata.ModuleKey),
			slog.String("provider_ref", providerRef))
		return nil, ErrUnknownModule
	}

	period, err := billing.ParsePeriod(payload.Metadata.BillingPeriod)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.ensureAttempt(ctx, payload, org, module, period, providerRef); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	applied, err := s.ledger.Confirm(ctx, paymentgateway.Provider, providerRef, period)
	if err != nil {
		if errors.Is(err, subscription.ErrSubscriptionCanceled) {
			// Payment for a voluntarily terminated subscription: keep the
			// money question for support, do not resurrect the subscription,
			// and ack so the gateway stops retrying.
			metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
			s.log.Warn("payment received for canceled subscription",
				slog.String("provider_ref", providerRef))
			return &Result{Received: true, Message: "subscription canceled"}, nil
		}
		metrics.WebhookEventsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !applied {
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		s.log.Info("duplicate confirmation acknowledged",
			slog.String("provider_ref", providerRef))
		return &Result{Received: true, Message: "already applied"}, nil
	}

	s.entitlements.Invalidate(org.ID, module.Key)

	if payload.Metadata.IsRenewal == "true" {
		payment, found, err := s.ledger.Lookup(ctx, paymentgateway.Provider, providerRef)
		switch {
		case err != nil:
			s.log.Warn("could not look up renewed payment", sl.Err(err))
		case found && payment.SubscriptionID != nil:
			s.scheduler.ConfirmRenewal(ctx, *payment.SubscriptionID)
		}
	}

	metrics.WebhookEventsTotal.WithLabelValues("applied").Inc()
	s.log.Info("payment event applied",
		slog.String("organization_id", org.ID),
		slog.String("module_key", module.Key),
		slog.String("provider_ref", providerRef))
	return &Result{Received: true, Applied: true}, nil
}

// ensureAttempt guarantees a payment row and a subscription exist before
// the confirm transaction runs. First-time purchases initiated at the
// gateway (not by the sweep) arrive with no prior rows for either; the
// ledger serializes concurrent deliveries on the payment row, so only one
// of them ever runs the bootstrap.
func (s *Service) ensureAttempt(ctx context.Context, payload Payload, org *models.Organization,
	module *models.Module, period billing.Period, providerRef string) error {
	amountMinor, err := parseMinorUnits(payload.Amount.Value)
	if err != nil {
		return err
	}

	bootstrap := func() *models.Subscription {
		s.log.Info("creating subscription from first payment",
			slog.String("organization_id", org.ID),
			slog.String("module_key", module.Key))
		// Gateway events carry no trusted timestamp, so wall clock it is.
		return subscription.New(org.ID, module.ID, payload.Metadata.Plan, s.now(), period, s.graceDays)
	}

	_, err = s.ledger.EnsureAttempt(ctx, org.ID, module.ID, amountMinor,
		strings.ToUpper(payload.Amount.Currency), paymentgateway.Provider, providerRef, bootstrap)
	return err
}

// parseMinorUnits converts the gateway's decimal string ("129.00") to
// minor currency units without float round-trips.
func parseMinorUnits(value string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has sub-cent precision", value)
	}
	return minor.IntPart(), nil
}
