package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bizdesk/entitlement-engine/internal/lib/billing"
	"github.com/bizdesk/entitlement-engine/internal/models"
	"github.com/bizdesk/entitlement-engine/internal/paymentgateway"
	"github.com/bizdesk/entitlement-engine/internal/rabbitmq"
)

type RepoMock struct{ mock.Mock }

func (m *RepoMock) ListDueSubscriptionIDs(ctx context.Context, horizon time.Time) ([]int64, error) {
	args := m.Called(ctx, horizon)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *RepoMock) GetSubscriptionByID(ctx context.Context, id int64) (*models.Subscription, bool, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Subscription), args.Bool(1), args.Error(2)
}

func (m *RepoMock) UpdateSubscription(ctx context.Context, sub *models.Subscription) (int, error) {
	args := m.Called(ctx, sub)
	return args.Int(0), args.Error(1)
}

func (m *RepoMock) GetModuleByID(ctx context.Context, id int64) (*models.Module, bool, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Module), args.Bool(1), args.Error(2)
}

func (m *RepoMock) GetOrganization(ctx context.Context, id string) (*models.Organization, bool, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Organization), args.Bool(1), args.Error(2)
}

func (m *RepoMock) GetModulePrice(ctx context.Context, moduleID int64, plan string, period billing.Period) (*models.ModulePrice, bool, error) {
	args := m.Called(ctx, moduleID, plan, period)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.ModulePrice), args.Bool(1), args.Error(2)
}

func (m *RepoMock) HasPendingPaymentForPeriod(ctx context.Context, subscriptionID int64, periodStart time.Time) (bool, error) {
	args := m.Called(ctx, subscriptionID, periodStart)
	return args.Bool(0), args.Error(1)
}

func (m *RepoMock) ExtendGrace(ctx context.Context, id int64, until time.Time) error {
	return m.Called(ctx, id, until).Error(0)
}

type EntitlementsMock struct{ mock.Mock }

func (m *EntitlementsMock) Enable(ctx context.Context, organizationID string, moduleID int64, moduleKey, plan string) error {
	return m.Called(ctx, organizationID, moduleID, moduleKey, plan).Error(0)
}

func (m *EntitlementsMock) Disable(ctx context.Context, organizationID string, moduleID int64, moduleKey string, expiresAt time.Time) error {
	return m.Called(ctx, organizationID, moduleID, moduleKey, expiresAt).Error(0)
}

type GatewayMock struct{ mock.Mock }

func (m *GatewayMock) CreateInvoice(ctx context.Context, req paymentgateway.CreateInvoiceRequest) (*paymentgateway.Invoice, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paymentgateway.Invoice), args.Error(1)
}

type LedgerMock struct{ mock.Mock }

func (m *LedgerMock) RecordAttempt(ctx context.Context, organizationID string, subscriptionID int64,
	amountMinor int64, currency, provider, providerRef string) (*models.Payment, error) {
	args := m.Called(ctx, organizationID, subscriptionID, amountMinor, currency, provider, providerRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

type NotifierMock struct{ mock.Mock }

func (m *NotifierMock) Publish(routingKey string, message any) error {
	return m.Called(routingKey, message).Error(0)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fixture struct {
	repo         *RepoMock
	entitlements *EntitlementsMock
	gateway      *GatewayMock
	ledger       *LedgerMock
	notifier     *NotifierMock
	svc          *Service
}

func newFixture(t *testing.T, cfg Config, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		repo:         new(RepoMock),
		entitlements: new(EntitlementsMock),
		gateway:      new(GatewayMock),
		ledger:       new(LedgerMock),
		notifier:     new(NotifierMock),
	}
	f.svc = NewService(f.repo, f.entitlements, f.ledger, f.gateway, f.notifier, newNoopLogger(), cfg)
	f.svc.now = func() time.Time { return now }
	return f
}

func (f *fixture) assertExpectations(t *testing.T) {
	t.Helper()
	f.repo.AssertExpectations(t)
	f.entitlements.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
	f.ledger.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func activeSub(orgID string, end time.Time, graceDays int) *models.Subscription {
	return &models.Subscription{
		ID:                 10,
		OrganizationID:     orgID,
		ModuleID:           3,
		Plan:               "pro",
		Status:             models.StatusActive,
		CurrentPeriodStart: end.AddDate(0, -1, 0),
		CurrentPeriodEnd:   end,
		GraceUntil:         end.AddDate(0, 0, graceDays),
	}
}

func catalogStubs(f *fixture, orgID string) {
	f.repo.On("GetModuleByID", mock.Anything, int64(3)).
		Return(&models.Module{ID: 3, Key: "tickets", Name: "Tickets", IsActive: true}, true, nil).Once()
	f.repo.On("GetOrganization", mock.Anything, orgID).
		Return(&models.Organization{ID: orgID, BillingEmail: "billing@acme.test"}, true, nil).Once()
}

// Past-due subscription with no configured price: disabled in the same
// pass, not left dangling until grace runs out.
func TestSweep_MissingPriceExpiresImmediately(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, -1), 14)

	f := newFixture(t, Config{GracePeriodDays: 14, GatewayEnabled: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)
	f.repo.On("GetModulePrice", mock.Anything, int64(3), "pro", billing.PeriodMonthly).
		Return(nil, false, nil).Once()
	f.repo.On("UpdateSubscription", mock.Anything, mock.MatchedBy(func(s *models.Subscription) bool {
		return s.Status == models.StatusExpired
	})).Return(1, nil).Once()
	f.entitlements.On("Disable", mock.Anything, orgID, int64(3), "tickets", sub.CurrentPeriodEnd).
		Return(nil).Once()

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	f.gateway.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything)
}

// Three days before period end: reminder only, no state change, no charge.
func TestSweep_ThreeDayReminder(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, 3), 14)

	f := newFixture(t, Config{GracePeriodDays: 14, GatewayEnabled: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)
	f.notifier.On("Publish", rabbitmq.RouteReminder, mock.MatchedBy(func(msg any) bool {
		r, ok := msg.(models.RenewalReminder)
		return ok && r.DaysLeft == 3 && r.ModuleKey == "tickets" && r.BillingEmail == "billing@acme.test"
	})).Return(nil).Once()

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	f.repo.AssertNotCalled(t, "UpdateSubscription", mock.Anything, mock.Anything)
	assert.Equal(t, models.StatusActive, sub.Status)
}

// Four days out is not a reminder day: the row is listed but nothing happens.
func TestSweep_NoReminderOffSchedule(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, 4), 14)

	f := newFixture(t, Config{GracePeriodDays: 14, GatewayEnabled: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	f.notifier.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

// Cancel-at-period-end past its period end finalizes to canceled, never
// expired, and no renewal is attempted.
func TestSweep_FinalizesCancellation(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, -1), 14)
	sub.CancelAtPeriodEnd = true

	f := newFixture(t, Config{GracePeriodDays: 14, GatewayEnabled: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)
	f.repo.On("UpdateSubscription", mock.Anything, mock.MatchedBy(func(s *models.Subscription) bool {
		return s.Status == models.StatusCanceled && s.CanceledAt != nil
	})).Return(1, nil).Once()
	f.entitlements.On("Disable", mock.Anything, orgID, int64(3), "tickets", sub.CurrentPeriodEnd).
		Return(nil).Once()

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	f.gateway.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything)
	f.repo.AssertNotCalled(t, "GetModulePrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	// The cancellation notice went out at request time; finalization is a
	// silent state transition.
	f.notifier.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

// Cancel-at-period-end before the period ends: wind-down, nothing at all.
func TestSweep_PendingCancellationIsLeftAlone(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, 3), 14)
	sub.CancelAtPeriodEnd = true

	f := newFixture(t, Config{GracePeriodDays: 14, GatewayEnabled: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	f.notifier.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	f.repo.AssertNotCalled(t, "UpdateSubscription", mock.Anything, mock.Anything)
}

// Grace deadline reached: expired and disabled with the unpaid period end
// as the hard cutoff.
func TestSweep_ExpiresAfterGrace(t *testing.T) {
	now := time.Date(2025, 6, 25, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, -14), 14)

	f := newFixture(t, Config{GracePeriodDays: 14, GatewayEnabled: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)
	f.repo.On("UpdateSubscription", mock.Anything, mock.MatchedBy(func(s *models.Subscription) bool {
		return s.Status == models.StatusExpired
	})).Return(1, nil).Once()
	f.entitlements.On("Disable", mock.Anything, orgID, int64(3), "tickets", sub.CurrentPeriodEnd).
		Return(nil).Once()

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
}

// Past-due with a configured price and working gateway: hosted invoice,
// pending payment row, payment-required notification. No status change —
// the webhook renews when the invoice is paid.
func TestSweep_CreatesRenewalInvoice(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, -1), 14)

	cfg := Config{GracePeriodDays: 14, GatewayEnabled: true, CheckoutTTL: 72 * time.Hour, ReturnURL: "https://acme.test/billing"}
	f := newFixture(t, cfg, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)
	f.repo.On("GetModulePrice", mock.Anything, int64(3), "pro", billing.PeriodMonthly).
		Return(&models.ModulePrice{ModuleID: 3, Plan: "pro", AmountMinor: 12900, Currency: "EUR"}, true, nil).Once()
	f.repo.On("HasPendingPaymentForPeriod", mock.Anything, sub.ID, sub.CurrentPeriodStart).
		Return(false, nil).Once()
	f.gateway.On("CreateInvoice", mock.Anything, mock.MatchedBy(func(req paymentgateway.CreateInvoiceRequest) bool {
		return req.Metadata["isRenewal"] == "true" && req.Metadata["organizationId"] == orgID
	})).Return(&paymentgateway.Invoice{
		ID:           "inv-55",
		Status:       "pending",
		Confirmation: paymentgateway.Confirmation{ConfirmationURL: "https://gw.test/pay/inv-55"},
	}, nil).Once()
	f.ledger.On("RecordAttempt", mock.Anything, orgID, sub.ID, int64(12900), "EUR", paymentgateway.Provider, "inv-55").
		Return(&models.Payment{ID: 1}, nil).Once()
	f.notifier.On("Publish", rabbitmq.RoutePaymentRequired, mock.MatchedBy(func(msg any) bool {
		p, ok := msg.(models.PaymentRequired)
		return ok && p.CheckoutURL == "https://gw.test/pay/inv-55" && p.AmountMinor == 12900
	})).Return(nil).Once()

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	assert.Equal(t, models.StatusActive, sub.Status)
	f.repo.AssertNotCalled(t, "UpdateSubscription", mock.Anything, mock.Anything)
}

// A gateway outage must not fail the subscription closed: the grace
// deadline is pushed forward and the next pass retries.
func TestSweep_GatewayFailureExtendsGrace(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, -1), 14)
	wantGrace := sub.GraceUntil.AddDate(0, 0, 7)

	cfg := Config{GracePeriodDays: 14, GraceExtensionDays: 7, GatewayEnabled: true}
	f := newFixture(t, cfg, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)
	f.repo.On("GetModulePrice", mock.Anything, int64(3), "pro", billing.PeriodMonthly).
		Return(&models.ModulePrice{ModuleID: 3, Plan: "pro", AmountMinor: 12900, Currency: "EUR"}, true, nil).Once()
	f.repo.On("HasPendingPaymentForPeriod", mock.Anything, sub.ID, sub.CurrentPeriodStart).
		Return(false, nil).Once()
	f.gateway.On("CreateInvoice", mock.Anything, mock.Anything).
		Return(nil, errors.New("gateway unavailable")).Once()
	f.repo.On("ExtendGrace", mock.Anything, sub.ID, wantGrace).Return(nil).Once()

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	f.ledger.AssertNotCalled(t, "RecordAttempt",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, models.StatusActive, sub.Status)
}

// An unexpired checkout is already out: the daily pass must not stack a
// second invoice on the same period.
func TestSweep_SkipsWhenPendingPaymentExists(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, -1), 14)

	f := newFixture(t, Config{GracePeriodDays: 14, GatewayEnabled: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)
	f.repo.On("GetModulePrice", mock.Anything, int64(3), "pro", billing.PeriodMonthly).
		Return(&models.ModulePrice{ModuleID: 3, Plan: "pro", AmountMinor: 12900, Currency: "EUR"}, true, nil).Once()
	f.repo.On("HasPendingPaymentForPeriod", mock.Anything, sub.ID, sub.CurrentPeriodStart).
		Return(true, nil).Once()

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	f.gateway.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything)
}

// Manual mode advances the period without touching the gateway.
func TestSweep_ManualRenew(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, -1), 14)

	f := newFixture(t, Config{GracePeriodDays: 14, ManualRenew: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)
	f.repo.On("GetModulePrice", mock.Anything, int64(3), "pro", billing.PeriodMonthly).
		Return(&models.ModulePrice{ModuleID: 3, Plan: "pro", AmountMinor: 12900, Currency: "EUR"}, true, nil).Once()
	f.repo.On("UpdateSubscription", mock.Anything, mock.MatchedBy(func(s *models.Subscription) bool {
		return s.Status == models.StatusActive && s.CurrentPeriodStart.Equal(now)
	})).Return(1, nil).Once()
	f.entitlements.On("Enable", mock.Anything, orgID, int64(3), "tickets", "pro").Return(nil).Once()

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	f.gateway.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything)
	assert.True(t, sub.CurrentPeriodEnd.After(now))
}

// A webhook renewal that lands between listing and processing: the fresh
// read sees the advanced period and the sweep does nothing.
func TestSweep_FreshReadSkipsAlreadyRenewed(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 1, 0), 14) // already renewed

	f := newFixture(t, Config{GracePeriodDays: 14, GatewayEnabled: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{sub.ID}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, sub.ID).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
	f.gateway.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything)
	f.notifier.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

// One broken row must not abort the rest of the sweep.
func TestSweep_ContinuesPastFailures(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	orgID := uuid.New().String()
	sub := activeSub(orgID, now.AddDate(0, 0, 3), 14)
	sub.ID = 11

	f := newFixture(t, Config{GracePeriodDays: 14, GatewayEnabled: true}, now)
	f.repo.On("ListDueSubscriptionIDs", mock.Anything, mock.Anything).Return([]int64{10, 11}, nil).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, int64(10)).
		Return(nil, false, errors.New("row read failed")).Once()
	f.repo.On("GetSubscriptionByID", mock.Anything, int64(11)).Return(sub, true, nil).Once()
	catalogStubs(f, orgID)
	f.notifier.On("Publish", rabbitmq.RouteReminder, mock.Anything).Return(nil).Once()

	require.NoError(t, f.svc.Sweep(context.Background()))
	f.assertExpectations(t)
}
