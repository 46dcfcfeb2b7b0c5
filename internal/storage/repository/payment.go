package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bizdesk/entitlement-engine/internal/models"
)

// ErrPaymentNotFound is returned by the confirm path when no payment row
// exists for the provider reference.
var ErrPaymentNotFound = errors.New("payment not found")

// ErrPaymentExists is returned when the (provider, provider_ref) pair has
// already been recorded. A redelivered attempt resolves to the no-op path
// instead of failing the request.
var ErrPaymentExists = errors.New("payment already recorded")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// CreatePayment inserts a payment attempt row and returns its ID. The
// unique index on (provider, provider_ref) makes a concurrent duplicate
// insert return ErrPaymentExists rather than fork the ledger.
func (s *Storage) CreatePayment(ctx context.Context, p *models.Payment) (int64, error) {
	const op = "storage.CreatePayment"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO payments (organization_id, subscription_id, amount_minor,
				  currency, status, provider, provider_ref, paid_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			  RETURNING id`
	var newID int64
	err := s.DB.QueryRowContext(ctx, query,
		p.OrganizationID, p.SubscriptionID, p.AmountMinor,
		p.Currency, p.Status, p.Provider, p.ProviderRef, p.PaidAt).Scan(&newID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, ErrPaymentExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// CreatePaymentAttempt records a gateway-initiated charge atomically. The
// pending payment row is inserted first, so of two concurrent deliveries
// carrying the same provider reference exactly one wins the unique index
// and goes on to resolve — or bootstrap — the subscription; the loser
// returns (false, nil) and resolves to the no-op path. The bootstrap
// closure is only invoked when the organization/module pair has no
// subscription row at all.
func (s *Storage) CreatePaymentAttempt(ctx context.Context, p *models.Payment, moduleID int64,
	bootstrap func() *models.Subscription) (bool, error) {
	const op = "storage.CreatePaymentAttempt"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	insert := `INSERT INTO payments (organization_id, amount_minor, currency,
				   status, provider, provider_ref)
			   VALUES ($1, $2, $3, $4, $5, $6)
			   ON CONFLICT (provider, provider_ref) DO NOTHING
			   RETURNING id`
	var paymentID int64
	err = tx.QueryRowContext(ctx, insert,
		p.OrganizationID, p.AmountMinor, p.Currency,
		p.Status, p.Provider, p.ProviderRef).Scan(&paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	subQuery := `SELECT ` + subscriptionColumns + `
				 FROM subscriptions
				 WHERE organization_id = $1 AND module_id = $2
				 ORDER BY id DESC
				 LIMIT 1`
	sub, err := scanSubscription(tx.QueryRowContext(ctx, subQuery, p.OrganizationID, moduleID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sub = bootstrap()
		id, insertErr := insertSubscription(ctx, tx, sub)
		if insertErr != nil {
			// A concurrent delivery under a different reference may have
			// bootstrapped the pair first; idx_subscriptions_one_active
			// rejects the second lineage and redelivery converges.
			return false, fmt.Errorf("%s: %w", op, insertErr)
		}
		sub.ID = id
	case err != nil:
		return false, fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE payments SET subscription_id = $1 WHERE id = $2`, sub.ID, paymentID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	p.ID = paymentID
	p.SubscriptionID = &sub.ID
	return true, nil
}

// GetPaymentByProviderRef returns the payment row for a provider's
// transaction reference.
func (s *Storage) GetPaymentByProviderRef(ctx context.Context, provider, providerRef string) (*models.Payment, bool, error) {
	const op = "storage.GetPaymentByProviderRef"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, organization_id, subscription_id, amount_minor, currency,
				  status, provider, provider_ref, paid_at, created_at
			  FROM payments
			  WHERE provider = $1 AND provider_ref = $2`
	var p models.Payment
	err := s.DB.QueryRowContext(ctx, query, provider, providerRef).Scan(
		&p.ID, &p.OrganizationID, &p.SubscriptionID, &p.AmountMinor, &p.Currency,
		&p.Status, &p.Provider, &p.ProviderRef, &p.PaidAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return &p, true, nil
}

// HasPendingPaymentForPeriod reports whether a pending charge already
// exists for the subscription's current period, so the sweep does not
// issue a second hosted invoice on every pass.
func (s *Storage) HasPendingPaymentForPeriod(ctx context.Context, subscriptionID int64, periodStart time.Time) (bool, error) {
	const op = "storage.HasPendingPaymentForPeriod"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT EXISTS (
				  SELECT 1 FROM payments
				  WHERE subscription_id = $1 AND status = $2 AND created_at >= $3
			  )`
	var exists bool
	err := s.DB.QueryRowContext(ctx, query, subscriptionID, models.PaymentPending, periodStart).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}

// ApplyPaymentSucceeded finalizes a payment and renews its subscription in
// one transaction. It returns (false, nil) when the payment has already
// succeeded — the safe no-op for redelivered webhooks.
//
// The transition closure receives the freshly locked subscription row and
// mutates it; a transition error (for example renewing a canceled
// subscription) rolls the whole transaction back, so a payment can never
// be marked succeeded while its subscription failed to move. The
// entitlement upsert rides in the same transaction for the same reason.
func (s *Storage) ApplyPaymentSucceeded(ctx context.Context, provider, providerRef string, paidAt time.Time,
	transition func(sub *models.Subscription) error) (bool, error) {
	const op = "storage.ApplyPaymentSucceeded"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `SELECT id, subscription_id, status FROM payments
			  WHERE provider = $1 AND provider_ref = $2
			  FOR UPDATE`
	var (
		paymentID      int64
		subscriptionID sql.NullInt64
		status         models.PaymentStatus
	)
	err = tx.QueryRowContext(ctx, query, provider, providerRef).Scan(&paymentID, &subscriptionID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%s: %w", op, ErrPaymentNotFound)
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if status == models.PaymentSucceeded {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, paid_at = $2 WHERE id = $3`,
		models.PaymentSucceeded, paidAt, paymentID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if !subscriptionID.Valid {
		return false, fmt.Errorf("%s: payment %d has no subscription", op, paymentID)
	}

	subQuery := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	sub, err := scanSubscription(tx.QueryRowContext(ctx, subQuery, subscriptionID.Int64))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := transition(sub); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := updateSubscription(ctx, tx, sub); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	ent := models.Entitlement{
		OrganizationID: sub.OrganizationID,
		ModuleID:       sub.ModuleID,
		Enabled:        true,
		Plan:           sub.Plan,
		ExpiresAt:      nil, // active subscriptions carry no hard cutoff
		TrialEndsAt:    nil,
	}
	if err := upsertEntitlement(ctx, tx, ent); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}
