package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bizdesk/entitlement-engine/internal/models"
)

const subscriptionColumns = `id, organization_id, module_id, plan, status,
	current_period_start, current_period_end, grace_until,
	cancel_at_period_end, canceled_at, trial_ends_at, created_at, updated_at`

func scanSubscription(row interface{ Scan(dest ...any) error }) (*models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(&sub.ID, &sub.OrganizationID, &sub.ModuleID, &sub.Plan, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.GraceUntil,
		&sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.TrialEndsAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription inserts a new subscription row and returns its ID.
func (s *Storage) CreateSubscription(ctx context.Context, sub *models.Subscription) (int64, error) {
	const op = "storage.CreateSubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	newID, err := insertSubscription(ctx, s.DB, sub)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

func insertSubscription(ctx context.Context, q dbtx, sub *models.Subscription) (int64, error) {
	query := `INSERT INTO subscriptions (organization_id, module_id, plan, status,
				  current_period_start, current_period_end, grace_until,
				  cancel_at_period_end, canceled_at, trial_ends_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			  RETURNING id`
	var newID int64
	err := q.QueryRowContext(ctx, query,
		sub.OrganizationID, sub.ModuleID, sub.Plan, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.GraceUntil,
		sub.CancelAtPeriodEnd, sub.CanceledAt, sub.TrialEndsAt).Scan(&newID)
	if err != nil {
		return 0, err
	}
	return newID, nil
}

// GetSubscription returns the latest subscription row for an organization
// and module (the active lineage; historical rows keep lower ids).
func (s *Storage) GetSubscription(ctx context.Context, organizationID string, moduleID int64) (*models.Subscription, bool, error) {
	const op = "storage.GetSubscription"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions
			  WHERE organization_id = $1 AND module_id = $2
			  ORDER BY id DESC
			  LIMIT 1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, organizationID, moduleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return sub, true, nil
}

// GetSubscriptionByID returns one subscription row by its primary key.
// The scheduler re-reads through this immediately before every mutation.
func (s *Storage) GetSubscriptionByID(ctx context.Context, id int64) (*models.Subscription, bool, error) {
	const op = "storage.GetSubscriptionByID"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return sub, true, nil
}

// UpdateSubscription writes the mutable state-machine fields of a row and
// returns the number of affected rows.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *models.Subscription) (int, error) {
	const op = "storage.UpdateSubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	result, err := updateSubscription(ctx, s.DB, sub)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

func updateSubscription(ctx context.Context, q dbtx, sub *models.Subscription) (int, error) {
	query := `UPDATE subscriptions
			  SET plan = $1, status = $2, current_period_start = $3,
			      current_period_end = $4, grace_until = $5,
			      cancel_at_period_end = $6, canceled_at = $7,
			      trial_ends_at = $8, updated_at = NOW()
			  WHERE id = $9`
	result, err := q.ExecContext(ctx, query,
		sub.Plan, sub.Status, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.GraceUntil,
		sub.CancelAtPeriodEnd, sub.CanceledAt,
		sub.TrialEndsAt, sub.ID)
	if err != nil {
		return 0, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rowsAffected), nil
}

// ListDueSubscriptionIDs returns the ids of active subscriptions whose
// period end falls at or before the horizon. Only ids are returned; the
// sweep re-reads each row right before deciding, so a webhook landing
// mid-sweep is never overwritten by a stale snapshot.
func (s *Storage) ListDueSubscriptionIDs(ctx context.Context, horizon time.Time) ([]int64, error) {
	const op = "storage.ListDueSubscriptionIDs"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id FROM subscriptions
			  WHERE status = $1 AND current_period_end <= $2
			  ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, query, models.StatusActive, horizon)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

// ExtendGrace pushes the grace deadline of a subscription forward. Used
// when a gateway invoice request fails so a transient outage does not
// de-provision the tenant.
func (s *Storage) ExtendGrace(ctx context.Context, id int64, until time.Time) error {
	const op = "storage.ExtendGrace"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions
			  SET grace_until = GREATEST(grace_until, $2), updated_at = NOW()
			  WHERE id = $1`
	_, err := s.DB.ExecContext(ctx, query, id, until)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
