package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bizdesk/entitlement-engine/internal/models"
)

// GetEntitlement returns the entitlement for an organization and module
// key. The bool reports whether a row exists.
func (s *Storage) GetEntitlement(ctx context.Context, organizationID, moduleKey string) (*models.Entitlement, bool, error) {
	const op = "storage.GetEntitlement"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT e.organization_id, e.module_id, m.key, e.enabled, e.plan,
				  e.expires_at, e.trial_ends_at, e.updated_at
			  FROM entitlements e
			  JOIN modules m ON m.id = e.module_id
			  WHERE e.organization_id = $1 AND m.key = $2`
	var ent models.Entitlement
	err := s.DB.QueryRowContext(ctx, query, organizationID, moduleKey).Scan(
		&ent.OrganizationID, &ent.ModuleID, &ent.ModuleKey, &ent.Enabled, &ent.Plan,
		&ent.ExpiresAt, &ent.TrialEndsAt, &ent.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return &ent, true, nil
}

// UpsertEntitlement inserts or updates the entitlement row for the
// (organization, module) pair.
func (s *Storage) UpsertEntitlement(ctx context.Context, ent models.Entitlement) error {
	const op = "storage.UpsertEntitlement"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	if err := upsertEntitlement(ctx, s.DB, ent); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// upsertEntitlement runs on a connection or inside a transaction; the
// atomic payment-confirm path uses the same statement as the standalone
// service calls so both writers share one definition of the row.
func upsertEntitlement(ctx context.Context, q dbtx, ent models.Entitlement) error {
	query := `INSERT INTO entitlements (organization_id, module_id, enabled, plan, expires_at, trial_ends_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, NOW())
			  ON CONFLICT (organization_id, module_id) DO UPDATE
			  SET enabled = EXCLUDED.enabled,
			      plan = EXCLUDED.plan,
			      expires_at = EXCLUDED.expires_at,
			      trial_ends_at = EXCLUDED.trial_ends_at,
			      updated_at = NOW()`
	_, err := q.ExecContext(ctx, query,
		ent.OrganizationID, ent.ModuleID, ent.Enabled, ent.Plan, ent.ExpiresAt, ent.TrialEndsAt)
	return err
}

// DisableEntitlement switches the entitlement off and stamps the hard
// cutoff, used when a subscription expires or is canceled.
func (s *Storage) DisableEntitlement(ctx context.Context, organizationID string, moduleID int64, expiresAt time.Time) error {
	const op = "storage.DisableEntitlement"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE entitlements
			  SET enabled = FALSE, expires_at = $3, updated_at = NOW()
			  WHERE organization_id = $1 AND module_id = $2`
	_, err := s.DB.ExecContext(ctx, query, organizationID, moduleID, expiresAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
