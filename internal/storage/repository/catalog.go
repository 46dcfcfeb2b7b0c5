package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bizdesk/entitlement-engine/internal/lib/billing"
	"github.com/bizdesk/entitlement-engine/internal/models"
)

// Read-only catalog lookups: organizations, modules and prices are
// maintained by the surrounding application.

// GetOrganization returns a tenant organization by id.
func (s *Storage) GetOrganization(ctx context.Context, id string) (*models.Organization, bool, error) {
	const op = "storage.GetOrganization"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, name, billing_email, active_until FROM organizations WHERE id = $1`
	var org models.Organization
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&org.ID, &org.Name, &org.BillingEmail, &org.ActiveUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return &org, true, nil
}

// GetModuleByKey returns a catalog module by its stable key.
func (s *Storage) GetModuleByKey(ctx context.Context, key string) (*models.Module, bool, error) {
	const op = "storage.GetModuleByKey"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, key, name, is_active FROM modules WHERE key = $1`
	var m models.Module
	err := s.DB.QueryRowContext(ctx, query, key).Scan(&m.ID, &m.Key, &m.Name, &m.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return &m, true, nil
}

// GetModuleByID returns a catalog module by id.
func (s *Storage) GetModuleByID(ctx context.Context, id int64) (*models.Module, bool, error) {
	const op = "storage.GetModuleByID"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, key, name, is_active FROM modules WHERE id = $1`
	var m models.Module
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Key, &m.Name, &m.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return &m, true, nil
}

// GetModulePrice resolves (module, plan, billing period) to an amount.
func (s *Storage) GetModulePrice(ctx context.Context, moduleID int64, plan string, period billing.Period) (*models.ModulePrice, bool, error) {
	const op = "storage.GetModulePrice"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT module_id, plan, billing_period, amount_minor, currency, max_seats
			  FROM module_prices
			  WHERE module_id = $1 AND plan = $2 AND billing_period = $3`
	var price models.ModulePrice
	err := s.DB.QueryRowContext(ctx, query, moduleID, plan, period).Scan(
		&price.ModuleID, &price.Plan, &price.BillingPeriod, &price.AmountMinor, &price.Currency, &price.MaxSeats)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return &price, true, nil
}
