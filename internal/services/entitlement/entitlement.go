// Package entitlement serves the "may organization X use module Y right
// now" question asked by every module-gating check in the surrounding
// application, and owns all entitlement writes outside the atomic
// payment-confirm transaction.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
	"github.com/bizdesk/entitlement-engine/internal/models"
)

// Repository defines the storage methods for entitlement rows.
type Repository interface {
	GetEntitlement(ctx context.Context, organizationID, moduleKey string) (*models.Entitlement, bool, error)
	UpsertEntitlement(ctx context.Context, ent models.Entitlement) error
	DisableEntitlement(ctx context.Context, organizationID string, moduleID int64, expiresAt time.Time) error
}

// Cache is the read cache. Failures are logged and ignored: the check
// falls through to the repository.
type Cache interface {
	Get(key string, result any) (bool, error)
	Set(key string, value any, expiration time.Duration) error
	Invalidate(key string) error
}

const cacheTTL = time.Minute

type Service struct {
	repo  Repository
	cache Cache
	log   *slog.Logger
	now   func() time.Time
}

func NewService(repo Repository, cache Cache, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		log:   log,
		now:   time.Now,
	}
}

func cacheKey(organizationID, moduleKey string) string {
	return fmt.Sprintf("entitlement:%s:%s", organizationID, moduleKey)
}

// Check reports whether the organization may use the module now, with the
// denial reason otherwise. The expiry rule is evaluated against the
// current clock on every call, so a cached row cannot outlive its own
// cutoff.
func (s *Service) Check(ctx context.Context, organizationID, moduleKey string) (bool, models.DenialReason, error) {
	key := cacheKey(organizationID, moduleKey)

	var cached models.Entitlement
	found, err := s.cache.Get(key, &cached)
	if err != nil {
		s.log.Warn("entitlement cache read failed", sl.Err(err))
	}
	if found {
		ok, reason := cached.Entitled(s.now())
		return ok, reason, nil
	}

	ent, found, err := s.repo.GetEntitlement(ctx, organizationID, moduleKey)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, models.ReasonNotFound, nil
	}

	if err := s.cache.Set(key, ent, cacheTTL); err != nil {
		s.log.Warn("entitlement cache write failed", sl.Err(err))
	}

	ok, reason := ent.Entitled(s.now())
	return ok, reason, nil
}

// Enable upserts the entitlement to enabled with no hard cutoff, the state
// an active subscription grants.
func (s *Service) Enable(ctx context.Context, organizationID string, moduleID int64, moduleKey, plan string) error {
	const op = "entitlement.Enable"

	ent := models.Entitlement{
		OrganizationID: organizationID,
		ModuleID:       moduleID,
		ModuleKey:      moduleKey,
		Enabled:        true,
		Plan:           plan,
	}
	if err := s.repo.UpsertEntitlement(ctx, ent); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.Invalidate(organizationID, moduleKey)
	return nil
}

// Disable switches the entitlement off with the given hard cutoff
// (typically the period end that was never paid past).
func (s *Service) Disable(ctx context.Context, organizationID string, moduleID int64, moduleKey string, expiresAt time.Time) error {
	const op = "entitlement.Disable"

	if err := s.repo.DisableEntitlement(ctx, organizationID, moduleID, expiresAt); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.Invalidate(organizationID, moduleKey)
	return nil
}

// Invalidate drops the cached row after a write that happened outside this
// service (the atomic payment-confirm transaction writes the entitlement
// directly).
func (s *Service) Invalidate(organizationID, moduleKey string) {
	if err := s.cache.Invalidate(cacheKey(organizationID, moduleKey)); err != nil {
		s.log.Warn("entitlement cache invalidation failed", sl.Err(err))
	}
}
