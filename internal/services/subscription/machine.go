// Package subscription owns the billing-period state machine of one
// (organization, module) pair. Every writer — webhook ingestion, the
// renewal sweep, explicit cancellation — funnels through the transition
// functions here, so the lifecycle invariants are enforced in one place
// regardless of trigger.
package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/bizdesk/entitlement-engine/internal/lib/billing"
	"github.com/bizdesk/entitlement-engine/internal/models"
)

var (
	// ErrSubscriptionCanceled — the requested transition is not legal on a
	// canceled subscription. Recoverable: callers report it, never crash.
	ErrSubscriptionCanceled = errors.New("subscription is canceled")
	// ErrSubscriptionNotFound — no subscription exists for the pair.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrIllegalTransition — the (state, event) pair has no edge.
	ErrIllegalTransition = errors.New("illegal subscription transition")
)

// New creates a subscription entering `active` with its first period
// starting now.
func New(organizationID string, moduleID int64, plan string, now time.Time, period billing.Period, graceDays int) *models.Subscription {
	end := period.Advance(now)
	return &models.Subscription{
		OrganizationID:     organizationID,
		ModuleID:           moduleID,
		Plan:               plan,
		Status:             models.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   end,
		GraceUntil:         end.AddDate(0, 0, graceDays),
	}
}

// Renew handles (active, payment-succeeded) and (expired,
// payment-succeeded): a fresh period starts now, the grace deadline is
// recomputed (dropping any extension) and canceledAt is cleared. Renewing
// a canceled subscription returns ErrSubscriptionCanceled.
func Renew(sub *models.Subscription, now time.Time, period billing.Period, graceDays int) error {
	switch sub.Status {
	case models.StatusCanceled:
		return ErrSubscriptionCanceled
	case models.StatusActive, models.StatusExpired:
		sub.Status = models.StatusActive
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = period.Advance(now)
		sub.GraceUntil = sub.CurrentPeriodEnd.AddDate(0, 0, graceDays)
		sub.CanceledAt = nil
		sub.TrialEndsAt = nil
		return nil
	default:
		return fmt.Errorf("%w: renew from %q", ErrIllegalTransition, sub.Status)
	}
}

// Expire handles (active, grace-elapsed) and (active, price-missing):
// the subscription leaves active with no replacement period.
func Expire(sub *models.Subscription) error {
	if sub.Status != models.StatusActive {
		return fmt.Errorf("%w: expire from %q", ErrIllegalTransition, sub.Status)
	}
	sub.Status = models.StatusExpired
	return nil
}

// Cancel handles (active, cancellation-requested). With atPeriodEnd the
// subscription stays active until its period end and the sweep finalizes
// it; otherwise it terminates immediately.
func Cancel(sub *models.Subscription, now time.Time, atPeriodEnd bool) error {
	switch sub.Status {
	case models.StatusCanceled:
		return ErrSubscriptionCanceled
	case models.StatusActive:
	default:
		return fmt.Errorf("%w: cancel from %q", ErrIllegalTransition, sub.Status)
	}

	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
		return nil
	}
	sub.Status = models.StatusCanceled
	sub.CanceledAt = &now
	return nil
}

// FinalizeCancellation handles (active+cancelAtPeriodEnd, period-ended):
// the sweep turns the subscription canceled — not expired, since the
// termination was voluntary.
func FinalizeCancellation(sub *models.Subscription, now time.Time) error {
	if sub.Status != models.StatusActive || !sub.CancelAtPeriodEnd {
		return fmt.Errorf("%w: finalize cancellation from %q", ErrIllegalTransition, sub.Status)
	}
	if now.Before(sub.CurrentPeriodEnd) {
		return fmt.Errorf("%w: period has not ended", ErrIllegalTransition)
	}
	sub.Status = models.StatusCanceled
	if sub.CanceledAt == nil {
		sub.CanceledAt = &now
	}
	return nil
}
