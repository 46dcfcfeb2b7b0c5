package models

import "time"

// SubscriptionStatus is the state of the billing-period state machine.
type SubscriptionStatus string

const (
	// StatusActive — inside a paid period or its grace window.
	StatusActive SubscriptionStatus = "active"
	// StatusExpired — period and grace elapsed with no successful payment.
	// Re-enterable into active via a late renewal.
	StatusExpired SubscriptionStatus = "expired"
	// StatusCanceled — voluntarily terminated. Terminal.
	StatusCanceled SubscriptionStatus = "canceled"
)

// Subscription is one billing-period state machine instance for an
// organization and module pair. The current period is the half-open
// interval [CurrentPeriodStart, CurrentPeriodEnd).
type Subscription struct {
	ID                 int64
	OrganizationID     string
	ModuleID           int64
	Plan               string
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	// GraceUntil is the materialized grace deadline: period end plus the
	// configured grace days, pushed forward when a gateway request fails.
	GraceUntil        time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	TrialEndsAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
