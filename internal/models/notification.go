package models

import "time"

// Notification payloads published to the "notifications" exchange. Delivery
// and retry of the channel itself is the sending collaborator's concern;
// the engine emits values only.

// RenewalReminder is sent when a subscription is 7, 3 or 1 calendar days
// from its period end. At-least-once; a duplicate reminder is harmless.
type RenewalReminder struct {
	OrganizationID string    `json:"organization_id"`
	BillingEmail   string    `json:"billing_email"`
	ModuleKey      string    `json:"module_key"`
	Plan           string    `json:"plan"`
	DaysLeft       int       `json:"days_left"`
	PeriodEnd      time.Time `json:"period_end"`
}

// PaymentRequired is sent after a hosted invoice has been created at the
// gateway for a past-due subscription.
type PaymentRequired struct {
	OrganizationID string    `json:"organization_id"`
	BillingEmail   string    `json:"billing_email"`
	ModuleKey      string    `json:"module_key"`
	Plan           string    `json:"plan"`
	AmountMinor    int64     `json:"amount_minor"`
	Currency       string    `json:"currency"`
	CheckoutURL    string    `json:"checkout_url"`
	ProviderRef    string    `json:"provider_ref"`
	GraceUntil     time.Time `json:"grace_until"`
}

// CancellationNotice is sent when a subscription is canceled, either
// immediately or when a cancel-at-period-end finally takes effect.
type CancellationNotice struct {
	OrganizationID string    `json:"organization_id"`
	BillingEmail   string    `json:"billing_email"`
	ModuleKey      string    `json:"module_key"`
	Plan           string    `json:"plan"`
	EffectiveAt    time.Time `json:"effective_at"`
}
