package models

import "time"

// PaymentStatus is the lifecycle of one gateway transaction attempt.
type PaymentStatus string

const (
	// PaymentPending — charge initiated, awaiting gateway confirmation.
	PaymentPending PaymentStatus = "pending"
	// PaymentSucceeded — confirmed by the gateway. At most one row per
	// (provider, provider_ref) ever reaches this status.
	PaymentSucceeded PaymentStatus = "succeeded"
	// PaymentFailed — rejected or abandoned at the gateway.
	PaymentFailed PaymentStatus = "failed"
)

// Payment is one row per gateway transaction attempt. ProviderRef is the
// gateway's unique invoice/transaction id and serves as the idempotency
// key for webhook delivery.
type Payment struct {
	ID             int64
	OrganizationID string
	SubscriptionID *int64
	AmountMinor    int64
	Currency       string
	Status         PaymentStatus
	Provider       string
	ProviderRef    string
	PaidAt         *time.Time
	CreatedAt      time.Time
}
