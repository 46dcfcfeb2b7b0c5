// Package models contains the domain structures of the entitlement engine:
// tenant organizations, catalog modules and prices, entitlements,
// subscriptions, payments and the notification payloads published to the
// messaging sink.
package models

import "time"

// Organization is the tenant identity. Immutable to this engine; only
// billing contact data and the optional account-level cutoff are read.
type Organization struct {
	ID           string     // UUID
	Name         string
	BillingEmail string
	ActiveUntil  *time.Time // account-level hard cutoff, nil means none
}
