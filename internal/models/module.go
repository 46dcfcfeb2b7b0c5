package models

import "github.com/bizdesk/entitlement-engine/internal/lib/billing"

// Module is a catalog product unit, immutable reference data.
type Module struct {
	ID       int64
	Key      string // stable identifier used by gating checks, e.g. "tickets"
	Name     string
	IsActive bool
}

// ModulePrice resolves (module, plan, billing period) to an amount.
// Read-only to this engine; maintained by the catalog collaborator.
type ModulePrice struct {
	ModuleID      int64
	Plan          string
	BillingPeriod billing.Period
	AmountMinor   int64 // minor currency units, e.g. cents
	Currency      string
	MaxSeats      *int
}
