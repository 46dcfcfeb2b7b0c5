package models

import "time"

// DenialReason explains why an entitlement check came back negative.
type DenialReason string

const (
	// ReasonNotFound — no entitlement row exists for the pair.
	ReasonNotFound DenialReason = "not_found"
	// ReasonDisabled — the entitlement exists but is switched off.
	ReasonDisabled DenialReason = "disabled"
	// ReasonExpired — the hard cutoff has passed.
	ReasonExpired DenialReason = "expired"
	// ReasonTrialExpired — the trial window has passed.
	ReasonTrialExpired DenialReason = "trial_expired"
)

// Entitlement is the authoritative "organization may use module" record.
// One row per organization and module.
type Entitlement struct {
	OrganizationID string
	ModuleID       int64
	ModuleKey      string
	Enabled        bool
	Plan           string     // open enum: trial, basic, pro, ultra, ...
	ExpiresAt      *time.Time // hard cutoff; in the past means void regardless of Enabled
	TrialEndsAt    *time.Time // trial cutoff; in the past means void even without ExpiresAt
	UpdatedAt      time.Time
}

// Entitled reports whether the record grants access at the given instant,
// and the denial reason otherwise. The rule is:
// enabled AND (expiresAt unset OR in the future) AND (trialEndsAt unset OR
// in the future).
func (e *Entitlement) Entitled(now time.Time) (bool, DenialReason) {
	if e == nil {
		return false, ReasonNotFound
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return false, ReasonExpired
	}
	if e.TrialEndsAt != nil && !e.TrialEndsAt.After(now) {
		return false, ReasonTrialExpired
	}
	if !e.Enabled {
		return false, ReasonDisabled
	}
	return true, ""
}
