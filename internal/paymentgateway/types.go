package paymentgateway

import "time"

// Amount is the gateway's money representation: a decimal string plus an
// ISO currency code, e.g. {"value": "100.00", "currency": "EUR"}.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Confirmation describes the hosted-checkout redirect for an invoice.
type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

// CreateInvoiceRequest asks the gateway to issue a hosted-checkout invoice.
// Metadata is echoed back verbatim in the webhook so the engine can route
// the confirmation without any gateway-side state.
type CreateInvoiceRequest struct {
	Amount       Amount            `json:"amount"`
	Description  string            `json:"description"`
	Confirmation Confirmation      `json:"confirmation"`
	Capture      bool              `json:"capture"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Metadata     map[string]string `json:"metadata"`
}

// Invoice is the gateway's view of a created invoice. ID is the provider
// reference used as the idempotency key for the eventual confirmation.
type Invoice struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	Amount       Amount       `json:"amount"`
	Confirmation Confirmation `json:"confirmation"`
	CreatedAt    time.Time    `json:"created_at"`
}
