// Package paymentgateway is the client for the external payment gateway's
// invoice API. Only hosted-checkout invoice creation is implemented; card
// processing itself stays on the gateway side.
package paymentgateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// Provider is the provider tag stored on payment rows created through
// this client.
const Provider = "gateway"

type Client struct {
	accountID  string
	secretKey  string
	apiURL     string
	httpClient *retryablehttp.Client
}

// NewClient creates a gateway client. Transient gateway errors (network,
// 5xx) are retried a few times with backoff before surfacing to the
// caller; the scheduler's grace extension handles anything longer.
func NewClient(accountID, secretKey, apiURL string) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.HTTPClient.Timeout = 10 * time.Second
	httpClient.Logger = nil

	return &Client{
		accountID:  accountID,
		secretKey:  secretKey,
		apiURL:     apiURL,
		httpClient: httpClient,
	}
}

// NewAmount renders minor currency units as the gateway's decimal string,
// e.g. 12900 -> "129.00".
func NewAmount(amountMinor int64, currency string) Amount {
	return Amount{
		Value:    decimal.New(amountMinor, -2).StringFixed(2),
		Currency: currency,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*retryablehttp.Request, error) {
	url := c.apiURL + path
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, buf.Bytes())
	if err != nil {
		return nil, err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.accountID + ":" + c.secretKey))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/json")
	// The gateway deduplicates request submission by this header, so a
	// retried POST cannot create two invoices.
	req.Header.Set("Idempotence-Key", uuid.New().String())
	return req, nil
}

// CreateInvoice creates a hosted-checkout invoice at the gateway and
// returns it, including the checkout URL for the billing contact.
func (c *Client) CreateInvoice(ctx context.Context, reqParams CreateInvoiceRequest) (*Invoice, error) {
	const op = "paymentgateway.CreateInvoice"

	req, err := c.newRequest(ctx, http.MethodPost, "/invoices", reqParams)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%s: unexpected status: %s", op, resp.Status)
	}

	var invoice Invoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &invoice, nil
}
