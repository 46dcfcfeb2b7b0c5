// Package paymentwebhook receives gateway payment events. The raw body is
// verified with HMAC-SHA256 against the shared webhook secret before any
// decoding; everything after verification is delegated to the webhook
// service.
package paymentwebhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/bizdesk/entitlement-engine/internal/http/response"
	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
	"github.com/bizdesk/entitlement-engine/internal/services/webhook"
)

// Service applies one verified gateway event.
type Service interface {
	Apply(ctx context.Context, payload webhook.Payload) (*webhook.Result, error)
}

type Handler struct {
	log           *slog.Logger
	service       Service
	validate      *validator.Validate
	webhookSecret string
}

func New(log *slog.Logger, service Service, secret string) *Handler {
	return &Handler{
		log:           log,
		service:       service,
		validate:      validator.New(),
		webhookSecret: secret,
	}
}

// verifySignature checks the X-Api-Signature header: base64 of
// HMAC-SHA256 over the raw body. hmac.Equal keeps the comparison
// constant-time.
func (h *Handler) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expectedSig), []byte(signature))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.webhook"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to read body"))
		return
	}
	defer func() { _ = r.Body.Close() }()

	if h.webhookSecret == "" {
		// Explicit dev fallback; a production config always carries the
		// secret.
		log.Warn("webhook secret is not configured, accepting unsigned event")
	} else {
		signature := r.Header.Get("X-Api-Signature")
		if signature == "" || !h.verifySignature(body, signature) {
			log.Error("invalid or missing webhook signature")
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("invalid signature"))
			return
		}
	}

	var payload webhook.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error("failed to unmarshal webhook payload", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid payload"))
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		var validateErrs validator.ValidationErrors
		if errors.As(err, &validateErrs) {
			log.Error("invalid webhook payload", sl.Err(err))
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.ValidationError(validateErrs))
			return
		}
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid payload"))
		return
	}

	result, err := h.service.Apply(r.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnknownOrganization),
			errors.Is(err, webhook.ErrUnknownModule),
			errors.Is(err, webhook.ErrMissingReference):
			// Malformed for this engine: a retry can never succeed, so the
			// gateway must not redeliver.
			log.Warn("webhook event dropped", sl.Err(err))
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error(err.Error()))
			return
		default:
			// Transient: non-2xx makes the gateway redeliver, and the
			// idempotency guard makes the redelivery safe.
			log.Error("failed to process webhook event", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error("could not process event"))
			return
		}
	}

	log.Info("webhook processed",
		slog.String("provider_ref", payload.ProviderRef()),
		slog.Bool("applied", result.Applied))
	render.JSON(w, r, result)
}
