// Package cancel processes explicit cancellation requests: immediate, or
// at the end of the paid period.
package cancel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/bizdesk/entitlement-engine/internal/http/middlewarectx"
	"github.com/bizdesk/entitlement-engine/internal/http/response"
	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
	"github.com/bizdesk/entitlement-engine/internal/models"
	"github.com/bizdesk/entitlement-engine/internal/services/subscription"
)

// Request is the cancellation request body.
type Request struct {
	CancelAtPeriodEnd bool `json:"cancel_at_period_end"`
}

// Service cancels a subscription.
type Service interface {
	Cancel(ctx context.Context, organizationID, moduleKey string, atPeriodEnd bool) (*models.Subscription, error)
}

type Handler struct {
	log     *slog.Logger
	service Service
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.subscription.cancel"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	orgID, ok := middlewarectx.OrganizationFromContext(r.Context())
	if !ok {
		log.Error("no organization in request context")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	moduleKey := chi.URLParam(r, "moduleKey")

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	sub, err := h.service.Cancel(r.Context(), orgID, moduleKey, req.CancelAtPeriodEnd)
	if err != nil {
		switch {
		case errors.Is(err, subscription.ErrSubscriptionNotFound):
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, response.Error("subscription not found"))
		case errors.Is(err, subscription.ErrSubscriptionCanceled):
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, response.Error("subscription is already canceled"))
		case errors.Is(err, subscription.ErrIllegalTransition):
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, response.Error("subscription cannot be canceled in its current state"))
		default:
			log.Error("failed to cancel subscription", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error("could not cancel subscription"))
		}
		return
	}

	log.Info("subscription canceled",
		slog.String("module_key", moduleKey),
		slog.Bool("at_period_end", req.CancelAtPeriodEnd))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"subscription": sub,
	}))
}
