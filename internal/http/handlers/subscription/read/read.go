// Package read serves the subscription status of the authenticated
// organization for one module.
package read

import (
	"context"
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

// Service reads the latest subscription for an organization and module.
type Service interface {
	Get(ctx context.Context, organizationID, moduleKey string) (*models.Subscription, error)
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
	const op = "handlers.subscription.read"

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

	sub, err := h.service.Get(r.Context(), orgID, moduleKey)
	if err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, response.Error("subscription not found"))
			return
		}
		log.Error("failed to read subscription", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not read subscription"))
		return
	}

	log.Info("subscription read", slog.String("module_key", moduleKey))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"subscription": sub,
	}))
}
