// Package check serves the entitlement question for the authenticated
// organization: entitled or not, with the denial reason.
package check

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/bizdesk/entitlement-engine/internal/http/middlewarectx"
	"github.com/bizdesk/entitlement-engine/internal/http/response"
	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
	"github.com/bizdesk/entitlement-engine/internal/models"
)

// Service answers the entitlement question.
type Service interface {
	Check(ctx context.Context, organizationID, moduleKey string) (bool, models.DenialReason, error)
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
	const op = "handlers.entitlement.check"

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
	if moduleKey == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("missing module key"))
		return
	}

	entitled, reason, err := h.service.Check(r.Context(), orgID, moduleKey)
	if err != nil {
		log.Error("failed to check entitlement", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not check entitlement"))
		return
	}

	log.Info("entitlement checked",
		slog.String("module_key", moduleKey),
		slog.Bool("entitled", entitled))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"entitled": entitled,
		"reason":   reason,
	}))
}
