package middlewarectx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/bizdesk/entitlement-engine/internal/http/response"
	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
	"github.com/bizdesk/entitlement-engine/internal/models"
)

// EntitlementChecker answers whether the organization may use the module
// right now.
type EntitlementChecker interface {
	Check(ctx context.Context, organizationID, moduleKey string) (bool, models.DenialReason, error)
}

// RequireModule gates a route group behind an entitlement: the request
// proceeds only when the authenticated organization is entitled to
// moduleKey, otherwise 403 with the denial reason. Must run after
// JWTMiddleware.
func RequireModule(moduleKey string, checker EntitlementChecker, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.RequireModule"

			log := log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("module_key", moduleKey),
			)

			orgID, ok := OrganizationFromContext(r.Context())
			if !ok {
				log.Error("no organization in request context")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("unauthorized"))
				return
			}

			entitled, reason, err := checker.Check(r.Context(), orgID, moduleKey)
			if err != nil {
				log.Error("entitlement check failed", sl.Err(err))
				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, response.Error("could not check entitlement"))
				return
			}
			if !entitled {
				log.Info("module access denied", slog.String("reason", string(reason)))
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, response.Error(string(reason)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
