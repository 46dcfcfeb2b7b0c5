// Package middlewarectx holds the HTTP middleware chain: JWT organization
// identity, request rate limiting, and the entitlement gate protecting
// module routes.
package middlewarectx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/bizdesk/entitlement-engine/internal/http/response"
	"github.com/bizdesk/entitlement-engine/internal/lib/jwt"
	"github.com/bizdesk/entitlement-engine/internal/lib/sl"
)

// Key is the context key type for request-scoped identity values.
type Key string

const (
	// OrganizationID — the authenticated tenant.
	OrganizationID Key = "organization_id"
	// Role — the caller's role inside the organization.
	Role Key = "role"
)

// OrganizationFromContext returns the authenticated organization id set by
// JWTMiddleware.
func OrganizationFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OrganizationID).(string)
	return id, ok
}

// JWTMiddleware validates the Bearer token in the Authorization header and
// stores the organization id and role in the request context. Invalid or
// missing tokens get 401.
func JWTMiddleware(maker jwt.Maker, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.JWTMiddleware"

			log := log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Error("missing or invalid authorization header")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("missing or invalid authorization header"))
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := maker.ParseToken(tokenStr)
			if err != nil {
				log.Error("invalid or expired token", sl.Err(err))
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("invalid or expired token"))
				return
			}
			ctx := context.WithValue(r.Context(), OrganizationID, claims.OrganizationID)
			ctx = context.WithValue(ctx, Role, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
