package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/venia-ai/docsearch/internal/tenant"
)

type contextKey struct{}

// securityContextKey stores the authenticated identity for the request.
var securityContextKey = contextKey{}

// authMiddleware validates the bearer token and attaches the authenticated
// identity to the request context. Everything under /v1 runs behind it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeUnauthorized(w, r, "missing authorization header")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeUnauthorized(w, r, "authorization header must be a bearer token")
			return
		}

		claims, err := s.deps.Auth.ValidateToken(token)
		if err != nil {
			s.logger.Warn("token rejected",
				"error", err, "request_id", middleware.GetReqID(r.Context()))
			writeUnauthorized(w, r, "invalid or expired token")
			return
		}
		tenantID, err := claims.GetTenantID()
		if err != nil {
			writeUnauthorized(w, r, "token carries no valid tenant")
			return
		}

		sec := tenant.SecurityContext{
			TenantID:      tenantID,
			UserID:        claims.UserID,
			CorrelationID: middleware.GetReqID(r.Context()),
		}
		ctx := context.WithValue(r.Context(), securityContextKey, sec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityContext returns the identity the auth middleware attached.
func securityContext(ctx context.Context) (tenant.SecurityContext, bool) {
	sec, ok := ctx.Value(securityContextKey).(tenant.SecurityContext)
	return sec, ok
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusUnauthorized, errorBody{
		Error: errorDetail{
			Kind:          "unauthorized",
			Message:       msg,
			CorrelationID: middleware.GetReqID(r.Context()),
		},
	})
}
