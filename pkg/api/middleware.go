package api

import (
	"context"
	"net/http"
	"time"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Header names for the caller identity resolved by the fronting auth
// layer. Authentication itself happens outside this service.
const (
	headerAgentID     = "X-Agent-Id"
	headerCallerName  = "X-Caller-Name"
	headerServiceCall = "X-Service-Call"
)

// Identity is the already-resolved caller identity handed over by the
// auth layer.
type Identity struct {
	TenantID      string
	DisplayName   string
	IsServiceCall bool
}

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireTenant extracts the caller identity headers and injects them
// into the request context. Requests without a tenant id are rejected
// before reaching any handler.
func (s *server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(headerAgentID)
		if tenantID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Error: "agent identity header is required",
				Code:  codeUnauthorized,
			})

			return
		}

		identity := &Identity{
			TenantID:      tenantID,
			DisplayName:   r.Header.Get(headerCallerName),
			IsServiceCall: r.Header.Get(headerServiceCall) == "true",
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFromContext extracts the caller identity from the request
// context.
func identityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey).(*Identity)

	return identity
}
