// Package identity resolves the tenant behind a request from its bearer token.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	// TenantURLParam is the chi route parameter carrying the tenant ID.
	TenantURLParam = "tenantID"
	// AccessTokenQueryParam carries the token for clients that cannot set headers (EventSource).
	AccessTokenQueryParam = "access_token"
)

type contextKey int

const tenantIDKey contextKey = iota

// TenantFromContext extracts the authenticated tenant ID from the request context.
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		return v
	}
	return ""
}

// WithTenant returns a copy of ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(AccessTokenQueryParam)
}

// Middleware authenticates tenant-scoped routes. tokens maps bearer token to
// tenant ID. A missing or unknown token is rejected with 401; a token for a
// different tenant than the one in the URL is rejected with 403. With no
// tokens configured and isDev set, the URL tenant is trusted as-is.
func Middleware(tokens map[string]string, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			urlTenant := chi.URLParam(r, TenantURLParam)
			if urlTenant == "" {
				http.Error(w, `{"error":"tenant is required"}`, http.StatusBadRequest)
				return
			}

			if len(tokens) == 0 && isDev {
				next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), urlTenant)))
				return
			}

			token := TokenFromRequest(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			tenantID, ok := tokens[token]
			if !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if tenantID != urlTenant {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
