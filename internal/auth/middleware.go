package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rentgrid/backend/internal/apierrors"
)

// contextKey is an unexported type used for context keys to avoid collisions.
type contextKey int

const (
	claimsContextKey contextKey = iota
)

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the "token" query parameter used by websocket clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware returns an HTTP middleware that validates the bearer JWT from the
// Authorization header and injects the claims into the request context.
func Middleware(jwtMgr *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.NewUnauthorizedError("missing authorization header").Write(w, r)
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				apierrors.NewUnauthorizedError("unsupported authorization scheme").Write(w, r)
				return
			}

			claims, err := jwtMgr.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				apierrors.NewUnauthorizedError("invalid or expired token").Write(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole returns a middleware that restricts access to callers whose role
// is in the provided set of allowed roles.
func RequireRole(allowed ...Role) func(http.Handler) http.Handler {
	allowedSet := make(map[Role]bool, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.NewUnauthorizedError("authentication required").Write(w, r)
				return
			}
			if !allowedSet[claims.Role] {
				apierrors.NewForbiddenError("insufficient permissions").Write(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithClaims stores claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// GetClaimsFromContext extracts the Claims stored in the context by the auth
// middleware.
func GetClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// AddressFromContext returns the authenticated wallet address.
func AddressFromContext(ctx context.Context) (string, bool) {
	claims := GetClaimsFromContext(ctx)
	if claims == nil {
		return "", false
	}
	return claims.Address, true
}
