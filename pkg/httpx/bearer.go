package httpx

import (
	"context"
	"net/http"
	"strings"
)

type bearerOptions struct {
	allowQuery bool
}

// BearerOption configures BearerMiddleware.
type BearerOption func(*bearerOptions)

// AllowQueryToken also accepts the token as a "?token=" query parameter when
// no Authorization header is present. Query tokens end up in access logs, so
// this is reserved for routes that genuinely cannot set headers, like image
// pixels fired from pagehide handlers.
func AllowQueryToken() BearerOption {
	return func(o *bearerOptions) {
		o.allowQuery = true
	}
}

// BearerMiddleware extracts the Authorization bearer token and attaches it to
// the request context. Verification of the assertion is delegated to the
// identity provider downstream, so this middleware only rejects requests that
// carry no token at all.
func BearerMiddleware(opts ...BearerOption) Middleware {
	var o bearerOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r, o.allowQuery)
			if raw == "" {
				writeBearerError(w, "missing bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), CtxKeyAssertion, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request, allowQuery bool) string {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
		if allowQuery {
			return r.URL.Query().Get("token")
		}
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer"))
}

// RFC 6750-compliant error response for bearer auth.
func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}
