package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"portal-auth/internal/httpx"
	"portal-auth/internal/rbac"
	"portal-auth/internal/token"
)

type ctxKey string

const subjectKey ctxKey = "subject"

// SubjectFrom returns the subject authenticated by Authenticate.
func SubjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}

// AccessVerifier is the part of the token service the bearer middleware needs.
type AccessVerifier interface {
	VerifyClass(tokenString string, class token.Class) (*token.Claims, error)
}

// Authorizer checks a subject against the role matrix.
type Authorizer interface {
	Authorize(ctx context.Context, subject string, permission rbac.Permission) error
}

// Authenticate requires a valid access token in the Authorization header.
func Authenticate(tokens AccessVerifier, errs *ErrorWriter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			httpx.WriteFailure(w, http.StatusUnauthorized, "Missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httpx.WriteFailure(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			httpx.WriteFailure(w, http.StatusUnauthorized, "Invalid authorization token")
			return
		}

		claims, err := tokens.VerifyClass(tokenStr, token.Access)
		if err != nil {
			errs.Write(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, claims.Subject)))
	})
}

// RequirePermission must run inside Authenticate.
func RequirePermission(authz Authorizer, permission rbac.Permission, errs *ErrorWriter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFrom(r.Context())
		if subject == "" {
			errs.Write(w, r, fmt.Errorf("%w: no authenticated subject", token.ErrInvalidToken))
			return
		}
		if err := authz.Authorize(r.Context(), subject, permission); err != nil {
			errs.Write(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets the response headers every route carries.
func SecurityHeaders(production bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		if production {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Authorization, Content-Type, X-Request-ID"
	corsMaxAge       = 600
)

// CORS reflects an Origin only when it is on the allow-list. Credentials
// are allowed so the refresh cookie travels with cross-origin requests.
func CORS(allowed []string, next http.Handler) http.Handler {
	origins := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		origins = append(origins, strings.TrimRight(strings.TrimSpace(origin), "/"))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Add("Vary", "Origin")
		permitted := slices.Contains(origins, origin)
		if permitted {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !permitted {
				httpx.WriteFailure(w, http.StatusForbidden, "Origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
