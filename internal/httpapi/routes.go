package httpapi

import (
	"net/http"

	"portal-auth/internal/rbac"
	"portal-auth/internal/sanitize"
)

type RouteOptions struct {
	Tokens     AccessVerifier
	Authorizer Authorizer
	// AuthLimiter wraps every /auth route; nil mounts them unthrottled.
	AuthLimiter func(http.Handler) http.Handler
}

// Mount registers the auth, admin and health routes on mux. Sanitization
// runs inside the mux so path wildcards of the matched pattern are visible.
func (h *Handler) Mount(mux *http.ServeMux, opts RouteOptions) {
	limit := opts.AuthLimiter
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	public := func(fn http.HandlerFunc) http.Handler {
		return limit(sanitize.Middleware(fn))
	}
	bearer := func(fn http.HandlerFunc) http.Handler {
		return limit(sanitize.Middleware(Authenticate(opts.Tokens, h.errs, fn)))
	}

	mux.Handle("POST /auth/register", public(h.Register))
	mux.Handle("POST /auth/login", public(h.Login))
	mux.Handle("POST /auth/refresh", public(h.Refresh))
	mux.Handle("GET /auth/me", bearer(h.Me))
	mux.Handle("PUT /auth/change-password", bearer(h.ChangePassword))
	mux.Handle("POST /auth/logout", bearer(h.Logout))

	mux.Handle("GET /admin/activity", sanitize.Middleware(Authenticate(opts.Tokens, h.errs,
		RequirePermission(opts.Authorizer, rbac.ActivityView, h.errs, http.HandlerFunc(h.Activity)))))

	mux.HandleFunc("GET /health", h.Health)
}
