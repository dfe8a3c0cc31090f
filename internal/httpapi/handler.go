// Package httpapi is the HTTP boundary of the auth core: handlers, bearer
// authentication, the permission guard, CORS and error translation.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"portal-auth/internal/activity"
	"portal-auth/internal/auth"
	"portal-auth/internal/httpx"
	"portal-auth/internal/observability"
)

const (
	maxJSONBodyBytes = 1 << 20

	RefreshCookieName   = "refreshToken"
	refreshCookiePath   = "/auth"
	refreshCookieMaxAge = 30 * 24 * 60 * 60
)

// Accounts is the set of use cases the handlers drive.
type Accounts interface {
	Register(ctx context.Context, in auth.RegisterInput, meta auth.Meta) (auth.Session, error)
	Login(ctx context.Context, in auth.LoginInput, meta auth.Meta) (auth.Session, error)
	Refresh(ctx context.Context, refreshToken string, meta auth.Meta) (auth.Session, error)
	Me(ctx context.Context, subject string) (auth.Profile, error)
	ChangePassword(ctx context.Context, subject string, in auth.ChangePasswordInput, meta auth.Meta) error
	Logout(ctx context.Context, subject string, meta auth.Meta) error
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	accounts     Accounts
	activity     activity.Reader
	health       Pinger
	errs         *ErrorWriter
	secureCookie bool
	trustProxy   bool
}

type HandlerOptions struct {
	Accounts Accounts
	// Activity is nil when the configured sink cannot be read back.
	Activity     activity.Reader
	Health       Pinger
	Errors       *ErrorWriter
	SecureCookie bool
	TrustProxy   bool
}

func NewHandler(opts HandlerOptions) *Handler {
	return &Handler{
		accounts:     opts.Accounts,
		activity:     opts.Activity,
		health:       opts.Health,
		errs:         opts.Errors,
		secureCookie: opts.SecureCookie,
		trustProxy:   opts.TrustProxy,
	}
}

type sessionResponse struct {
	User      auth.PublicUser `json:"user"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body auth.RegisterInput
	if !h.decode(w, r, &body) {
		return
	}

	session, err := h.accounts.Register(r.Context(), body, h.meta(r))
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}

	h.setRefreshCookie(w, session.RefreshToken)
	httpx.WriteSuccess(w, http.StatusCreated, "Registration successful", toSessionResponse(session))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body auth.LoginInput
	if !h.decode(w, r, &body) {
		return
	}

	session, err := h.accounts.Login(r.Context(), body, h.meta(r))
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}

	h.setRefreshCookie(w, session.RefreshToken)
	httpx.WriteSuccess(w, http.StatusOK, "Login successful", toSessionResponse(session))
}

// Refresh reads the refresh token from its cookie only; it is never
// accepted from the body.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		httpx.WriteFailure(w, http.StatusUnauthorized, "Missing refresh token")
		return
	}

	session, err := h.accounts.Refresh(r.Context(), cookie.Value, h.meta(r))
	if err != nil {
		h.clearRefreshCookie(w)
		h.errs.Write(w, r, err)
		return
	}

	h.setRefreshCookie(w, session.RefreshToken)
	httpx.WriteSuccess(w, http.StatusOK, "Token refreshed", toSessionResponse(session))
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	profile, err := h.accounts.Me(r.Context(), SubjectFrom(r.Context()))
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Profile retrieved", profile)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body auth.ChangePasswordInput
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.accounts.ChangePassword(r.Context(), SubjectFrom(r.Context()), body, h.meta(r)); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Password changed", nil)
}

// Logout clears the refresh cookie. The access token stays valid until it
// expires.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Logout(r.Context(), SubjectFrom(r.Context()), h.meta(r)); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	h.clearRefreshCookie(w)
	httpx.WriteSuccess(w, http.StatusOK, "Logout successful", nil)
}

func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	if h.activity == nil {
		httpx.WriteFailure(w, http.StatusNotImplemented, "Activity log is not readable with the configured sink")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.WriteFailure(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.activity.Recent(r.Context(), limit)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	if events == nil {
		events = []activity.Event{}
	}
	httpx.WriteSuccess(w, http.StatusOK, "Activity retrieved", events)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now().UTC().Format(time.RFC3339)
	if h.health != nil {
		if err := h.health.Ping(ctx); err != nil {
			httpx.WriteFailureData(w, http.StatusServiceUnavailable, "degraded", map[string]any{"status": "degraded", "time": now})
			return
		}
	}
	httpx.WriteSuccess(w, http.StatusOK, "ok", map[string]any{"status": "ok", "time": now})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			httpx.WriteFailure(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		httpx.WriteFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) meta(r *http.Request) auth.Meta {
	return auth.Meta{
		IP:        httpx.ClientIP(r, h.trustProxy),
		UserAgent: r.UserAgent(),
		RequestID: observability.RequestIDFrom(r.Context()),
	}
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     refreshCookiePath,
		MaxAge:   refreshCookieMaxAge,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func toSessionResponse(s auth.Session) sessionResponse {
	return sessionResponse{User: s.User, Token: s.AccessToken, ExpiresAt: s.AccessExpiresAt}
}
