package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"portal-auth/internal/auth"
	"portal-auth/internal/credential"
	"portal-auth/internal/httpx"
	"portal-auth/internal/observability"
	"portal-auth/internal/token"
)

// ErrorWriter is the single place where domain errors become HTTP
// responses. Nothing below it writes a status code for a failed use case.
type ErrorWriter struct {
	logger     *observability.Logger
	trustProxy bool
	now        func() time.Time
}

func NewErrorWriter(logger *observability.Logger, trustProxy bool) *ErrorWriter {
	return &ErrorWriter{logger: logger, trustProxy: trustProxy, now: time.Now}
}

func (e *ErrorWriter) Write(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *auth.ValidationError
		policyErr     *credential.PolicyError
		lockedErr     *auth.LockedError
	)

	switch {
	case errors.As(err, &validationErr):
		httpx.WriteFailureData(w, http.StatusBadRequest, "Validation failed: "+validationErr.Error(), map[string]any{
			"fields": validationErr.Fields,
		})
	case errors.As(err, &policyErr):
		httpx.WriteFailureData(w, http.StatusBadRequest, policyErr.Error(), map[string]any{
			"violations": policyErr.Violations,
		})
	case errors.Is(err, credential.ErrWeakPassword):
		httpx.WriteFailure(w, http.StatusBadRequest, "Password does not meet the policy")
	case errors.Is(err, auth.ErrInvalidInput):
		httpx.WriteFailure(w, http.StatusBadRequest, "Invalid request data")
	case errors.Is(err, auth.ErrInvalidCredentials):
		httpx.WriteFailure(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.As(err, &lockedErr):
		minutes := lockedErr.MinutesRemaining(e.now())
		w.Header().Set("Retry-After", strconv.Itoa(minutes*60))
		httpx.WriteFailureData(w, http.StatusLocked,
			fmt.Sprintf("Account temporarily locked. Try again in %d minute(s)", minutes),
			map[string]any{"minutesRemaining": minutes},
		)
	case errors.Is(err, token.ErrExpiredToken):
		httpx.WriteFailure(w, http.StatusUnauthorized, "Token expired")
	case errors.Is(err, token.ErrInvalidToken):
		e.securityEvent(r, "invalid_token", err)
		httpx.WriteFailure(w, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, auth.ErrForbidden):
		httpx.WriteFailure(w, http.StatusForbidden, "Insufficient permissions")
	case errors.Is(err, auth.ErrNotFound):
		httpx.WriteFailure(w, http.StatusNotFound, "Resource not found")
	case errors.Is(err, auth.ErrConflict):
		httpx.WriteFailure(w, http.StatusConflict, "Email is already registered")
	default:
		requestID := observability.RequestIDFrom(r.Context())
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("request_id", requestID)
			scope.SetTag("route", r.Pattern)
			sentry.CaptureException(err)
		})
		e.logger.Error("request_failed", map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"error":      err.Error(),
			"request_id": requestID,
		})
		httpx.WriteFailure(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (e *ErrorWriter) securityEvent(r *http.Request, event string, err error) {
	fields := map[string]any{
		"path":       r.URL.Path,
		"ip":         httpx.ClientIP(r, e.trustProxy),
		"request_id": observability.RequestIDFrom(r.Context()),
		"error":      err.Error(),
	}
	e.logger.Warn(event, fields)
	observability.CaptureSecurityEvent(event, fields)
}
