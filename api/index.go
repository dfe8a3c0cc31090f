package api

import (
	"context"
	"net/http"
	"sync"

	"portal-auth/internal/app"
	"portal-auth/internal/httpx"
	"portal-auth/internal/observability"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error

	build = app.Build
)

// Handler is the serverless entry point. The runtime is built on the first
// invocation and reused by warm instances.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		logger := observability.NewLogger()
		apiRuntime, initErr = build(context.Background(), app.Options{Logger: logger})
		if initErr != nil {
			logger.Error("bootstrap_failed", map[string]any{"error": initErr.Error()})
		}
	})

	if initErr != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Application bootstrap failed")
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
