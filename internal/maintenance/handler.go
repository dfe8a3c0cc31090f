// Package maintenance exposes the cron-triggered housekeeping endpoint.
package maintenance

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"portal-auth/internal/activity"
	"portal-auth/internal/httpx"
	"portal-auth/internal/observability"
)

// LockoutClearer resets accounts whose temporary lock has expired.
type LockoutClearer interface {
	ClearExpiredLockouts(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

type CleanupResult struct {
	DeletedActivity  int64 `json:"deletedActivity"`
	ClearedLockouts  int64 `json:"clearedLockouts"`
	ActivityRetained bool  `json:"activityRetained"`
}

type CleanupHandler struct {
	lockouts   LockoutClearer
	activity   activity.Pruner
	logger     *observability.Logger
	cronSecret string
	retention  time.Duration
	batchSize  int
	now        func() time.Time
}

type Options struct {
	Lockouts LockoutClearer
	// Activity is nil when the configured sink has no retention of its own
	// to enforce (NATS, Redis streams trimmed by MAXLEN).
	Activity   activity.Pruner
	Logger     *observability.Logger
	CronSecret string
	Retention  time.Duration
	BatchSize  int
	Now        func() time.Time
}

func NewCleanupHandler(opts Options) *CleanupHandler {
	if opts.Retention <= 0 {
		opts.Retention = 90 * 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &CleanupHandler{
		lockouts:   opts.Lockouts,
		activity:   opts.Activity,
		logger:     opts.Logger,
		cronSecret: strings.TrimSpace(opts.CronSecret),
		retention:  opts.Retention,
		batchSize:  opts.BatchSize,
		now:        opts.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		httpx.WriteFailure(w, http.StatusNotFound, "Not found")
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		httpx.WriteFailure(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{
			"error":      err.Error(),
			"request_id": observability.RequestIDFrom(r.Context()),
		})
		httpx.WriteFailure(w, http.StatusInternalServerError, "Cleanup failed")
		return
	}

	httpx.WriteSuccess(w, http.StatusOK, "Cleanup completed", result)
}

// Run clears expired lockouts and prunes activity older than the retention
// window, one batch of each.
func (h *CleanupHandler) Run(ctx context.Context) (CleanupResult, error) {
	now := h.now().UTC()
	var result CleanupResult

	if h.lockouts != nil {
		cleared, err := h.lockouts.ClearExpiredLockouts(ctx, now, h.batchSize)
		if err != nil {
			return CleanupResult{}, err
		}
		result.ClearedLockouts = cleared
	}

	if h.activity != nil {
		deleted, err := h.activity.Prune(ctx, now.Add(-h.retention), h.batchSize)
		if err != nil {
			return CleanupResult{}, err
		}
		result.DeletedActivity = deleted
		result.ActivityRetained = true
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"cleared_lockouts": result.ClearedLockouts,
		"deleted_activity": result.DeletedActivity,
	})
	return result, nil
}
