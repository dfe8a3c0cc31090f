// Package activity records security-relevant account events. Recording is
// fire-and-forget: a failing sink never fails the operation that emitted
// the event.
package activity

import (
	"context"
	"time"
)

const (
	ActionRegister        = "auth.register"
	ActionLogin           = "auth.login"
	ActionLoginFailed     = "auth.login_failed"
	ActionAccountLocked   = "auth.account_locked"
	ActionLoginBlocked    = "auth.login_blocked"
	ActionPasswordChanged = "auth.password_changed"
	ActionLogout          = "auth.logout"
	ActionTokenRefreshed  = "auth.token_refreshed"
)

type Event struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	SubjectID  string         `json:"subjectId,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Sink persists or forwards one event.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Pruner is implemented by sinks with a retention window.
type Pruner interface {
	Prune(ctx context.Context, before time.Time, batchSize int) (int64, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
