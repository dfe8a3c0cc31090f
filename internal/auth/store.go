package auth

import (
	"context"
	"time"

	"portal-auth/internal/activity"
	"portal-auth/internal/lockout"
	"portal-auth/internal/token"
)

// UserStore persists accounts and their login-attempt state.
//
// UpdateLoginState must be atomic per user: transition receives the
// current state and its result is written before any concurrent update of
// the same user can read it.
type UserStore interface {
	FindBySubject(ctx context.Context, id string) (User, error)
	FindByLoginKey(ctx context.Context, email string) (User, error)
	CreateUser(ctx context.Context, user NewUser) (User, error)
	UpdateLoginState(ctx context.Context, id string, transition func(lockout.State) lockout.State) (lockout.State, error)
	RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

type PasswordCodec interface {
	Validate(password string) error
	Hash(password string) (string, error)
	Verify(password, hash string) bool
	DummyVerify(password string) bool
}

type TokenIssuer interface {
	Issue(subject string, class token.Class) (token.Issued, error)
	VerifyClass(tokenString string, class token.Class) (*token.Claims, error)
}

// ActivityRecorder must not block; see activity.Recorder.
type ActivityRecorder interface {
	Record(ctx context.Context, event activity.Event)
}

type LoginObserver interface {
	LoginOutcome(outcome string)
}

const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeLocked             = "account_locked"
	OutcomeBlocked            = "blocked"
)
