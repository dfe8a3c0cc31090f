package userstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"portal-auth/internal/auth"
	"portal-auth/internal/lockout"
)

// Memory keeps accounts in process. Contents are lost on restart, so it is
// only selected outside production when DATABASE_URL is unset.
type Memory struct {
	mu      sync.Mutex
	byID    map[string]*auth.User
	byEmail map[string]string
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[string]*auth.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for created/updated timestamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) FindBySubject(_ context.Context, id string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return copyUser(user), nil
}

func (m *Memory) FindByLoginKey(_ context.Context, email string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return copyUser(m.byID[id]), nil
}

func (m *Memory) CreateUser(_ context.Context, in auth.NewUser) (auth.User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return auth.User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(in.Email)
	if _, exists := m.byEmail[email]; exists {
		return auth.User{}, fmt.Errorf("%w: email already registered", auth.ErrConflict)
	}

	now := m.now().UTC()
	user := &auth.User{
		ID:           id.String(),
		Email:        email,
		Name:         in.Name,
		Phone:        in.Phone,
		Role:         in.Role,
		PasswordHash: in.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.byID[user.ID] = user
	m.byEmail[email] = user.ID
	return copyUser(user), nil
}

// UpdateLoginState runs transition under the store mutex, which makes the
// read-transition-write cycle atomic for every account at once.
func (m *Memory) UpdateLoginState(_ context.Context, id string, transition func(lockout.State) lockout.State) (lockout.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[id]
	if !ok {
		return lockout.State{}, auth.ErrNotFound
	}

	next := copyState(transition(copyState(user.LoginState)))
	user.LoginState = next
	user.UpdatedAt = m.now().UTC()
	return copyState(next), nil
}

func (m *Memory) RecordSuccessfulLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	value := at.UTC()
	user.LastLoginAt = &value
	user.UpdatedAt = value
	return nil
}

func (m *Memory) UpdatePassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) ClearExpiredLockouts(_ context.Context, now time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cleared int64
	for _, user := range m.byID {
		if batchSize > 0 && cleared >= int64(batchSize) {
			break
		}
		until := user.LoginState.LockedUntil
		if until != nil && until.Before(now) {
			user.LoginState = lockout.State{}
			cleared++
		}
	}
	return cleared, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func copyUser(user *auth.User) auth.User {
	out := *user
	out.LoginState = copyState(user.LoginState)
	if user.LastLoginAt != nil {
		value := *user.LastLoginAt
		out.LastLoginAt = &value
	}
	return out
}

func copyState(s lockout.State) lockout.State {
	if s.LockedUntil != nil {
		value := *s.LockedUntil
		s.LockedUntil = &value
	}
	return s
}
