package auth

import (
	"time"

	"portal-auth/internal/lockout"
	"portal-auth/internal/rbac"
)

type User struct {
	ID           string
	Email        string
	Name         string
	Phone        string
	Role         rbac.Role
	PasswordHash string
	LoginState   lockout.State
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewUser is what the orchestrator hands to UserStore.CreateUser. The
// password is already hashed.
type NewUser struct {
	Email        string
	Name         string
	Phone        string
	Role         rbac.Role
	PasswordHash string
}

// PublicUser is the user as exposed over HTTP.
type PublicUser struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone,omitempty"`
	Role        rbac.Role  `json:"role"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Phone:       u.Phone,
		Role:        u.Role,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// Session is the result of a successful register, login or refresh. The
// refresh token is only ever written to a cookie by the HTTP layer.
type Session struct {
	User             PublicUser
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type Profile struct {
	User        PublicUser        `json:"user"`
	Permissions []rbac.Permission `json:"permissions"`
}

// Meta describes the request that triggered a use case, for activity logs.
type Meta struct {
	IP        string
	UserAgent string
	RequestID string
}

type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}
