// Package auth composes the credential codec, token service and lockout
// tracker into the account use cases. It is the only package that talks to
// the UserStore and the activity log.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"portal-auth/internal/activity"
	"portal-auth/internal/lockout"
	"portal-auth/internal/observability"
	"portal-auth/internal/rbac"
	"portal-auth/internal/token"
)

type Options struct {
	Users    UserStore
	Codec    PasswordCodec
	Tokens   TokenIssuer
	Roles    *rbac.Matrix
	Policy   lockout.Policy
	Activity ActivityRecorder
	Observer LoginObserver
	Logger   *observability.Logger
	// PhoneRegion is the ISO region used for numbers without a country code.
	PhoneRegion string
	Now         func() time.Time
}

type Service struct {
	users       UserStore
	codec       PasswordCodec
	tokens      TokenIssuer
	roles       *rbac.Matrix
	policy      lockout.Policy
	activity    ActivityRecorder
	observer    LoginObserver
	logger      *observability.Logger
	phoneRegion string
	now         func() time.Time
}

func NewService(opts Options) (*Service, error) {
	if opts.Users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("auth: password codec is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	if opts.Roles == nil {
		return nil, errors.New("auth: role matrix is required")
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = "ID"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		users:       opts.Users,
		codec:       opts.Codec,
		tokens:      opts.Tokens,
		roles:       opts.Roles,
		policy:      opts.Policy,
		activity:    opts.Activity,
		observer:    opts.Observer,
		logger:      opts.Logger,
		phoneRegion: opts.PhoneRegion,
		now:         opts.Now,
	}, nil
}

// Roles exposes the resolved role matrix to the HTTP permission guard.
func (s *Service) Roles() *rbac.Matrix {
	return s.roles
}

func (s *Service) Register(ctx context.Context, in RegisterInput, meta Meta) (Session, error) {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := in.validate(); err != nil {
		return Session{}, err
	}
	if err := s.codec.Validate(in.Password); err != nil {
		return Session{}, err
	}

	phone, err := normalizePhone(in.Phone, s.phoneRegion)
	if err != nil {
		return Session{}, err
	}

	hash, err := s.codec.Hash(in.Password)
	if err != nil {
		return Session{}, err
	}

	user, err := s.users.CreateUser(ctx, NewUser{
		Email:        in.Email,
		Name:         in.Name,
		Phone:        phone,
		Role:         s.roles.DefaultRole(),
		PasswordHash: hash,
	})
	if err != nil {
		return Session{}, err
	}

	session, err := s.issueSession(user)
	if err != nil {
		return Session{}, err
	}

	s.record(ctx, activity.ActionRegister, user.ID, meta, map[string]any{"role": string(user.Role)})
	return session, nil
}

// Login checks the lock before the password so a locked account never
// reaches the hash comparison. The resulting login state is written with a
// context that outlives client cancellation, after the comparison finished.
func (s *Service) Login(ctx context.Context, in LoginInput, meta Meta) (Session, error) {
	in.Email = normalizeEmail(in.Email)
	if err := in.validate(); err != nil {
		return Session{}, err
	}

	user, err := s.users.FindByLoginKey(ctx, in.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.codec.DummyVerify(in.Password)
			s.loginOutcome(OutcomeInvalidCredentials)
			s.record(ctx, activity.ActionLoginFailed, "", meta, map[string]any{"reason": "unknown_subject"})
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}

	now := s.now()
	if _, decision := s.policy.Evaluate(user.LoginState, now); decision.Locked {
		return Session{}, s.blocked(ctx, user.ID, decision.Until, meta)
	}

	matched := s.codec.Verify(in.Password, user.PasswordHash)

	writeCtx := context.WithoutCancel(ctx)
	var previous lockout.State
	next, err := s.users.UpdateLoginState(writeCtx, user.ID, func(current lockout.State) lockout.State {
		previous = current
		if matched {
			return s.policy.RegisterSuccess(current, now)
		}
		return s.policy.RegisterFailure(current, now)
	})
	if err != nil {
		return Session{}, fmt.Errorf("update login state: %w", err)
	}

	if !matched {
		s.loginOutcome(OutcomeInvalidCredentials)
		s.record(ctx, activity.ActionLoginFailed, user.ID, meta, map[string]any{
			"reason":      "bad_password",
			"failedCount": next.FailedCount,
		})
		if lockout.JustLocked(previous, next, now) {
			s.locked(ctx, user.ID, *next.LockedUntil, next.FailedCount, meta)
		}
		return Session{}, ErrInvalidCredentials
	}

	// A concurrent request locked the account between Evaluate and the update.
	if next.Locked(now) {
		return Session{}, s.blocked(ctx, user.ID, *next.LockedUntil, meta)
	}

	if err := s.users.RecordSuccessfulLogin(writeCtx, user.ID, now); err != nil {
		return Session{}, fmt.Errorf("record successful login: %w", err)
	}
	at := now.UTC()
	user.LastLoginAt = &at
	user.LoginState = next

	session, err := s.issueSession(user)
	if err != nil {
		return Session{}, err
	}

	s.loginOutcome(OutcomeSuccess)
	s.record(ctx, activity.ActionLogin, user.ID, meta, nil)
	return session, nil
}

func (s *Service) blocked(ctx context.Context, subject string, until time.Time, meta Meta) error {
	s.loginOutcome(OutcomeBlocked)
	s.record(ctx, activity.ActionLoginBlocked, subject, meta, map[string]any{"lockedUntil": until.UTC()})
	return &LockedError{Until: until}
}

func (s *Service) locked(ctx context.Context, subject string, until time.Time, failedCount int, meta Meta) {
	s.loginOutcome(OutcomeLocked)
	s.record(ctx, activity.ActionAccountLocked, subject, meta, map[string]any{
		"lockedUntil": until.UTC(),
		"failedCount": failedCount,
	})
	s.logger.Warn("account_locked", map[string]any{
		"subject_id":   subject,
		"locked_until": until.UTC().Format(time.RFC3339),
		"ip":           meta.IP,
		"request_id":   meta.RequestID,
	})
}

// Refresh trades a valid refresh token for a new session. The account must
// still exist.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta Meta) (Session, error) {
	claims, err := s.tokens.VerifyClass(refreshToken, token.Refresh)
	if err != nil {
		return Session{}, err
	}

	user, err := s.users.FindBySubject(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, fmt.Errorf("%w: subject no longer exists", token.ErrInvalidToken)
		}
		return Session{}, err
	}

	session, err := s.issueSession(user)
	if err != nil {
		return Session{}, err
	}

	s.record(ctx, activity.ActionTokenRefreshed, user.ID, meta, nil)
	return session, nil
}

func (s *Service) Me(ctx context.Context, subject string) (Profile, error) {
	user, err := s.users.FindBySubject(ctx, subject)
	if err != nil {
		return Profile{}, err
	}

	permissions := s.roles.Permissions(user.Role)
	if permissions == nil {
		permissions = []rbac.Permission{}
	}
	return Profile{User: user.Public(), Permissions: permissions}, nil
}

// Authorize reports whether subject's role grants permission.
func (s *Service) Authorize(ctx context.Context, subject string, permission rbac.Permission) error {
	user, err := s.users.FindBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrForbidden
		}
		return err
	}
	if !s.roles.Allows(user.Role, permission) {
		return ErrForbidden
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, subject string, in ChangePasswordInput, meta Meta) error {
	if err := in.validate(); err != nil {
		return err
	}

	user, err := s.users.FindBySubject(ctx, subject)
	if err != nil {
		return err
	}
	now := s.now()
	if _, decision := s.policy.Evaluate(user.LoginState, now); decision.Locked {
		return s.blocked(ctx, user.ID, decision.Until, meta)
	}
	if !s.codec.Verify(in.CurrentPassword, user.PasswordHash) {
		// Counts toward the same lockout as a failed login.
		var previous lockout.State
		next, err := s.users.UpdateLoginState(context.WithoutCancel(ctx), user.ID, func(current lockout.State) lockout.State {
			previous = current
			return s.policy.RegisterFailure(current, now)
		})
		if err != nil {
			return fmt.Errorf("update login state: %w", err)
		}
		if lockout.JustLocked(previous, next, now) {
			s.locked(ctx, user.ID, *next.LockedUntil, next.FailedCount, meta)
		}
		return newValidationError("currentPassword", "is incorrect")
	}
	if in.CurrentPassword == in.NewPassword {
		return newValidationError("newPassword", "must differ from the current password")
	}

	hash, err := s.codec.Hash(in.NewPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}

	s.record(ctx, activity.ActionPasswordChanged, user.ID, meta, nil)
	return nil
}

// Logout only records the event. Access tokens stay valid until they
// expire; the HTTP layer clears the refresh cookie.
func (s *Service) Logout(ctx context.Context, subject string, meta Meta) error {
	s.record(ctx, activity.ActionLogout, subject, meta, nil)
	return nil
}

// BootstrapAdmin creates the initial administrator when both values are
// set and the account does not exist yet.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	const adminRole rbac.Role = "admin"
	if !s.roles.Has(adminRole) {
		return fmt.Errorf("role matrix has no %q role", adminRole)
	}

	if _, err := s.users.FindByLoginKey(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	hash, err := s.codec.Hash(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	_, err = s.users.CreateUser(ctx, NewUser{
		Email:        email,
		Name:         "Administrator",
		Role:         adminRole,
		PasswordHash: hash,
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("create admin: %w", err)
	}

	s.logger.Info("admin_bootstrapped", map[string]any{"email": email})
	return nil
}

func (s *Service) issueSession(user User) (Session, error) {
	access, err := s.tokens.Issue(user.ID, token.Access)
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.tokens.Issue(user.ID, token.Refresh)
	if err != nil {
		return Session{}, fmt.Errorf("issue refresh token: %w", err)
	}

	return Session{
		User:             user.Public(),
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *Service) record(ctx context.Context, action, subject string, meta Meta, metadata map[string]any) {
	if s.activity == nil {
		return
	}
	s.activity.Record(ctx, activity.Event{
		Action:     action,
		SubjectID:  subject,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		RequestID:  meta.RequestID,
		Metadata:   metadata,
		OccurredAt: s.now().UTC(),
	})
}

func (s *Service) loginOutcome(outcome string) {
	if s.observer != nil {
		s.observer.LoginOutcome(outcome)
	}
}
