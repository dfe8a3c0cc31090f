package auth_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"portal-auth/internal/activity"
	"portal-auth/internal/auth"
	"portal-auth/internal/credential"
	"portal-auth/internal/lockout"
	"portal-auth/internal/rbac"
	"portal-auth/internal/token"
	"portal-auth/internal/userstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingCodec records how many real and dummy comparisons ran.
type countingCodec struct {
	*credential.Codec
	verifies atomic.Int32
	dummies  atomic.Int32
}

func (c *countingCodec) Verify(password, hash string) bool {
	c.verifies.Add(1)
	return c.Codec.Verify(password, hash)
}

func (c *countingCodec) DummyVerify(password string) bool {
	c.dummies.Add(1)
	return c.Codec.DummyVerify(password)
}

type recordingActivity struct {
	mu     sync.Mutex
	events []activity.Event
}

func (r *recordingActivity) Record(_ context.Context, event activity.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingActivity) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

type outcomes struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *outcomes) LoginOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[outcome]++
}

type fixture struct {
	service  *auth.Service
	store    *userstore.Memory
	codec    *countingCodec
	tokens   *token.Service
	clock    *clock
	activity *recordingActivity
	outcomes *outcomes
}

const (
	email    = "a@b.com"
	password = "Abcdef1!"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	tokens, err := token.NewService(token.Options{
		Secret: []byte("k8Z2pQ9xR4mW7vT1nB6cY3hJ5fL0sD2gA9eU"),
		Now:    clk.Now,
	})
	require.NoError(t, err)

	roles, err := rbac.Load("")
	require.NoError(t, err)

	f := &fixture{
		store:    userstore.NewMemory().WithClock(clk.Now),
		codec:    &countingCodec{Codec: credential.NewCodec(bcrypt.MinCost, 8)},
		tokens:   tokens,
		clock:    clk,
		activity: &recordingActivity{},
		outcomes: &outcomes{},
	}
	f.service, err = auth.NewService(auth.Options{
		Users:    f.store,
		Codec:    f.codec,
		Tokens:   tokens,
		Roles:    roles,
		Policy:   lockout.DefaultPolicy(),
		Activity: f.activity,
		Observer: f.outcomes,
		Now:      clk.Now,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) register(t *testing.T) auth.Session {
	t.Helper()
	session, err := f.service.Register(context.Background(), auth.RegisterInput{
		Email:    email,
		Password: password,
		Name:     "Ana",
	}, auth.Meta{IP: "10.0.0.1"})
	require.NoError(t, err)
	return session
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := auth.NewService(auth.Options{})
	assert.Error(t, err)
}

func TestRegisterIssuesSession(t *testing.T) {
	f := newFixture(t)
	session := f.register(t)

	assert.Equal(t, email, session.User.Email)
	assert.Equal(t, rbac.Role("viewer"), session.User.Role)

	claims, err := f.tokens.VerifyClass(session.AccessToken, token.Access)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, claims.Subject)

	_, err = f.tokens.VerifyClass(session.RefreshToken, token.Refresh)
	assert.NoError(t, err)

	stored, err := f.store.FindByLoginKey(context.Background(), email)
	require.NoError(t, err)
	assert.True(t, credential.LooksHashed(stored.PasswordHash))
	assert.NotEqual(t, password, stored.PasswordHash)
	assert.Equal(t, []string{activity.ActionRegister}, f.activity.actions())
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, auth.RegisterInput{Email: "not-an-email", Password: password, Name: "Ana"}, auth.Meta{})
	var validationErr *auth.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Fields, "email")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = f.service.Register(ctx, auth.RegisterInput{Email: email, Password: "short", Name: "Ana"}, auth.Meta{})
	assert.ErrorIs(t, err, credential.ErrWeakPassword)

	_, err = f.service.Register(ctx, auth.RegisterInput{Email: email, Password: password, Name: "Ana", Phone: "12"}, auth.Meta{})
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Fields, "phone")
}

func TestRegisterNormalisesPhoneAndRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.service.Register(ctx, auth.RegisterInput{
		Email:    "  Budi@Example.ORG ",
		Password: password,
		Name:     "Budi",
		Phone:    "0812-3456-7890",
	}, auth.Meta{})
	require.NoError(t, err)
	assert.Equal(t, "budi@example.org", session.User.Email)
	assert.Equal(t, "+6281234567890", session.User.Phone)

	_, err = f.service.Register(ctx, auth.RegisterInput{Email: "budi@example.org", Password: password, Name: "Budi"}, auth.Meta{})
	assert.ErrorIs(t, err, auth.ErrConflict)
}

func TestLoginUnknownSubjectLooksLikeWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	ctx := context.Background()

	_, unknownErr := f.service.Login(ctx, auth.LoginInput{Email: "ghost@b.com", Password: password}, auth.Meta{})
	_, wrongErr := f.service.Login(ctx, auth.LoginInput{Email: email, Password: "Wrong1!xx"}, auth.Meta{})

	assert.ErrorIs(t, unknownErr, auth.ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, auth.ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
	assert.Equal(t, int32(1), f.codec.dummies.Load())
	assert.Equal(t, int32(1), f.codec.verifies.Load())
}

func TestLoginLockoutScenario(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	ctx := context.Background()
	wrong := auth.LoginInput{Email: email, Password: "Wrong1!xx"}
	right := auth.LoginInput{Email: email, Password: password}

	for i := 1; i <= 5; i++ {
		_, err := f.service.Login(ctx, wrong, auth.Meta{})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials, "attempt %d", i)
	}

	_, err := f.service.Login(ctx, wrong, auth.Meta{})
	var lockedErr *auth.LockedError
	require.ErrorAs(t, err, &lockedErr)
	assert.Equal(t, 15, lockedErr.MinutesRemaining(f.clock.Now()))

	verifiesBefore := f.codec.verifies.Load()
	f.clock.Advance(5 * time.Minute)
	_, err = f.service.Login(ctx, right, auth.Meta{})
	require.ErrorAs(t, err, &lockedErr)
	assert.Equal(t, 10, lockedErr.MinutesRemaining(f.clock.Now()))
	assert.Equal(t, verifiesBefore, f.codec.verifies.Load(), "no comparison while locked")

	f.clock.Advance(10*time.Minute + time.Second)
	session, err := f.service.Login(ctx, right, auth.Meta{})
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	require.NotNil(t, session.User.LastLoginAt)

	stored, err := f.store.FindByLoginKey(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, lockout.State{}, stored.LoginState)

	assert.Contains(t, f.activity.actions(), activity.ActionAccountLocked)
	assert.Contains(t, f.activity.actions(), activity.ActionLoginBlocked)
	assert.Equal(t, 5, f.outcomes.counts[auth.OutcomeInvalidCredentials])
	assert.Equal(t, 1, f.outcomes.counts[auth.OutcomeLocked])
	assert.Equal(t, 2, f.outcomes.counts[auth.OutcomeBlocked])
	assert.Equal(t, 1, f.outcomes.counts[auth.OutcomeSuccess])
}

func TestLoginSuccessResetsFailureCount(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.service.Login(ctx, auth.LoginInput{Email: email, Password: "Wrong1!xx"}, auth.Meta{})
	}
	stored, _ := f.store.FindByLoginKey(ctx, email)
	assert.Equal(t, 3, stored.LoginState.FailedCount)

	_, err := f.service.Login(ctx, auth.LoginInput{Email: email, Password: password}, auth.Meta{})
	require.NoError(t, err)

	stored, _ = f.store.FindByLoginKey(ctx, email)
	assert.Equal(t, 0, stored.LoginState.FailedCount)
}

func TestLoginStateWriteSurvivesCancellation(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	ctx, cancel := context.WithCancel(context.Background())
	store := &cancellingStore{Memory: f.store, cancel: cancel}
	roles, _ := rbac.Load("")
	service, err := auth.NewService(auth.Options{Users: store, Codec: f.codec, Tokens: f.tokens, Roles: roles, Now: f.clock.Now})
	require.NoError(t, err)

	_, err = service.Login(ctx, auth.LoginInput{Email: email, Password: "Wrong1!xx"}, auth.Meta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	stored, _ := f.store.FindByLoginKey(context.Background(), email)
	assert.Equal(t, 1, stored.LoginState.FailedCount)
}

// cancellingStore cancels the request context as soon as the account was
// looked up, the way a client hanging up mid-request would.
type cancellingStore struct {
	*userstore.Memory
	cancel context.CancelFunc
}

func (s *cancellingStore) FindByLoginKey(ctx context.Context, email string) (auth.User, error) {
	user, err := s.Memory.FindByLoginKey(ctx, email)
	s.cancel()
	return user, err
}

func (s *cancellingStore) UpdateLoginState(ctx context.Context, id string, fn func(lockout.State) lockout.State) (lockout.State, error) {
	if err := ctx.Err(); err != nil {
		return lockout.State{}, err
	}
	return s.Memory.UpdateLoginState(ctx, id, fn)
}

func TestConcurrentFailuresNeverLoseIncrements(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.service.Login(ctx, auth.LoginInput{Email: email, Password: "Wrong1!xx"}, auth.Meta{})
		}()
	}
	wg.Wait()

	stored, _ := f.store.FindByLoginKey(ctx, email)
	assert.Equal(t, 4, stored.LoginState.FailedCount)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	session := f.register(t)
	ctx := context.Background()

	f.clock.Advance(time.Minute)
	next, err := f.service.Refresh(ctx, session.RefreshToken, auth.Meta{})
	require.NoError(t, err)
	assert.NotEqual(t, session.AccessToken, next.AccessToken)

	_, err = f.service.Refresh(ctx, session.AccessToken, auth.Meta{})
	assert.ErrorIs(t, err, token.ErrInvalidToken)

	f.clock.Advance(31 * 24 * time.Hour)
	_, err = f.service.Refresh(ctx, session.RefreshToken, auth.Meta{})
	assert.ErrorIs(t, err, token.ErrExpiredToken)
}

func TestRefreshForDeletedSubject(t *testing.T) {
	f := newFixture(t)
	issued, err := f.tokens.Issue("01890a5d-ac96-774b-bcce-b302099a8057", token.Refresh)
	require.NoError(t, err)

	_, err = f.service.Refresh(context.Background(), issued.Token, auth.Meta{})
	assert.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestMeListsPermissions(t *testing.T) {
	f := newFixture(t)
	session := f.register(t)

	profile, err := f.service.Me(context.Background(), session.User.ID)
	require.NoError(t, err)
	assert.Equal(t, email, profile.User.Email)
	assert.Contains(t, profile.Permissions, rbac.DocumentsView)
	assert.NotContains(t, profile.Permissions, rbac.ActivityView)

	_, err = f.service.Me(context.Background(), "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	session := f.register(t)
	ctx := context.Background()

	assert.NoError(t, f.service.Authorize(ctx, session.User.ID, rbac.ProfileRead))
	assert.ErrorIs(t, f.service.Authorize(ctx, session.User.ID, rbac.UsersManage), auth.ErrForbidden)
	assert.ErrorIs(t, f.service.Authorize(ctx, "missing", rbac.ProfileRead), auth.ErrForbidden)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	session := f.register(t)
	ctx := context.Background()
	subject := session.User.ID

	err := f.service.ChangePassword(ctx, subject, auth.ChangePasswordInput{CurrentPassword: "Wrong1!xx", NewPassword: "Newpass1!"}, auth.Meta{})
	var validationErr *auth.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Fields, "currentPassword")

	err = f.service.ChangePassword(ctx, subject, auth.ChangePasswordInput{CurrentPassword: password, NewPassword: password}, auth.Meta{})
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Fields, "newPassword")

	err = f.service.ChangePassword(ctx, subject, auth.ChangePasswordInput{CurrentPassword: password, NewPassword: "weak"}, auth.Meta{})
	assert.ErrorIs(t, err, credential.ErrWeakPassword)

	require.NoError(t, f.service.ChangePassword(ctx, subject, auth.ChangePasswordInput{CurrentPassword: password, NewPassword: "Newpass1!"}, auth.Meta{}))

	_, err = f.service.Login(ctx, auth.LoginInput{Email: email, Password: password}, auth.Meta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = f.service.Login(ctx, auth.LoginInput{Email: email, Password: "Newpass1!"}, auth.Meta{})
	assert.NoError(t, err)
	assert.Contains(t, f.activity.actions(), activity.ActionPasswordChanged)
}

func TestChangePasswordFailuresShareTheLockout(t *testing.T) {
	f := newFixture(t)
	session := f.register(t)
	ctx := context.Background()
	subject := session.User.ID
	wrong := auth.ChangePasswordInput{CurrentPassword: "Wrong1!xx", NewPassword: "Newpass1!"}

	for i := 1; i <= 5; i++ {
		var validationErr *auth.ValidationError
		require.ErrorAs(t, f.service.ChangePassword(ctx, subject, wrong, auth.Meta{}), &validationErr, "attempt %d", i)
	}
	assert.Contains(t, f.activity.actions(), activity.ActionAccountLocked)

	verifies := f.codec.verifies.Load()
	err := f.service.ChangePassword(ctx, subject, auth.ChangePasswordInput{CurrentPassword: password, NewPassword: "Newpass1!"}, auth.Meta{})
	var lockedErr *auth.LockedError
	require.ErrorAs(t, err, &lockedErr)
	assert.Equal(t, verifies, f.codec.verifies.Load())

	_, err = f.service.Login(ctx, auth.LoginInput{Email: email, Password: password}, auth.Meta{})
	assert.ErrorAs(t, err, &lockedErr)
}

func TestLogoutRecordsActivity(t *testing.T) {
	f := newFixture(t)
	session := f.register(t)

	require.NoError(t, f.service.Logout(context.Background(), session.User.ID, auth.Meta{RequestID: "req-1"}))
	f.activity.mu.Lock()
	last := f.activity.events[len(f.activity.events)-1]
	f.activity.mu.Unlock()
	assert.Equal(t, activity.ActionLogout, last.Action)
	assert.Equal(t, "req-1", last.RequestID)
}

func TestBootstrapAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.BootstrapAdmin(ctx, "", ""))
	assert.Error(t, f.service.BootstrapAdmin(ctx, "root@portal.test", ""))
	assert.ErrorIs(t, f.service.BootstrapAdmin(ctx, "root@portal.test", "weak"), credential.ErrWeakPassword)

	require.NoError(t, f.service.BootstrapAdmin(ctx, "Root@Portal.test", "Root-Pass1x"))
	admin, err := f.store.FindByLoginKey(ctx, "root@portal.test")
	require.NoError(t, err)
	assert.Equal(t, rbac.Role("admin"), admin.Role)

	require.NoError(t, f.service.BootstrapAdmin(ctx, "root@portal.test", "Other-Pass2"))
	again, _ := f.store.FindByLoginKey(ctx, "root@portal.test")
	assert.Equal(t, admin.PasswordHash, again.PasswordHash)
}

func TestLockedErrorMinutesRoundUp(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	err := &auth.LockedError{Until: now.Add(90 * time.Second)}
	assert.Equal(t, 2, err.MinutesRemaining(now))
	assert.Equal(t, 0, err.MinutesRemaining(now.Add(time.Hour)))
	assert.False(t, errors.Is(err, auth.ErrInvalidCredentials))
}
