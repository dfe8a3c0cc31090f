// Package userstore holds the UserStore implementations: PostgreSQL for
// deployments with DATABASE_URL and an in-process map for everything else.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"portal-auth/internal/auth"
	"portal-auth/internal/lockout"
	"portal-auth/internal/rbac"
)

const userColumns = `id, email, name, phone, role, password_hash, failed_login_count, locked_until, last_login_at, created_at, updated_at`

type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		user        auth.User
		role        string
		lockedUntil sql.NullTime
		lastLoginAt sql.NullTime
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Phone,
		&role,
		&user.PasswordHash,
		&user.LoginState.FailedCount,
		&lockedUntil,
		&lastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return auth.User{}, err
	}

	user.Role = rbac.Role(role)
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		user.LoginState.LockedUntil = &value
	}
	if lastLoginAt.Valid {
		value := lastLoginAt.Time.UTC()
		user.LastLoginAt = &value
	}
	return user, nil
}

func (p *Postgres) FindBySubject(ctx context.Context, id string) (auth.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return auth.User{}, auth.ErrNotFound
	}
	user, err := scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		return auth.User{}, translate(err, "query user by id")
	}
	return user, nil
}

func (p *Postgres) FindByLoginKey(ctx context.Context, email string) (auth.User, error) {
	user, err := scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, strings.ToLower(email)))
	if err != nil {
		return auth.User{}, translate(err, "query user by email")
	}
	return user, nil
}

func (p *Postgres) CreateUser(ctx context.Context, in auth.NewUser) (auth.User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return auth.User{}, fmt.Errorf("generate uuid v7: %w", err)
	}
	now := p.now().UTC()

	user, err := scanUser(p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, name, phone, role, password_hash, failed_login_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		RETURNING `+userColumns,
		id.String(), strings.ToLower(in.Email), in.Name, in.Phone, string(in.Role), in.PasswordHash, now,
	))
	if err != nil {
		return auth.User{}, translate(err, "insert user")
	}
	return user, nil
}

// UpdateLoginState serialises concurrent attempts on one account with a
// row lock held for the read-transition-write cycle.
func (p *Postgres) UpdateLoginState(ctx context.Context, id string, transition func(lockout.State) lockout.State) (lockout.State, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return lockout.State{}, fmt.Errorf("begin login state tx: %w", err)
	}
	defer tx.Rollback()

	var (
		current     lockout.State
		lockedUntil sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT failed_login_count, locked_until
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current.FailedCount, &lockedUntil)
	if err != nil {
		return lockout.State{}, translate(err, "lock login state row")
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		current.LockedUntil = &value
	}

	next := transition(current)

	var nextLock any
	if next.LockedUntil != nil {
		nextLock = next.LockedUntil.UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET failed_login_count = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, id, next.FailedCount, nextLock, p.now().UTC()); err != nil {
		return lockout.State{}, fmt.Errorf("update login state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return lockout.State{}, fmt.Errorf("commit login state tx: %w", err)
	}
	return next, nil
}

func (p *Postgres) RecordSuccessfulLogin(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, "record successful login", `
		UPDATE users
		SET last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, id, at.UTC())
}

func (p *Postgres) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return p.exec(ctx, "update password", `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, passwordHash, p.now().UTC())
}

// ClearExpiredLockouts resets accounts whose lock has run out. Login treats
// those as unlocked already; this keeps the table tidy for reporting.
func (p *Postgres) ClearExpiredLockouts(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	res, err := p.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM users
			WHERE locked_until IS NOT NULL AND locked_until < $1
			ORDER BY locked_until ASC
			LIMIT $2
		)
		UPDATE users u
		SET failed_login_count = 0, locked_until = NULL
		FROM stale
		WHERE u.id = stale.id
	`, now.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("clear expired lockouts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired lockouts rows affected: %w", err)
	}
	return affected, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translate(err, op)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// translate maps driver errors onto the auth sentinels the HTTP layer
// understands. Anything else is wrapped and surfaces as a 500.
func translate(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", auth.ErrConflict, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %s", auth.ErrInvalidInput, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
