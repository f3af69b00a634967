package sessionkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/sessiond/internal/sessionkit"
)

const uniqueViolationCode = "23505"

// UserDirectory stores accounts in PostgreSQL through a pgx pool.
type UserDirectory struct {
	pool *pgxpool.Pool
}

// NewUserDirectory constructs a Postgres-backed directory.
func NewUserDirectory(pool *pgxpool.Pool) *UserDirectory {
	return &UserDirectory{pool: pool}
}

// FindByEmail returns the user with the given email.
func (directory *UserDirectory) FindByEmail(ctx context.Context, email string) (sessionkit.User, error) {
	row := directory.pool.QueryRow(ctx, `
SELECT id, email, password_hash, enabled, created_at, last_active
FROM users
WHERE email = $1
`, sessionkit.NormalizeEmail(email))
	return scanUser("find_by_email", row)
}

// FindByID returns the user with the given id.
func (directory *UserDirectory) FindByID(ctx context.Context, userID uuid.UUID) (sessionkit.User, error) {
	row := directory.pool.QueryRow(ctx, `
SELECT id, email, password_hash, enabled, created_at, last_active
FROM users
WHERE id = $1
`, userID.String())
	return scanUser("find_by_id", row)
}

// Save upserts user by id. A unique violation on email is a conflict.
func (directory *UserDirectory) Save(ctx context.Context, user sessionkit.User) error {
	if user.ID == uuid.Nil {
		return fmt.Errorf("user_directory.pg.save: %w", sessionkit.ErrInvalidUserID)
	}
	_, err := directory.pool.Exec(ctx, `
INSERT INTO users (id, email, password_hash, enabled, created_at, last_active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    email = EXCLUDED.email,
    password_hash = EXCLUDED.password_hash,
    enabled = EXCLUDED.enabled,
    last_active = EXCLUDED.last_active
`, user.ID.String(), sessionkit.NormalizeEmail(user.Email), user.PasswordHash, user.Enabled, user.CreatedAt.UTC(), user.LastActive.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("user_directory.pg.save: %w", sessionkit.ErrUserExists)
		}
		return fmt.Errorf("user_directory.pg.save: %w", err)
	}
	return nil
}

// Delete removes user; deleting an absent user is not an error.
func (directory *UserDirectory) Delete(ctx context.Context, user sessionkit.User) error {
	if _, err := directory.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, user.ID.String()); err != nil {
		return fmt.Errorf("user_directory.pg.delete: %w", err)
	}
	return nil
}

func scanUser(operation string, row pgx.Row) (sessionkit.User, error) {
	var (
		rawID      string
		user       sessionkit.User
		lastActive *time.Time
	)
	if err := row.Scan(&rawID, &user.Email, &user.PasswordHash, &user.Enabled, &user.CreatedAt, &lastActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sessionkit.User{}, fmt.Errorf("user_directory.pg.%s: %w", operation, sessionkit.ErrUserNotFound)
		}
		return sessionkit.User{}, fmt.Errorf("user_directory.pg.%s: %w", operation, err)
	}
	userID, parseErr := uuid.Parse(rawID)
	if parseErr != nil {
		return sessionkit.User{}, fmt.Errorf("user_directory.pg.%s.decode: %w", operation, parseErr)
	}
	user.ID = userID
	user.CreatedAt = user.CreatedAt.UTC()
	if lastActive != nil {
		user.LastActive = lastActive.UTC()
	}
	return user, nil
}
