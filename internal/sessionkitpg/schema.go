package sessionkitpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the users table if it does not exist. The layout
// matches the one the GORM directory migrates, so either can own the table.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    enabled BOOLEAN NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    last_active TIMESTAMPTZ
);
`)
	if err != nil {
		return fmt.Errorf("user_directory.pg.schema: %w", err)
	}
	return nil
}
