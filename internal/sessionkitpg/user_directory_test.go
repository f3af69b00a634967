package sessionkitpg

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/sessiond/internal/sessionkit"
)

// Set SESSIOND_TEST_POSTGRES_URL to a disposable database to run these.
func newTestDirectory(t *testing.T) *UserDirectory {
	t.Helper()
	databaseURL := os.Getenv("SESSIOND_TEST_POSTGRES_URL")
	if databaseURL == "" {
		t.Skip("SESSIOND_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := BuildPool(ctx, databaseURL)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewUserDirectory(pool)
}

func TestUserDirectoryLifecycle(t *testing.T) {
	directory := newTestDirectory(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	user := sessionkit.User{
		ID:           uuid.New(),
		Email:        uuid.NewString() + "@Example.com",
		PasswordHash: "hash",
		Enabled:      true,
		CreatedAt:    now,
		LastActive:   now,
	}
	t.Cleanup(func() { _ = directory.Delete(context.Background(), user) })

	if err := directory.Save(ctx, user); err != nil {
		t.Fatalf("save: %v", err)
	}
	found, err := directory.FindByEmail(ctx, user.Email)
	if err != nil || found.ID != user.ID || found.Email != sessionkit.NormalizeEmail(user.Email) {
		t.Fatalf("unexpected lookup %#v (%v)", found, err)
	}

	found.LastActive = now.Add(time.Minute)
	if err := directory.Save(ctx, found); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, _ := directory.FindByID(ctx, user.ID)
	if !updated.LastActive.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected last active update, got %v", updated.LastActive)
	}

	duplicate := sessionkit.User{ID: uuid.New(), Email: user.Email, PasswordHash: "x", CreatedAt: now}
	if err := directory.Save(ctx, duplicate); !errors.Is(err, sessionkit.ErrUserExists) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := directory.Delete(ctx, user); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := directory.FindByID(ctx, user.ID); !errors.Is(err, sessionkit.ErrUserNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBuildPoolRejectsMalformedURL(t *testing.T) {
	if _, err := BuildPool(context.Background(), "postgres://%zz"); err == nil {
		t.Fatalf("expected parse failure")
	}
}
