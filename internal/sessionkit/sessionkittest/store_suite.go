package sessionkittest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/sessiond/internal/sessionkit"
)

// StoreHarness is one backend under test.
type StoreHarness struct {
	Store sessionkit.RefreshTokenStore
	Clock *ManualClock
	// Advance moves both the clock and the backend's notion of TTL forward.
	Advance func(delta time.Duration)
	// WriteRawRecord stores value under hashedToken without indexing it.
	WriteRawRecord func(hashedToken string, value string, ttl time.Duration)
}

// RunRefreshTokenStoreSuite checks the RefreshTokenStore contract against newHarness.
func RunRefreshTokenStoreSuite(t *testing.T, newHarness func(t *testing.T) StoreHarness) {
	t.Helper()

	t.Run("round trip", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		if err := harness.Store.StoreToken(ctx, "hash-a", userID, harness.Clock.Now().Add(time.Hour)); err != nil {
			t.Fatalf("store: %v", err)
		}
		resolved, err := harness.Store.GetUserIDFromToken(ctx, "hash-a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if resolved != userID {
			t.Fatalf("expected %s, got %s", userID, resolved)
		}
		tokens, listErr := harness.Store.GetValidTokensForUser(ctx, userID)
		if listErr != nil || len(tokens) != 1 || tokens[0] != "hash-a" {
			t.Fatalf("expected [hash-a], got %v (%v)", tokens, listErr)
		}
	})

	t.Run("unknown token is not found", func(t *testing.T) {
		harness := newHarness(t)
		_, err := harness.Store.GetUserIDFromToken(context.Background(), "missing")
		if !errors.Is(err, sessionkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("unknown user has no tokens", func(t *testing.T) {
		harness := newHarness(t)
		tokens, err := harness.Store.GetValidTokensForUser(context.Background(), uuid.New())
		if err != nil || len(tokens) != 0 {
			t.Fatalf("expected empty list, got %v (%v)", tokens, err)
		}
	})

	t.Run("expiry in the past is rejected", func(t *testing.T) {
		harness := newHarness(t)
		err := harness.Store.StoreToken(context.Background(), "hash-a", uuid.New(), harness.Clock.Now().Add(-time.Second))
		if !errors.Is(err, sessionkit.ErrRefreshTokenExpired) {
			t.Fatalf("expected expired error, got %v", err)
		}
	})

	t.Run("malformed record reads as absent", func(t *testing.T) {
		harness := newHarness(t)
		harness.WriteRawRecord("hash-bad", "not-a-uuid", time.Hour)
		_, err := harness.Store.GetUserIDFromToken(context.Background(), "hash-bad")
		if !errors.Is(err, sessionkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected not found for malformed record, got %v", err)
		}
		if revokeErr := harness.Store.RevokeToken(context.Background(), "hash-bad"); revokeErr != nil {
			t.Fatalf("revoke malformed: %v", revokeErr)
		}
	})

	t.Run("revoke removes record and index entry", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		storeAll(t, harness, userID, time.Hour, "hash-a", "hash-b")
		if err := harness.Store.RevokeToken(ctx, "hash-a"); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		if _, err := harness.Store.GetUserIDFromToken(ctx, "hash-a"); !errors.Is(err, sessionkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected revoked token to be absent, got %v", err)
		}
		assertTokens(t, harness, userID, "hash-b")
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		storeAll(t, harness, uuid.New(), time.Hour, "hash-a")
		for attempt := 0; attempt < 2; attempt++ {
			if err := harness.Store.RevokeToken(ctx, "hash-a"); err != nil {
				t.Fatalf("revoke attempt %d: %v", attempt, err)
			}
		}
		if err := harness.Store.RevokeToken(ctx, "never-stored"); err != nil {
			t.Fatalf("revoke absent: %v", err)
		}
	})

	t.Run("expired records are cleaned from the index", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		storeAll(t, harness, userID, time.Minute, "short-lived")
		storeAll(t, harness, userID, time.Hour, "long-lived")
		harness.Advance(2 * time.Minute)
		if _, err := harness.Store.GetUserIDFromToken(ctx, "short-lived"); !errors.Is(err, sessionkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected expired record to be absent, got %v", err)
		}
		if err := harness.Store.CleanupExpiredTokensForUser(ctx, userID); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		assertTokens(t, harness, userID, "long-lived")
	})

	t.Run("equal timestamps keep insertion order", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		storeAll(t, harness, userID, time.Hour, "first", "second", "third")
		assertTokens(t, harness, userID, "first", "second", "third")
		evicted, err := harness.Store.RevokeOldestTokens(ctx, userID, 1)
		if err != nil || evicted != 1 {
			t.Fatalf("expected one eviction, got %d (%v)", evicted, err)
		}
		if _, getErr := harness.Store.GetUserIDFromToken(ctx, "first"); !errors.Is(getErr, sessionkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected oldest record deleted, got %v", getErr)
		}
		assertTokens(t, harness, userID, "second", "third")
	})

	t.Run("older issuance is evicted first", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		storeAll(t, harness, userID, time.Hour, "older")
		harness.Advance(time.Second)
		storeAll(t, harness, userID, time.Hour, "newer")
		if _, err := harness.Store.RevokeOldestTokens(ctx, userID, 1); err != nil {
			t.Fatalf("revoke oldest: %v", err)
		}
		assertTokens(t, harness, userID, "newer")
	})

	t.Run("revoke oldest caps at index size", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		storeAll(t, harness, userID, time.Hour, "a", "b")
		evicted, err := harness.Store.RevokeOldestTokens(ctx, userID, 10)
		if err != nil || evicted != 2 {
			t.Fatalf("expected two evictions, got %d (%v)", evicted, err)
		}
		assertTokens(t, harness, userID)
		evicted, err = harness.Store.RevokeOldestTokens(ctx, userID, 0)
		if err != nil || evicted != 0 {
			t.Fatalf("expected zero-count eviction to be a no-op, got %d (%v)", evicted, err)
		}
	})

	t.Run("revoke oldest skips already expired entries", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		storeAll(t, harness, userID, time.Minute, "expired")
		storeAll(t, harness, userID, time.Hour, "live-a", "live-b")
		harness.Advance(2 * time.Minute)

		evicted, err := harness.Store.RevokeOldestTokens(ctx, userID, 1)
		if err != nil || evicted != 1 {
			t.Fatalf("expected one live eviction, got %d (%v)", evicted, err)
		}
		if _, getErr := harness.Store.GetUserIDFromToken(ctx, "live-a"); !errors.Is(getErr, sessionkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected oldest live session evicted, got %v", getErr)
		}
		assertTokens(t, harness, userID, "live-b")

		evicted, err = harness.Store.RevokeOldestTokens(ctx, userID, 5)
		if err != nil || evicted != 1 {
			t.Fatalf("expected count to exclude expired entries, got %d (%v)", evicted, err)
		}
		assertTokens(t, harness, userID)
	})

	t.Run("revoke all removes every session", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		otherUserID := uuid.New()
		storeAll(t, harness, userID, time.Hour, "a", "b", "c")
		storeAll(t, harness, otherUserID, time.Hour, "other")
		if err := harness.Store.RevokeAllTokensForUser(ctx, userID); err != nil {
			t.Fatalf("revoke all: %v", err)
		}
		for _, hashedToken := range []string{"a", "b", "c"} {
			if _, err := harness.Store.GetUserIDFromToken(ctx, hashedToken); !errors.Is(err, sessionkit.ErrRefreshTokenNotFound) {
				t.Fatalf("expected %s to be revoked, got %v", hashedToken, err)
			}
		}
		assertTokens(t, harness, userID)
		assertTokens(t, harness, otherUserID, "other")
	})

	t.Run("capacity guard", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		expiresAt := harness.Clock.Now().Add(time.Hour)
		for position := 0; position <= sessionkit.MaxIndexedTokensPerUser; position++ {
			if err := harness.Store.StoreToken(ctx, fmt.Sprintf("hash-%04d", position), userID, expiresAt); err != nil {
				t.Fatalf("store %d: %v", position, err)
			}
		}
		_, err := harness.Store.GetValidTokensForUser(ctx, userID)
		if !errors.Is(err, sessionkit.ErrTooManyTokens) {
			t.Fatalf("expected capacity error, got %v", err)
		}
		if sessionkit.KindOf(err) != sessionkit.KindCapacityGuard {
			t.Fatalf("expected capacity guard kind, got %s", sessionkit.KindOf(err))
		}
	})

	t.Run("concurrent oldest eviction removes each entry once", func(t *testing.T) {
		harness := newHarness(t)
		ctx := context.Background()
		userID := uuid.New()
		storeAll(t, harness, userID, time.Hour, "oldest", "middle", "newest")

		const racers = 8
		var waitGroup sync.WaitGroup
		results := make(chan int, racers)
		for racer := 0; racer < racers; racer++ {
			waitGroup.Add(1)
			go func() {
				defer waitGroup.Done()
				evicted, err := harness.Store.RevokeOldestTokens(ctx, userID, 1)
				if err != nil {
					t.Errorf("revoke oldest: %v", err)
					return
				}
				results <- evicted
			}()
		}
		waitGroup.Wait()
		close(results)
		total := 0
		for evicted := range results {
			total += evicted
		}
		if total != 3 {
			t.Fatalf("expected exactly 3 evictions across racers, got %d", total)
		}
		for _, hashedToken := range []string{"oldest", "middle", "newest"} {
			if _, err := harness.Store.GetUserIDFromToken(ctx, hashedToken); !errors.Is(err, sessionkit.ErrRefreshTokenNotFound) {
				t.Fatalf("expected %s record deleted, got %v", hashedToken, err)
			}
		}
		assertTokens(t, harness, userID)
	})
}

func storeAll(t *testing.T, harness StoreHarness, userID uuid.UUID, ttl time.Duration, hashes ...string) {
	t.Helper()
	for _, hashedToken := range hashes {
		if err := harness.Store.StoreToken(context.Background(), hashedToken, userID, harness.Clock.Now().Add(ttl)); err != nil {
			t.Fatalf("store %s: %v", hashedToken, err)
		}
	}
}

func assertTokens(t *testing.T, harness StoreHarness, userID uuid.UUID, expected ...string) {
	t.Helper()
	tokens, err := harness.Store.GetValidTokensForUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("valid tokens: %v", err)
	}
	if len(tokens) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, tokens)
	}
	for position := range expected {
		if tokens[position] != expected[position] {
			t.Fatalf("expected %v, got %v", expected, tokens)
		}
	}
}
