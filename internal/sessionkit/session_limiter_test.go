package sessionkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func seedSessions(t *testing.T, store RefreshTokenStore, clock *testClock, userID uuid.UUID, count int) []string {
	t.Helper()
	hashes := make([]string, 0, count)
	for index := 0; index < count; index++ {
		hashedToken := uuid.NewString()
		if err := store.StoreToken(context.Background(), hashedToken, userID, clock.Now().Add(time.Hour)); err != nil {
			t.Fatalf("seed: %v", err)
		}
		hashes = append(hashes, hashedToken)
		clock.Advance(time.Millisecond)
	}
	return hashes
}

func TestSessionLimiterBelowCapLeavesSessions(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryRefreshTokenStore(clock)
	userID := uuid.New()
	seedSessions(t, store, clock, userID, 2)

	limiter := NewSessionLimiter(store)
	if err := limiter.AdmitNewSession(context.Background(), userID, 3); err != nil {
		t.Fatalf("admit: %v", err)
	}
	tokens, _ := store.GetValidTokensForUser(context.Background(), userID)
	if len(tokens) != 2 {
		t.Fatalf("expected no eviction below cap, got %d tokens", len(tokens))
	}
}

func TestSessionLimiterEvictsDownToOneFreeSlot(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryRefreshTokenStore(clock)
	userID := uuid.New()
	seeded := seedSessions(t, store, clock, userID, 5)
	metrics := NewCounterMetrics()

	limiter := NewSessionLimiter(store, WithLimiterMetrics(metrics))
	if err := limiter.AdmitNewSession(context.Background(), userID, 3); err != nil {
		t.Fatalf("admit: %v", err)
	}
	tokens, _ := store.GetValidTokensForUser(context.Background(), userID)
	if len(tokens) != 2 {
		t.Fatalf("expected room for exactly one new session, got %d tokens", len(tokens))
	}
	if tokens[0] != seeded[3] || tokens[1] != seeded[4] {
		t.Fatalf("expected the newest sessions to survive, got %v", tokens)
	}
	if metrics.Count(MetricSessionEvicted) != 3 {
		t.Fatalf("expected 3 evictions, got %d", metrics.Count(MetricSessionEvicted))
	}
}

func TestSessionLimiterNonPositiveCapMeansOne(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryRefreshTokenStore(clock)
	userID := uuid.New()
	seedSessions(t, store, clock, userID, 2)

	if err := NewSessionLimiter(store).AdmitNewSession(context.Background(), userID, 0); err != nil {
		t.Fatalf("admit: %v", err)
	}
	tokens, _ := store.GetValidTokensForUser(context.Background(), userID)
	if len(tokens) != 0 {
		t.Fatalf("expected every session evicted for a cap of one, got %d", len(tokens))
	}
}

func TestSessionLimiterSwallowsEvictionFailure(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryRefreshTokenStore(clock)
	faulty := &faultyStore{RefreshTokenStore: store, evictErr: ErrStoreUnavailable}
	userID := uuid.New()
	seedSessions(t, store, clock, userID, 2)

	core, logs := observer.New(zapcore.WarnLevel)
	metrics := NewCounterMetrics()
	limiter := NewSessionLimiter(faulty, WithLimiterLogger(zap.New(core)), WithLimiterMetrics(metrics))

	if err := limiter.AdmitNewSession(context.Background(), userID, 2); err != nil {
		t.Fatalf("expected eviction failure to be swallowed, got %v", err)
	}
	entries := logs.FilterField(zap.String("code", "session_limiter.evict_failed")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one evict_failed warning, got %d", len(entries))
	}
	if metrics.Count(MetricSessionEvictFailed) != 1 {
		t.Fatalf("expected evict failure metric")
	}
}

func TestSessionLimiterPropagatesCountFailure(t *testing.T) {
	store := &faultyStore{RefreshTokenStore: NewMemoryRefreshTokenStore(nil), listErr: ErrStoreUnavailable}
	err := NewSessionLimiter(store).AdmitNewSession(context.Background(), uuid.New(), 2)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected count failure to propagate, got %v", err)
	}
}

func TestLoginSucceedsWhenEvictionFails(t *testing.T) {
	fixture := newServiceFixture(t, 1)
	fixture.loginMobile(t)
	fixture.faulty.evictErr = ErrStoreUnavailable

	fixture.loginMobile(t)
	if sessions := fixture.liveSessions(t); len(sessions) != 2 {
		t.Fatalf("expected transient overshoot when eviction fails, got %d", len(sessions))
	}

	fixture.faulty.evictErr = nil
	fixture.loginMobile(t)
	if sessions := fixture.liveSessions(t); len(sessions) != 1 {
		t.Fatalf("expected the next admission to restore the cap, got %d", len(sessions))
	}
}
