package sessionkit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionLimiter evicts a user's oldest sessions so a new one fits under the cap.
type SessionLimiter struct {
	store   RefreshTokenStore
	logger  *zap.Logger
	metrics MetricsRecorder
}

// LimiterOption configures a SessionLimiter.
type LimiterOption func(*SessionLimiter)

// WithLimiterLogger attaches a logger for swallowed eviction failures.
func WithLimiterLogger(logger *zap.Logger) LimiterOption {
	return func(limiter *SessionLimiter) {
		if logger != nil {
			limiter.logger = logger
		}
	}
}

// WithLimiterMetrics attaches a metrics recorder for eviction counts.
func WithLimiterMetrics(metrics MetricsRecorder) LimiterOption {
	return func(limiter *SessionLimiter) {
		if metrics != nil {
			limiter.metrics = metrics
		}
	}
}

// NewSessionLimiter builds a limiter over store.
func NewSessionLimiter(store RefreshTokenStore, options ...LimiterOption) *SessionLimiter {
	limiter := &SessionLimiter{
		store:   store,
		logger:  zap.NewNop(),
		metrics: NopMetrics{},
	}
	for _, option := range options {
		option(limiter)
	}
	return limiter
}

// AdmitNewSession frees exactly one slot when the user is at or above maxSessions.
// The count and the eviction are separate store calls, so concurrent logins for
// the same user may each observe a free slot and overshoot the cap by at most
// the number of racers minus one until the next admission.
func (limiter *SessionLimiter) AdmitNewSession(ctx context.Context, userID uuid.UUID, maxSessions int) error {
	if maxSessions < 1 {
		maxSessions = 1
	}
	liveTokens, countErr := limiter.store.GetValidTokensForUser(ctx, userID)
	if countErr != nil {
		return fmt.Errorf("session_limiter.admit: %w", countErr)
	}
	count := len(liveTokens)
	if count < maxSessions {
		return nil
	}
	toEvict := count - maxSessions + 1
	evicted, evictErr := limiter.store.RevokeOldestTokens(ctx, userID, toEvict)
	if evictErr != nil {
		limiter.metrics.Increment(MetricSessionEvictFailed)
		limiter.logger.Warn("session eviction failed",
			zap.String("code", "session_limiter.evict_failed"),
			zap.String("user_id", userID.String()),
			zap.Int("requested", toEvict),
			zap.Error(evictErr),
		)
		return nil
	}
	limiter.metrics.Add(MetricSessionEvicted, int64(evicted))
	limiter.logger.Info("evicted oldest sessions",
		zap.String("code", "session_limiter.evicted"),
		zap.String("user_id", userID.String()),
		zap.Int("evicted", evicted),
		zap.Int("max_sessions", maxSessions),
	)
	return nil
}
