package sessionkitredis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/sessiond/internal/sessionkit"
	"go.uber.org/zap"
)

const (
	// DefaultOperationTimeout bounds each Redis round trip.
	DefaultOperationTimeout = 2 * time.Second

	recordKeySegment = "refreshToken:"
	indexKeySegment  = "userTokens:"
)

// storeTokenScript writes the record and indexes it in one step. The score is
// the issuance time in microseconds, bumped past the current maximum so equal
// instants keep insertion order.
var storeTokenScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
local score = tonumber(ARGV[3])
local top = redis.call('ZREVRANGE', KEYS[2], 0, 0, 'WITHSCORES')
if top[2] ~= nil and tonumber(top[2]) >= score then
  score = tonumber(top[2]) + 1
end
redis.call('ZADD', KEYS[2], score, ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

// revokeOldestScript walks the index oldest first and evicts up to ARGV[1]
// live sessions as a single unit. Entries whose record already expired are
// pruned on the way and do not count toward the total.
var revokeOldestScript = redis.NewScript(`
local wanted = tonumber(ARGV[1])
local entries = redis.call('ZRANGE', KEYS[1], 0, -1)
local evicted = 0
for _, hashed in ipairs(entries) do
  if evicted >= wanted then
    break
  end
  evicted = evicted + redis.call('DEL', ARGV[2] .. hashed)
  redis.call('ZREM', KEYS[1], hashed)
end
return evicted
`)

// RefreshTokenStore keeps hashed refresh tokens in Redis: a string record per
// token and a sorted set per user ordered by issuance.
type RefreshTokenStore struct {
	client           redis.UniversalClient
	prefix           string
	operationTimeout time.Duration
	clock            sessionkit.Clock
	logger           *zap.Logger
	metrics          sessionkit.MetricsRecorder
}

// StoreOption configures a RefreshTokenStore.
type StoreOption func(*RefreshTokenStore)

// WithKeyPrefix namespaces every key, e.g. "auth:".
func WithKeyPrefix(prefix string) StoreOption {
	return func(store *RefreshTokenStore) {
		store.prefix = prefix
	}
}

// WithOperationTimeout overrides DefaultOperationTimeout.
func WithOperationTimeout(timeout time.Duration) StoreOption {
	return func(store *RefreshTokenStore) {
		if timeout > 0 {
			store.operationTimeout = timeout
		}
	}
}

// WithClock sets the clock used for TTLs and index scores.
func WithClock(clock sessionkit.Clock) StoreOption {
	return func(store *RefreshTokenStore) {
		if clock != nil {
			store.clock = clock
		}
	}
}

// WithLogger sets the logger for cleanup and decode anomalies.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(store *RefreshTokenStore) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithMetrics sets the recorder for stale index cleanups.
func WithMetrics(metrics sessionkit.MetricsRecorder) StoreOption {
	return func(store *RefreshTokenStore) {
		if metrics != nil {
			store.metrics = metrics
		}
	}
}

// NewRefreshTokenStore wraps client.
func NewRefreshTokenStore(client redis.UniversalClient, options ...StoreOption) *RefreshTokenStore {
	store := &RefreshTokenStore{
		client:           client,
		operationTimeout: DefaultOperationTimeout,
		clock:            sessionkit.NewSystemClock(),
		logger:           zap.NewNop(),
		metrics:          sessionkit.NopMetrics{},
	}
	for _, option := range options {
		option(store)
	}
	return store
}

func (store *RefreshTokenStore) recordKey(hashedToken string) string {
	return store.prefix + recordKeySegment + hashedToken
}

func (store *RefreshTokenStore) indexKey(userID uuid.UUID) string {
	return store.prefix + indexKeySegment + userID.String()
}

func (store *RefreshTokenStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, store.operationTimeout)
}

func unavailable(operation string, err error) error {
	return fmt.Errorf("refresh_store.%s.redis: %w: %w", operation, sessionkit.ErrStoreUnavailable, err)
}

// StoreToken writes hash->user with a TTL of expiresAt-now and indexes it.
func (store *RefreshTokenStore) StoreToken(ctx context.Context, hashedToken string, userID uuid.UUID, expiresAt time.Time) error {
	if userID == uuid.Nil {
		return fmt.Errorf("refresh_store.store.redis: %w", sessionkit.ErrInvalidUserID)
	}
	now := store.clock.Now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("refresh_store.store.redis: %w", sessionkit.ErrRefreshTokenExpired)
	}
	ttlMillis := ttl.Milliseconds()
	if ttlMillis < 1 {
		ttlMillis = 1
	}
	operationContext, cancel := store.bounded(ctx)
	defer cancel()
	keys := []string{store.recordKey(hashedToken), store.indexKey(userID)}
	if err := storeTokenScript.Run(operationContext, store.client, keys, userID.String(), ttlMillis, now.UnixMicro(), hashedToken).Err(); err != nil {
		return unavailable("store", err)
	}
	return nil
}

// GetUserIDFromToken reads the primary record; malformed values count as absent.
func (store *RefreshTokenStore) GetUserIDFromToken(ctx context.Context, hashedToken string) (uuid.UUID, error) {
	operationContext, cancel := store.bounded(ctx)
	defer cancel()
	value, err := store.client.Get(operationContext, store.recordKey(hashedToken)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, fmt.Errorf("refresh_store.get.redis: %w", sessionkit.ErrRefreshTokenNotFound)
	}
	if err != nil {
		return uuid.Nil, unavailable("get", err)
	}
	userID, parseErr := uuid.Parse(value)
	if parseErr != nil {
		store.logger.Warn("malformed refresh token record",
			zap.String("code", "refresh_store.malformed_record"),
			zap.Error(parseErr),
		)
		return uuid.Nil, fmt.Errorf("refresh_store.get.redis: %w", sessionkit.ErrRefreshTokenNotFound)
	}
	return userID, nil
}

// GetValidTokensForUser cleans the index and returns the live hashes, oldest first.
func (store *RefreshTokenStore) GetValidTokensForUser(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("refresh_store.valid_tokens.redis: %w", sessionkit.ErrInvalidUserID)
	}
	if err := store.CleanupExpiredTokensForUser(ctx, userID); err != nil {
		return nil, err
	}
	operationContext, cancel := store.bounded(ctx)
	defer cancel()
	hashes, err := store.client.ZRange(operationContext, store.indexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("valid_tokens", err)
	}
	if len(hashes) > sessionkit.MaxIndexedTokensPerUser {
		return nil, fmt.Errorf("refresh_store.valid_tokens.redis: %d entries: %w", len(hashes), sessionkit.ErrTooManyTokens)
	}
	return hashes, nil
}

// CleanupExpiredTokensForUser removes index entries whose record has expired.
func (store *RefreshTokenStore) CleanupExpiredTokensForUser(ctx context.Context, userID uuid.UUID) error {
	operationContext, cancel := store.bounded(ctx)
	defer cancel()
	indexKey := store.indexKey(userID)
	hashes, err := store.client.ZRange(operationContext, indexKey, 0, -1).Result()
	if err != nil {
		return unavailable("cleanup", err)
	}
	if len(hashes) == 0 {
		return nil
	}
	pipeline := store.client.Pipeline()
	existence := make([]*redis.IntCmd, len(hashes))
	for position, hashedToken := range hashes {
		existence[position] = pipeline.Exists(operationContext, store.recordKey(hashedToken))
	}
	if _, execErr := pipeline.Exec(operationContext); execErr != nil {
		return unavailable("cleanup", execErr)
	}
	stale := make([]any, 0)
	for position, command := range existence {
		if command.Val() == 0 {
			stale = append(stale, hashes[position])
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if remErr := store.client.ZRem(operationContext, indexKey, stale...).Err(); remErr != nil {
		return unavailable("cleanup", remErr)
	}
	store.metrics.Add(sessionkit.MetricStaleIndexCleaned, int64(len(stale)))
	store.logger.Debug("removed stale index entries",
		zap.String("code", "refresh_store.cleanup_stale"),
		zap.String("user_id", userID.String()),
		zap.Int("removed", len(stale)),
	)
	return nil
}

// RevokeToken removes the token from its owner's index and deletes the record.
func (store *RefreshTokenStore) RevokeToken(ctx context.Context, hashedToken string) error {
	operationContext, cancel := store.bounded(ctx)
	defer cancel()
	recordKey := store.recordKey(hashedToken)
	value, err := store.client.Get(operationContext, recordKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("revoke", err)
	}
	pipeline := store.client.TxPipeline()
	if userID, parseErr := uuid.Parse(value); err == nil && parseErr == nil {
		pipeline.ZRem(operationContext, store.indexKey(userID), hashedToken)
	}
	pipeline.Del(operationContext, recordKey)
	if _, execErr := pipeline.Exec(operationContext); execErr != nil {
		return unavailable("revoke", execErr)
	}
	return nil
}

// RevokeAllTokensForUser deletes every indexed record and then the index.
func (store *RefreshTokenStore) RevokeAllTokensForUser(ctx context.Context, userID uuid.UUID) error {
	operationContext, cancel := store.bounded(ctx)
	defer cancel()
	indexKey := store.indexKey(userID)
	hashes, err := store.client.ZRange(operationContext, indexKey, 0, -1).Result()
	if err != nil {
		return unavailable("revoke_all", err)
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, hashedToken := range hashes {
		keys = append(keys, store.recordKey(hashedToken))
	}
	keys = append(keys, indexKey)
	pipeline := store.client.Pipeline()
	for _, key := range keys {
		pipeline.Del(operationContext, key)
	}
	if _, execErr := pipeline.Exec(operationContext); execErr != nil {
		return unavailable("revoke_all", execErr)
	}
	return nil
}

// RevokeOldestTokens evicts up to count of the user's oldest sessions atomically.
func (store *RefreshTokenStore) RevokeOldestTokens(ctx context.Context, userID uuid.UUID, count int) (int, error) {
	if userID == uuid.Nil {
		return 0, fmt.Errorf("refresh_store.revoke_oldest.redis: %w", sessionkit.ErrInvalidUserID)
	}
	if count <= 0 {
		return 0, nil
	}
	operationContext, cancel := store.bounded(ctx)
	defer cancel()
	evicted, err := revokeOldestScript.Run(operationContext, store.client, []string{store.indexKey(userID)}, count, store.prefix+recordKeySegment).Int()
	if err != nil {
		return 0, unavailable("revoke_oldest", err)
	}
	return evicted, nil
}
