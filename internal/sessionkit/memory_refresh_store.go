package sessionkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
// Each method holds the mutex for its whole body, mirroring the per-command
// atomicity of the external store it stands in for.
type MemoryRefreshTokenStore struct {
	mutex   sync.Mutex
	records map[string]memoryRecord
	indexes map[string]*memoryIndex
	clock   Clock
}

type memoryRecord struct {
	Value     string
	ExpiresAt time.Time
}

type memoryIndex struct {
	Entries   []memoryIndexEntry
	ExpiresAt time.Time
}

type memoryIndexEntry struct {
	HashedToken string
	Score       int64
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore(clock Clock) *MemoryRefreshTokenStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryRefreshTokenStore{
		records: make(map[string]memoryRecord),
		indexes: make(map[string]*memoryIndex),
		clock:   clock,
	}
}

// StoreToken writes the record and appends it to the owner's index.
func (store *MemoryRefreshTokenStore) StoreToken(ctx context.Context, hashedToken string, userID uuid.UUID, expiresAt time.Time) error {
	if userID == uuid.Nil {
		return fmt.Errorf("refresh_store.store.memory: %w", ErrInvalidUserID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.clock.Now()
	if !expiresAt.After(now) {
		return fmt.Errorf("refresh_store.store.memory: %w", ErrRefreshTokenExpired)
	}
	store.records[hashedToken] = memoryRecord{Value: userID.String(), ExpiresAt: expiresAt}

	index := store.liveIndexLocked(userID.String(), now)
	if index == nil {
		index = &memoryIndex{}
		store.indexes[userID.String()] = index
	}
	index.remove(hashedToken)
	score := now.UnixMicro()
	if count := len(index.Entries); count > 0 && index.Entries[count-1].Score >= score {
		score = index.Entries[count-1].Score + 1
	}
	index.Entries = append(index.Entries, memoryIndexEntry{HashedToken: hashedToken, Score: score})
	index.ExpiresAt = expiresAt
	return nil
}

// GetUserIDFromToken reads the primary record; malformed values count as absent.
func (store *MemoryRefreshTokenStore) GetUserIDFromToken(ctx context.Context, hashedToken string) (uuid.UUID, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.liveRecordLocked(hashedToken, store.clock.Now())
	if !ok {
		return uuid.Nil, fmt.Errorf("refresh_store.get.memory: %w", ErrRefreshTokenNotFound)
	}
	userID, parseErr := uuid.Parse(record.Value)
	if parseErr != nil {
		return uuid.Nil, fmt.Errorf("refresh_store.get.memory: %w", ErrRefreshTokenNotFound)
	}
	return userID, nil
}

// GetValidTokensForUser cleans the index and returns it oldest first.
func (store *MemoryRefreshTokenStore) GetValidTokensForUser(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("refresh_store.valid_tokens.memory: %w", ErrInvalidUserID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.clock.Now()
	store.cleanupLocked(userID.String(), now)
	index := store.liveIndexLocked(userID.String(), now)
	if index == nil {
		return []string{}, nil
	}
	if len(index.Entries) > MaxIndexedTokensPerUser {
		return nil, fmt.Errorf("refresh_store.valid_tokens.memory: %d entries: %w", len(index.Entries), ErrTooManyTokens)
	}
	hashes := make([]string, 0, len(index.Entries))
	for _, entry := range index.Entries {
		hashes = append(hashes, entry.HashedToken)
	}
	return hashes, nil
}

// CleanupExpiredTokensForUser removes index entries whose record is gone.
func (store *MemoryRefreshTokenStore) CleanupExpiredTokensForUser(ctx context.Context, userID uuid.UUID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cleanupLocked(userID.String(), store.clock.Now())
	return nil
}

// RevokeToken removes the token from its owner's index and deletes the record.
func (store *MemoryRefreshTokenStore) RevokeToken(ctx context.Context, hashedToken string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if record, ok := store.liveRecordLocked(hashedToken, store.clock.Now()); ok {
		if index := store.indexes[record.Value]; index != nil {
			index.remove(hashedToken)
			store.dropEmptyIndexLocked(record.Value)
		}
	}
	delete(store.records, hashedToken)
	return nil
}

// RevokeAllTokensForUser deletes every indexed record and the index.
func (store *MemoryRefreshTokenStore) RevokeAllTokensForUser(ctx context.Context, userID uuid.UUID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if index := store.indexes[userID.String()]; index != nil {
		for _, entry := range index.Entries {
			delete(store.records, entry.HashedToken)
		}
	}
	delete(store.indexes, userID.String())
	return nil
}

// RevokeOldestTokens evicts up to count of the oldest indexed sessions.
func (store *MemoryRefreshTokenStore) RevokeOldestTokens(ctx context.Context, userID uuid.UUID, count int) (int, error) {
	if userID == uuid.Nil {
		return 0, fmt.Errorf("refresh_store.revoke_oldest.memory: %w", ErrInvalidUserID)
	}
	if count <= 0 {
		return 0, nil
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.clock.Now()
	store.cleanupLocked(userID.String(), now)
	index := store.liveIndexLocked(userID.String(), now)
	if index == nil {
		return 0, nil
	}
	if count > len(index.Entries) {
		count = len(index.Entries)
	}
	for _, entry := range index.Entries[:count] {
		delete(store.records, entry.HashedToken)
	}
	index.Entries = append([]memoryIndexEntry(nil), index.Entries[count:]...)
	store.dropEmptyIndexLocked(userID.String())
	return count, nil
}

func (store *MemoryRefreshTokenStore) liveRecordLocked(hashedToken string, now time.Time) (memoryRecord, bool) {
	record, ok := store.records[hashedToken]
	if !ok {
		return memoryRecord{}, false
	}
	if !now.Before(record.ExpiresAt) {
		delete(store.records, hashedToken)
		return memoryRecord{}, false
	}
	return record, true
}

func (store *MemoryRefreshTokenStore) liveIndexLocked(userKey string, now time.Time) *memoryIndex {
	index, ok := store.indexes[userKey]
	if !ok {
		return nil
	}
	if !now.Before(index.ExpiresAt) {
		delete(store.indexes, userKey)
		return nil
	}
	return index
}

func (store *MemoryRefreshTokenStore) cleanupLocked(userKey string, now time.Time) {
	index := store.liveIndexLocked(userKey, now)
	if index == nil {
		return
	}
	kept := index.Entries[:0]
	for _, entry := range index.Entries {
		if _, ok := store.liveRecordLocked(entry.HashedToken, now); ok {
			kept = append(kept, entry)
		}
	}
	index.Entries = kept
	store.dropEmptyIndexLocked(userKey)
}

func (store *MemoryRefreshTokenStore) dropEmptyIndexLocked(userKey string) {
	if index := store.indexes[userKey]; index != nil && len(index.Entries) == 0 {
		delete(store.indexes, userKey)
	}
}

func (index *memoryIndex) remove(hashedToken string) {
	for i, entry := range index.Entries {
		if entry.HashedToken == hashedToken {
			index.Entries = append(index.Entries[:i], index.Entries[i+1:]...)
			return
		}
	}
}
