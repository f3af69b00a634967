package sessionkit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryUserDirectory keeps users in process memory for tests and dev.
type MemoryUserDirectory struct {
	mutex   sync.RWMutex
	byID    map[uuid.UUID]User
	byEmail map[string]uuid.UUID
}

// NewMemoryUserDirectory constructs an empty directory.
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{
		byID:    make(map[uuid.UUID]User),
		byEmail: make(map[string]uuid.UUID),
	}
}

// FindByEmail returns the user with the given email, compared case-insensitively.
func (directory *MemoryUserDirectory) FindByEmail(ctx context.Context, email string) (User, error) {
	directory.mutex.RLock()
	defer directory.mutex.RUnlock()
	userID, ok := directory.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, fmt.Errorf("user_directory.find_by_email.memory: %w", ErrUserNotFound)
	}
	return directory.byID[userID], nil
}

// FindByID returns the user with the given id.
func (directory *MemoryUserDirectory) FindByID(ctx context.Context, userID uuid.UUID) (User, error) {
	directory.mutex.RLock()
	defer directory.mutex.RUnlock()
	user, ok := directory.byID[userID]
	if !ok {
		return User{}, fmt.Errorf("user_directory.find_by_id.memory: %w", ErrUserNotFound)
	}
	return user, nil
}

// Save inserts or replaces user; an email owned by another id is a conflict.
func (directory *MemoryUserDirectory) Save(ctx context.Context, user User) error {
	if user.ID == uuid.Nil {
		return fmt.Errorf("user_directory.save.memory: %w", ErrInvalidUserID)
	}
	emailKey := NormalizeEmail(user.Email)
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	if ownerID, taken := directory.byEmail[emailKey]; taken && ownerID != user.ID {
		return fmt.Errorf("user_directory.save.memory: %w", ErrUserExists)
	}
	if previous, exists := directory.byID[user.ID]; exists {
		delete(directory.byEmail, NormalizeEmail(previous.Email))
	}
	user.Email = emailKey
	directory.byID[user.ID] = user
	directory.byEmail[emailKey] = user.ID
	return nil
}

// Delete removes user; deleting an absent user is not an error.
func (directory *MemoryUserDirectory) Delete(ctx context.Context, user User) error {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	if stored, exists := directory.byID[user.ID]; exists {
		delete(directory.byEmail, NormalizeEmail(stored.Email))
		delete(directory.byID, user.ID)
	}
	return nil
}

// NormalizeEmail trims and lower-cases an email for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RedactEmail keeps the first character of the local part and the domain.
func RedactEmail(email string) string {
	local, domain, found := strings.Cut(strings.TrimSpace(email), "@")
	if !found || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
