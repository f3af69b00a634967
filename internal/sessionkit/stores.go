package sessionkit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MaxIndexedTokensPerUser bounds a user's session index; exceeding it is an internal fault.
const MaxIndexedTokensPerUser = 1000

// RefreshTokenStore keeps hashed refresh tokens and a per-user issuance-ordered index.
type RefreshTokenStore interface {
	// StoreToken writes hash->user with a TTL of expiresAt-now and indexes it under the user.
	StoreToken(ctx context.Context, hashedToken string, userID uuid.UUID, expiresAt time.Time) error
	// GetUserIDFromToken resolves the owner from the primary record only.
	GetUserIDFromToken(ctx context.Context, hashedToken string) (uuid.UUID, error)
	// GetValidTokensForUser reconciles the index and returns the live hashes, oldest first.
	GetValidTokensForUser(ctx context.Context, userID uuid.UUID) ([]string, error)
	// CleanupExpiredTokensForUser drops index entries whose record has expired.
	CleanupExpiredTokensForUser(ctx context.Context, userID uuid.UUID) error
	// RevokeToken deletes the record and its index entry; absent tokens are a no-op.
	RevokeToken(ctx context.Context, hashedToken string) error
	// RevokeAllTokensForUser deletes every indexed record and the index itself.
	RevokeAllTokensForUser(ctx context.Context, userID uuid.UUID) error
	// RevokeOldestTokens atomically evicts up to count of the user's oldest sessions.
	RevokeOldestTokens(ctx context.Context, userID uuid.UUID, count int) (int, error)
}

// User is the directory record the session core reads and updates.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Enabled      bool
	CreatedAt    time.Time
	LastActive   time.Time
}

// UserDirectory is the relational user record store.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, userID uuid.UUID) (User, error)
	Save(ctx context.Context, user User) error
	Delete(ctx context.Context, user User) error
}

// CredentialVerifier checks an email/password pair.
type CredentialVerifier interface {
	// Verify returns ErrInvalidCredentials for a wrong password; any other error is a generic failure.
	Verify(ctx context.Context, email string, password string) (User, error)
}

// PasswordHasher produces storable password hashes for registration.
type PasswordHasher interface {
	HashPassword(password string) (string, error)
}

// TokenSigner mints and checks the opaque bearer strings.
type TokenSigner interface {
	IssueAccessToken(user User) (string, error)
	IssueRefreshToken(user User) (string, error)
	ValidateRefreshToken(rawRefreshToken string) bool
	RefreshTTL() time.Duration
}

// EventPublisher delivers account notifications; delivery is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

// Cookie describes a refresh cookie write. MaxAgeSeconds <= 0 expires the cookie.
type Cookie struct {
	Name          string
	Value         string
	Path          string
	MaxAgeSeconds int
	HTTPOnly      bool
	Secure        bool
}

// CookieSink receives cookie writes from the orchestrator.
type CookieSink interface {
	SetCookie(cookie Cookie)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now.
func NewSystemClock() Clock {
	return systemClock{}
}
