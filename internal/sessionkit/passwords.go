package sessionkit

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BcryptPasswordHasher hashes registration passwords with bcrypt.
type BcryptPasswordHasher struct {
	cost int
}

// NewBcryptPasswordHasher returns a hasher; costs outside bcrypt's range fall back to the default.
func NewBcryptPasswordHasher(cost int) *BcryptPasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptPasswordHasher{cost: cost}
}

// HashPassword returns the bcrypt hash of password.
func (hasher *BcryptPasswordHasher) HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), hasher.cost)
	if err != nil {
		return "", fmt.Errorf("password_hasher.hash: %w", err)
	}
	return string(hashed), nil
}

// BcryptCredentialVerifier checks passwords against bcrypt hashes held by a UserDirectory.
type BcryptCredentialVerifier struct {
	directory UserDirectory
}

// NewBcryptCredentialVerifier builds a verifier over directory.
func NewBcryptCredentialVerifier(directory UserDirectory) *BcryptCredentialVerifier {
	return &BcryptCredentialVerifier{directory: directory}
}

// Verify resolves email and compares password with the stored hash.
func (verifier *BcryptCredentialVerifier) Verify(ctx context.Context, email string, password string) (User, error) {
	user, findErr := verifier.directory.FindByEmail(ctx, email)
	if findErr != nil {
		return User{}, fmt.Errorf("credential_verifier.verify: %w", findErr)
	}
	if !user.Enabled {
		return User{}, fmt.Errorf("credential_verifier.verify: %w", ErrAccountDisabled)
	}
	compareErr := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	switch {
	case compareErr == nil:
		return user, nil
	case errors.Is(compareErr, bcrypt.ErrMismatchedHashAndPassword):
		return User{}, fmt.Errorf("credential_verifier.verify: %w", ErrInvalidCredentials)
	default:
		return User{}, fmt.Errorf("credential_verifier.verify: %w", compareErr)
	}
}
