package sessionkit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"
)

var (
	// ErrMissingHMACSecret indicates the hasher was configured without a secret.
	ErrMissingHMACSecret = errors.New("token_hasher.missing_secret")
	// ErrUnsupportedHMACAlgorithm indicates the configured algorithm name is unknown.
	ErrUnsupportedHMACAlgorithm = errors.New("token_hasher.unsupported_algorithm")
)

// TokenHasher derives storage keys from raw refresh tokens with a keyed HMAC.
type TokenHasher struct {
	secret  []byte
	newHash func() hash.Hash
}

// NewTokenHasher accepts HmacSHA256, HmacSHA512, sha256 or sha512.
func NewTokenHasher(algorithm string, secret string) (*TokenHasher, error) {
	if secret == "" {
		return nil, fmt.Errorf("token_hasher.new: %w", ErrMissingHMACSecret)
	}
	var constructor func() hash.Hash
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "hmacsha256", "sha256":
		constructor = sha256.New
	case "hmacsha512", "sha512":
		constructor = sha512.New
	default:
		return nil, fmt.Errorf("token_hasher.new.%q: %w", algorithm, ErrUnsupportedHMACAlgorithm)
	}
	return &TokenHasher{secret: []byte(secret), newHash: constructor}, nil
}

// Hash returns the base64 digest of raw.
func (hasher *TokenHasher) Hash(raw string) string {
	mac := hmac.New(hasher.newHash, hasher.secret)
	mac.Write([]byte(raw))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
