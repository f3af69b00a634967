package sessionkit

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/sessiond/pkg/sessionvalidator"
)

// ErrInvalidTokenTTL indicates a non-positive access or refresh lifetime.
var ErrInvalidTokenTTL = errors.New("token_signer.invalid_ttl")

// JWTSignerConfig configures the HS256 signer.
type JWTSignerConfig struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      Clock
}

// JWTSigner mints access and refresh JWTs. Every token carries a random jti, so
// two tokens minted in the same second for the same user still hash apart.
type JWTSigner struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
	validator  *sessionvalidator.Validator
}

// NewJWTSigner validates configuration and builds a signer.
func NewJWTSigner(configuration JWTSignerConfig) (*JWTSigner, error) {
	if configuration.AccessTTL <= 0 || configuration.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token_signer.new: %w", ErrInvalidTokenTTL)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SigningKey,
		Issuer:     configuration.Issuer,
		Clock:      clock,
	})
	if validatorErr != nil {
		return nil, fmt.Errorf("token_signer.new: %w", validatorErr)
	}
	return &JWTSigner{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		accessTTL:  configuration.AccessTTL,
		refreshTTL: configuration.RefreshTTL,
		clock:      clock,
		validator:  validator,
	}, nil
}

// IssueAccessToken creates a short-lived access token for user.
func (signer *JWTSigner) IssueAccessToken(user User) (string, error) {
	return signer.mint(user, sessionvalidator.TokenUseAccess, signer.accessTTL)
}

// IssueRefreshToken creates a refresh token for user.
func (signer *JWTSigner) IssueRefreshToken(user User) (string, error) {
	return signer.mint(user, sessionvalidator.TokenUseRefresh, signer.refreshTTL)
}

// ValidateRefreshToken reports whether raw is a well-formed, unexpired refresh token.
func (signer *JWTSigner) ValidateRefreshToken(rawRefreshToken string) bool {
	_, err := signer.validator.ValidateRefreshToken(rawRefreshToken)
	return err == nil
}

// RefreshTTL returns the configured refresh token lifetime.
func (signer *JWTSigner) RefreshTTL() time.Duration {
	return signer.refreshTTL
}

// Validator exposes the validator that checks tokens minted by this signer.
func (signer *JWTSigner) Validator() *sessionvalidator.Validator {
	return signer.validator
}

func (signer *JWTSigner) mint(user User, tokenUse string, ttl time.Duration) (string, error) {
	if user.ID == uuid.Nil {
		return "", fmt.Errorf("token_signer.mint.%s: %w", tokenUse, ErrInvalidUserID)
	}
	issuedAt := signer.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:    user.ID.String(),
		UserEmail: user.Email,
		TokenUse:  tokenUse,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    signer.issuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	signed, err := token.SignedString(signer.signingKey)
	if err != nil {
		return "", fmt.Errorf("token_signer.mint.%s: %w", tokenUse, err)
	}
	return signed, nil
}
