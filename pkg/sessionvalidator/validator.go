// Package sessionvalidator checks HS256 tokens minted by sessiond. Downstream
// services mount GinMiddleware to authenticate requests by Bearer access token.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultContextKey is where GinMiddleware stores *Claims unless told otherwise.
const DefaultContextKey = "auth_claims"

// Values of the token_use claim.
const (
	TokenUseAccess  = "access"
	TokenUseRefresh = "refresh"
)

var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
	ErrWrongTokenUse     = errors.New("session.validator.wrong_token_use")
)

// Clock reports the time used for expiry checks.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now().UTC()
}

// Config holds the shared secret and expected issuer. Clock defaults to wall time.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// Claims is the sessiond token payload.
type Claims struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
	TokenUse  string `json:"token_use"`
	jwt.RegisteredClaims
}

// GetUserID is nil-safe.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// GetUserEmail is nil-safe.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

// GetExpiresAt returns the zero time when the claim is absent.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Validator verifies signature, issuer, expiry and token use.
type Validator struct {
	signingKey []byte
	parser     *jwt.Parser
}

// New builds a Validator; a signing key and issuer are required.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = wallClock{}
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(configuration.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clock.Now),
	)
	return &Validator{signingKey: configuration.SigningKey, parser: parser}, nil
}

// ValidateToken accepts either token use.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	claims := &Claims{}
	_, parseErr := validator.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	})
	switch {
	case parseErr == nil:
	case errors.Is(parseErr, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
	case errors.Is(parseErr, jwt.ErrTokenInvalidIssuer):
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	default:
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateAccessToken rejects refresh tokens.
func (validator *Validator) ValidateAccessToken(tokenString string) (*Claims, error) {
	return validator.validateUse(tokenString, TokenUseAccess)
}

// ValidateRefreshToken rejects access tokens.
func (validator *Validator) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return validator.validateUse(tokenString, TokenUseRefresh)
}

func (validator *Validator) validateUse(tokenString string, expectedUse string) (*Claims, error) {
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != expectedUse {
		return nil, fmt.Errorf("session.validator.validate_%s: %w", expectedUse, ErrWrongTokenUse)
	}
	return claims, nil
}

// ValidateRequest validates the Bearer access token on request.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	bearer := ""
	if request != nil {
		bearer = BearerToken(request)
	}
	if bearer == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateAccessToken(bearer)
}

// BearerToken returns the credential of an "Authorization: Bearer" header, or "".
func BearerToken(request *http.Request) string {
	scheme, credential, found := strings.Cut(strings.TrimSpace(request.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(credential)
}

// GinMiddleware aborts with 401 unless the request carries a valid access
// token, and stores the claims under contextKey (DefaultContextKey when empty).
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
