package sessionkit

import (
	"context"
	"errors"
)

var (
	// ErrRefreshTokenNotFound indicates no live record exists for the hashed token.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenExpired indicates a token was stored with an expiry in the past.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrTooManyTokens signals that a user's session index grew past the safety ceiling.
	ErrTooManyTokens = errors.New("refresh_store.capacity_exceeded")
	// ErrStoreUnavailable wraps backend failures and timeouts of the token store.
	ErrStoreUnavailable = errors.New("refresh_store.unavailable")
	// ErrInvalidUserID indicates a nil user identifier was supplied to the store.
	ErrInvalidUserID = errors.New("refresh_store.invalid_user_id")
)

var (
	// ErrInvalidDeviceType indicates the request named an unknown device kind.
	ErrInvalidDeviceType = errors.New("session.invalid_device_type")
	// ErrUserNotFound indicates the user directory has no matching record.
	ErrUserNotFound = errors.New("session.user_not_found")
	// ErrInvalidCredentials indicates the password did not match.
	ErrInvalidCredentials = errors.New("session.invalid_credentials")
	// ErrAuthentication is the generic failure for any other verification or issuance fault.
	ErrAuthentication = errors.New("session.authentication_failed")
	// ErrInvalidToken indicates a refresh token failed validation or did not resolve to a user.
	ErrInvalidToken = errors.New("session.invalid_token")
	// ErrMissingToken indicates an empty refresh token was presented.
	ErrMissingToken = errors.New("session.missing_token")
	// ErrInvalidRegistration indicates the registration payload failed the format gate.
	ErrInvalidRegistration = errors.New("session.invalid_registration")
	// ErrUserExists indicates a registration collided with an existing email.
	ErrUserExists = errors.New("session.user_exists")
	// ErrAccountDisabled indicates the account may not authenticate.
	ErrAccountDisabled = errors.New("session.account_disabled")
)

// ErrorKind classifies failures for the transport layer.
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindNotFound           ErrorKind = "not_found"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindAuthentication     ErrorKind = "authentication"
	KindConflict           ErrorKind = "conflict"
	KindCapacityGuard      ErrorKind = "capacity_guard"
	KindTransient          ErrorKind = "transient"
	KindInternal           ErrorKind = "internal"
)

// KindOf reports the taxonomy bucket of err. Transient causes win over the
// sentinel they are wrapped in so callers can tell a timeout from a bad password.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrTooManyTokens):
		return KindCapacityGuard
	case errors.Is(err, ErrInvalidDeviceType), errors.Is(err, ErrMissingToken),
		errors.Is(err, ErrInvalidRegistration), errors.Is(err, ErrRefreshTokenExpired),
		errors.Is(err, ErrInvalidUserID):
		return KindInvalidRequest
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrRefreshTokenNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrAuthentication), errors.Is(err, ErrAccountDisabled):
		return KindAuthentication
	case errors.Is(err, ErrUserExists):
		return KindConflict
	default:
		return KindInternal
	}
}
