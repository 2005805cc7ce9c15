package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedToken = errors.New("malformed token")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoRefreshToken     = errors.New("no refresh token available")
	ErrRefreshRejected    = errors.New("refresh token rejected")
	ErrSessionChanged     = errors.New("session changed while request was in flight")
	ErrSessionNotReady    = errors.New("session is not restored yet")

	ErrStorageUnavailable = errors.New("session storage unavailable")
	ErrStoreNotMigrated   = errors.New("session storage schema is missing")
)

// Demo backend errors
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidAccessToken   = errors.New("access token invalid")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")
)

// DecodeError is returned when a token can't be split, base64url decoded or
// JSON decoded. Always recoverable: the session is treated as absent.
type DecodeError struct {
	Reason string
	Err    error
}

func NewDecodeError(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode token: %s", e.Reason)
	}
	return fmt.Sprintf("decode token: %s: %v", e.Reason, e.Err)
}

// Is makes every DecodeError match ErrMalformedToken
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedToken
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// AuthError is the only error surfaced by login and refresh.
// Message is meant to be shown to the user as is.
type AuthError struct {
	Message string

	// HTTP status of the failed response, zero for transport failures
	StatusCode int
	Err        error
}

func NewAuthError(message string, statusCode int, err error) *AuthError {
	return &AuthError{
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// StorageError wraps any failure of the persistence layer
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
