package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy of the chat core.
var (
	// ErrAuthentication: bad, missing or expired credential at connect time.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization: the frame's identity does not match the connection.
	ErrAuthorization = errors.New("not authorized")
	// ErrValidation: malformed frame or unknown target.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence: the message store is unavailable.
	ErrPersistence = errors.New("persistence failed")
	// ErrRegistry: the group registry backend is unreachable or stopped.
	ErrRegistry = errors.New("registry unavailable")
	// ErrNotFound: a looked up record does not exist.
	ErrNotFound = errors.New("not found")
)

// Wire error codes.
const (
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeInvalidMessage    = "invalid_message"
	CodePersistenceFailed = "persistence_failed"
	CodeInternalError     = "internal_error"
)

// NewValidationError returns an ErrValidation with a client-facing reason.
func NewValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NewAuthorizationError returns an ErrAuthorization with a client-facing reason.
func NewAuthorizationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// ErrorCode maps an error to the code sent in error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return CodeUnauthorized
	case errors.Is(err, ErrAuthorization):
		return CodeForbidden
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return CodeInvalidMessage
	case errors.Is(err, ErrPersistence):
		return CodePersistenceFailed
	default:
		return CodeInternalError
	}
}

// PublicMessage returns the part of err that is safe to show a client.
// Persistence and internal failures are reported generically.
func PublicMessage(err error) string {
	switch ErrorCode(err) {
	case CodePersistenceFailed:
		return "message could not be stored"
	case CodeInternalError:
		return "internal error"
	default:
		return err.Error()
	}
}
