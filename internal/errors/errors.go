package errors

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the attendance engine.
var (
	// Input errors
	ErrValidation      = errors.New("validation failed")
	ErrInvalidLocation = fmt.Errorf("invalid location: %w", ErrValidation)
	ErrDecode          = errors.New("payload could not be decoded")

	// Lookup and authorization errors
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	ErrForbidden       = errors.New("forbidden")

	// Lifecycle errors
	ErrSessionExpired = errors.New("session expired")
	ErrAlreadyEnded   = errors.New("session already ended")

	// Idempotency
	ErrDuplicateAttendance = errors.New("attendance already marked for this session")

	// Storage errors
	ErrCodeTaken          = errors.New("session code already in use")
	ErrStorageTimeout     = errors.New("storage timeout")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Message returns the user-facing text for an error kind. Order matters:
// the more specific kinds wrap the generic ones.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidLocation):
		return "Location data is missing or not a valid [longitude, latitude] pair."
	case errors.Is(err, ErrValidation):
		return "The request is missing required fields or contains invalid values."
	case errors.Is(err, ErrDecode):
		return "The scanned code could not be read. Try entering the session code instead."
	case errors.Is(err, ErrSessionNotFound):
		return "No active session matches that code."
	case errors.Is(err, ErrNotFound):
		return "The requested resource does not exist."
	case errors.Is(err, ErrForbidden):
		return "You are not allowed to act on this session."
	case errors.Is(err, ErrSessionExpired):
		return "This attendance session is over."
	case errors.Is(err, ErrAlreadyEnded):
		return "This attendance session has already ended."
	case errors.Is(err, ErrDuplicateAttendance):
		return "Your attendance is already marked for this session."
	case errors.Is(err, ErrStorageTimeout):
		return "The server took too long to respond. Please try again."
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrCodeTaken):
		return "The service is temporarily unavailable. Please try again shortly."
	default:
		return "Something went wrong on our side."
	}
}
