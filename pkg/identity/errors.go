package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned for every privilege-boundary violation. It is fatal and
	// must never be retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSessionActive is returned when a run already holds a live actor session.
	ErrSessionActive = errors.New("actor session already active for run")
)

// PermissionDeniedError describes which principal was refused and why.
type PermissionDeniedError struct {
	Principal string
	Reason    string
}

func (e *PermissionDeniedError) Error() string {
	if e.Principal == "" {
		return fmt.Sprintf("%s: %s", ErrPermissionDenied, e.Reason)
	}
	return fmt.Sprintf("%s: principal %q: %s", ErrPermissionDenied, e.Principal, e.Reason)
}

func (e *PermissionDeniedError) Unwrap() error {
	return ErrPermissionDenied
}

// Denied is shorthand for building a PermissionDeniedError.
func Denied(principal, reason string) error {
	return &PermissionDeniedError{Principal: principal, Reason: reason}
}

// IsPermissionDenied reports whether err is a privilege-boundary violation.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
