package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks a malformed or contradictory request. Its text is
	// safe to show verbatim.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCredentials covers unknown email, wrong password, wrong
	// tenant and non-live accounts. It is always rendered identically.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrAccountLocked = errors.New("account temporarily locked")
	ErrInvalidToken  = errors.New("invalid token")
	ErrAccessDenied  = errors.New("access denied")

	// ErrTransient marks storage or transport failures. Callers may retry.
	ErrTransient = errors.New("temporarily unavailable")

	ErrNotFound = errors.New("auth: not found")
	ErrConflict = errors.New("auth: conflict")
	ErrNotReady = errors.New("auth: service not configured")

	// ErrStaleSession is returned by a repository when a guarded session
	// update matched no row.
	ErrStaleSession = errors.New("auth: stale session")
)

// Public messages. Every InvalidCredentials-class failure renders
// MessageInvalidCredentials, byte for byte.
const (
	MessageInvalidCredentials = "invalid credentials"
	MessageAccountLocked      = "account temporarily locked, try again later"
	MessageInvalidToken       = "invalid or expired token"
	MessageTransient          = "service temporarily unavailable, please retry"
	MessageInternal           = "internal error"
)

// RoleError is an access-denied failure that carries the missing role context.
type RoleError struct {
	Environment Environment
	Required    []Role
}

func (e *RoleError) Error() string {
	names := make([]string, len(e.Required))
	for i, r := range e.Required {
		names[i] = string(r)
	}
	return fmt.Sprintf("access denied: %s requires one of [%s]", e.Environment, strings.Join(names, ", "))
}

// Is makes errors.Is(err, ErrAccessDenied) hold for role failures.
func (e *RoleError) Is(target error) bool { return target == ErrAccessDenied }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// transient wraps a repository failure unless it is already a domain error.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// isTimeout reports whether err came from an expired or cancelled context.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// PublicMessage maps an error returned by Service to user-visible text.
// It is the only place error text for clients is decided.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrAccountLocked):
		return MessageAccountLocked
	case errors.Is(err, ErrInvalidToken):
		return MessageInvalidToken
	case errors.Is(err, ErrTransient):
		return MessageTransient
	case errors.Is(err, ErrAccessDenied):
		var roleErr *RoleError
		if errors.As(err, &roleErr) {
			return roleErr.Error()
		}
		return ErrAccessDenied.Error()
	case errors.Is(err, ErrInvalidCredentials):
		return MessageInvalidCredentials
	}
	return MessageInternal
}
