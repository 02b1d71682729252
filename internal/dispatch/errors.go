package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrUnsupportedPlatform means the command is valid but cannot run on
	// this operating system. It is never a validation error.
	ErrUnsupportedPlatform = errors.New("unsupported on this platform")
	// ErrRateLimited means the per-type minimum interval has not elapsed.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnknownSession means a terminal command referenced no live session.
	ErrUnknownSession = errors.New("unknown terminal session")
	// ErrPathNotAllowed means a path is outside the configured roots.
	ErrPathNotAllowed = errors.New("path not allowed")
)

// ValidationError is a malformed or incomplete payload. Always terminal.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CapabilityError is returned when a capability gate is off.
type CapabilityError struct {
	Capability string
	Type       string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s is disabled on this agent (%s)", e.Capability, e.Type)
}

// failureMessage turns any error from validation or execution into the
// human-readable text reported with a Failed status.
func failureMessage(err error) string {
	var verr *ValidationError
	var cerr *CapabilityError
	switch {
	case errors.As(err, &verr):
		return "invalid payload: " + verr.Message
	case errors.As(err, &cerr):
		return cerr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "command timed out"
	case errors.Is(err, context.Canceled):
		return "command cancelled"
	case errors.Is(err, fs.ErrNotExist):
		return "file not found"
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	}
	return err.Error()
}
