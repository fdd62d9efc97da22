package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error
// chain. If err is nil, Wrap returns nil. If err is already an *Error, the
// kind is preserved. Context cancellation and deadline errors map to the
// Timeout kind; anything else becomes an Internal error.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var mcpErr *Error
	if errors.As(err, &mcpErr) {
		return &Error{
			kind:    mcpErr.kind,
			message: message + ": " + mcpErr.message,
			cause:   err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{kind: KindTimeout, message: message, cause: err}
	}

	return &Error{kind: KindInternal, message: message + ": " + err.Error(), cause: err}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...any) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// AsError extracts an *Error from an error chain, or nil if none is found.
func AsError(err error) *Error {
	var mcpErr *Error
	if errors.As(err, &mcpErr) {
		return mcpErr
	}
	return nil
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var mcpErr *Error
	if errors.As(err, &mcpErr) {
		return mcpErr.kind == kind
	}
	return false
}

// IsFatal reports whether err carries a fatal kind. Errors that are not
// *Error values are treated as non-fatal: they did not originate in the
// connection layer.
func IsFatal(err error) bool {
	var mcpErr *Error
	if errors.As(err, &mcpErr) {
		return mcpErr.IsFatal()
	}
	return false
}
