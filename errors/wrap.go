package errors

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. If err already carries a code, the wrapper
// keeps it; otherwise the wrapper is INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var rtErr *Error
	if errors.As(err, &rtErr) {
		wrapped := &Error{
			code:     rtErr.code,
			category: rtErr.category,
			message:  message,
			cause:    err,
			metadata: rtErr.Metadata(),
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsRuntimeError extracts a RuntimeError from an error chain.
// Returns nil if none is found.
func AsRuntimeError(err error) RuntimeError {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.category == category
	}
	return false
}

// IsFatal reports whether err signals a programming or internal error.
func IsFatal(err error) bool {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.category.IsFatal()
	}
	return err != nil
}

// Combine merges errors, dropping nils. Returns nil when all are nil.
func Combine(errs ...error) error {
	return multierr.Combine(errs...)
}

// Errors splits an error produced by Combine back into its parts.
func Errors(err error) []error {
	return multierr.Errors(err)
}
