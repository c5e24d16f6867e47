package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RuntimeError is the interface for all structured errors returned by the
// runtime.
type RuntimeError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category.
	Category() ErrorCategory

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of RuntimeError.
type Error struct {
	code     ErrorCode
	category ErrorCategory
	message  string
	cause    error
	metadata map[string]string
}

var (
	_ RuntimeError     = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets errors.Is match two *Error values by code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.code == e.code && other.message == ""
	}
	return false
}

type errorJSON struct {
	Code     ErrorCode         `json:"code"`
	Category ErrorCategory     `json:"category"`
	Message  string            `json:"message"`
	Cause    string            `json:"cause,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:     e.code,
		Category: e.category,
		Message:  e.message,
		Metadata: e.metadata,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	if j.Cause != "" {
		e.cause = errors.New(j.Cause)
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an Error using the code's default description.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// InvalidArgument reports caller misuse.
func InvalidArgument(format string, args ...interface{}) *Error {
	return Newf(ErrCodeInvalidArgument, format, args...)
}

// NotConnected reports that a message resolved to zero destinations.
func NotConnected(msgName string) *Error {
	return New(ErrCodeNotConnected, fmt.Sprintf("no destination for %q", msgName),
		WithMetadata("msg_name", msgName))
}

// AlreadyClosed reports work offered to a closing or closed target.
func AlreadyClosed(target string) *Error {
	return New(ErrCodeAlreadyClosed, fmt.Sprintf("%s is closed", target),
		WithMetadata("target", target))
}

// Timeout reports an elapsed deadline.
func Timeout(what string) *Error {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out", what))
}

// InvalidGraph reports a rejected graph definition.
func InvalidGraph(format string, args ...interface{}) *Error {
	return Newf(ErrCodeInvalidGraph, format, args...)
}

// DuplicateRegistration reports a name collision in a registry.
func DuplicateRegistration(name string) *Error {
	return New(ErrCodeDuplicateRegistration, fmt.Sprintf("%q is already registered", name),
		WithMetadata("name", name))
}

// NotAllowedInPhase reports an operation outside its allowed lifecycle phases.
func NotAllowedInPhase(op, phase string) *Error {
	return New(ErrCodeNotAllowedInPhase, fmt.Sprintf("%s not allowed in phase %s", op, phase),
		WithMetadata("phase", phase))
}

// NotFound reports an unknown addon, graph or extension.
func NotFound(what string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", what))
}

// Sentinels usable with errors.Is. A sentinel matches any *Error with the
// same code.
var (
	ErrInvalidArgument       = &Error{code: ErrCodeInvalidArgument}
	ErrNotConnected          = &Error{code: ErrCodeNotConnected}
	ErrAlreadyClosed         = &Error{code: ErrCodeAlreadyClosed}
	ErrTimeout               = &Error{code: ErrCodeTimeout}
	ErrInvalidGraph          = &Error{code: ErrCodeInvalidGraph}
	ErrDuplicateRegistration = &Error{code: ErrCodeDuplicateRegistration}
	ErrNotAllowedInPhase     = &Error{code: ErrCodeNotAllowedInPhase}
	ErrNotFound              = &Error{code: ErrCodeNotFound}
)

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
func Category(err error) ErrorCategory {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.category
	}
	return ""
}

// GetMetadata extracts metadata from an error.
func GetMetadata(err error) map[string]string {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.Metadata()
	}
	return nil
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
