package errors

// ErrorCategory classifies errors by who is expected to act on them.
type ErrorCategory string

// Error categories.
const (
	// CategoryRuntime covers well-defined runtime conditions that are always
	// returned to the caller: not connected, timeout, already closed,
	// not allowed in phase.
	CategoryRuntime ErrorCategory = "runtime"

	// CategoryProgrammer covers caller misuse: invalid arguments, duplicate
	// registrations, wrong-thread access. Expected to be caught in development.
	CategoryProgrammer ErrorCategory = "programmer"

	// CategoryDefinition covers rejected graph definitions.
	CategoryDefinition ErrorCategory = "definition"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsFatal returns true if errors in this category indicate a bug in the
// caller or the runtime rather than a condition to handle.
func (c ErrorCategory) IsFatal() bool {
	switch c {
	case CategoryProgrammer, CategoryInternal:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes.
const (
	ErrCodeInvalidArgument       ErrorCode = "INVALID_ARGUMENT"       // Caller misuse
	ErrCodeNotConnected          ErrorCode = "NOT_CONNECTED"          // No destination resolved
	ErrCodeAlreadyClosed         ErrorCode = "ALREADY_CLOSED"         // Target is closing or closed
	ErrCodeTimeout               ErrorCode = "TIMEOUT"                // Path deadline elapsed
	ErrCodeInvalidGraph          ErrorCode = "INVALID_GRAPH"          // Graph definition rejected
	ErrCodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION" // Addon name collision
	ErrCodeNotAllowedInPhase     ErrorCode = "NOT_ALLOWED_IN_PHASE"   // Send outside STARTING..STOPPED
	ErrCodeNotFound              ErrorCode = "NOT_FOUND"              // Unknown addon, graph, extension
	ErrCodeInternal              ErrorCode = "INTERNAL"               // Unexpected internal error
	ErrCodePanic                 ErrorCode = "PANIC"                  // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeNotConnected, ErrCodeAlreadyClosed, ErrCodeTimeout, ErrCodeNotAllowedInPhase, ErrCodeNotFound:
		return CategoryRuntime
	case ErrCodeInvalidArgument, ErrCodeDuplicateRegistration:
		return CategoryProgrammer
	case ErrCodeInvalidGraph:
		return CategoryDefinition
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeInvalidArgument:       "invalid argument",
	ErrCodeNotConnected:          "no destination connected",
	ErrCodeAlreadyClosed:         "already closed",
	ErrCodeTimeout:               "operation timed out",
	ErrCodeInvalidGraph:          "invalid graph definition",
	ErrCodeDuplicateRegistration: "duplicate registration",
	ErrCodeNotAllowedInPhase:     "not allowed in current phase",
	ErrCodeNotFound:              "not found",
	ErrCodeInternal:              "internal error",
	ErrCodePanic:                 "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
