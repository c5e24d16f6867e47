// Package errors provides the structured error taxonomy of the runtime.
//
// # Error Categories
//
//   - Runtime: well-defined conditions always returned to the caller
//     (NOT_CONNECTED, TIMEOUT, ALREADY_CLOSED, NOT_ALLOWED_IN_PHASE, NOT_FOUND)
//   - Programmer: caller misuse (INVALID_ARGUMENT, DUPLICATE_REGISTRATION)
//   - Definition: rejected graph definitions (INVALID_GRAPH)
//   - Internal: bugs and recovered panics
//
// # Usage
//
// Create a new error:
//
//	err := errors.NotConnected("ping")
//
// Check it by code or with the standard library:
//
//	if errors.Is(err, errors.ErrCodeNotConnected) { ... }
//	if stderrors.Is(err, errors.ErrNotConnected) { ... }
//
// Wrap with context, keeping the code:
//
//	wrapped := errors.Wrap(err, "dispatching ping")
//
// # JSON Serialization
//
// Errors marshal to JSON so a failure can travel inside a command result
// detail across the bridge:
//
//	data, err := json.Marshal(rtErr)
package errors
