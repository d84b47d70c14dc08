// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (session, viewer, server, auth, storage)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by the desktop UI for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Session domain - PTY and process errors
	CodeSessionSpawnFailed  = "session.spawn_failed"  // Could not allocate a PTY or start the shell
	CodeSessionWriteFailed  = "session.write_failed"  // Input could not be delivered to the PTY
	CodeSessionNotFound     = "session.not_found"     // Session ID does not exist or is already closed
	CodeSessionLimitReached = "session.limit_reached" // Maximum number of live sessions reached
	CodeSessionResizeFailed = "session.resize_failed" // Window size could not be applied

	// Viewer domain - fan-out delivery errors
	CodeViewerDeliveryFailed = "viewer.delivery_failed" // A single viewer's sink rejected a write

	// Server domain - WebSocket and network errors
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid message
	CodeServerHandlerMissing = "server.handler_missing" // No handler for message type

	// Input domain - terminal input errors
	CodeInputRateLimited = "input.rate_limited" // Too many input messages per second

	// Auth domain - viewer token authentication
	CodeAuthRequired = "auth.required" // Authentication required
	CodeAuthInvalid  = "auth.invalid"  // Invalid or revoked token

	// Storage domain - database and persistence errors
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed

	// General domain - catch-all errors
	CodeUnknown = "error.unknown" // Unknown error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// SpawnFailed creates a "session.spawn_failed" error.
// No session record exists after this error; the caller may retry manually.
func SpawnFailed(workdir string, cause error) *CodedError {
	return Wrap(CodeSessionSpawnFailed, fmt.Sprintf("failed to start terminal in %s", workdir), cause)
}

// WriteFailed creates a "session.write_failed" error.
// The session stays open; input is not retried.
func WriteFailed(sessionID string, cause error) *CodedError {
	return Wrap(CodeSessionWriteFailed, fmt.Sprintf("failed to write to session %s", sessionID), cause)
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(sessionID string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
}

// ViewerNotFound creates a "session.not_found" error for a viewer that is
// not registered on an existing session.
func ViewerNotFound(sessionID, viewerID string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("viewer %s is not attached to session %s", viewerID, sessionID))
}

// LimitReached creates a "session.limit_reached" error.
func LimitReached(max int) *CodedError {
	return New(CodeSessionLimitReached, fmt.Sprintf("maximum of %d sessions reached", max))
}

// ResizeFailed creates a "session.resize_failed" error.
func ResizeFailed(sessionID string, cause error) *CodedError {
	return Wrap(CodeSessionResizeFailed, fmt.Sprintf("failed to resize session %s", sessionID), cause)
}

// DeliveryFailed creates a "viewer.delivery_failed" error.
// These never propagate past the broadcaster; they are logged and dropped.
func DeliveryFailed(sessionID, viewerID string, cause error) *CodedError {
	return Wrap(CodeViewerDeliveryFailed, fmt.Sprintf("delivery to viewer %s of session %s failed", viewerID, sessionID), cause)
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}
