package serviceerr

import (
	"errors"
	"fmt"
)

// Class is the closed set of failure categories the retry shell
// dispatches on. Every backend classifier maps its driver errors into
// exactly one of these.
type Class string

const (
	// ClassFatal covers misconfiguration and auth failures. Never retried.
	ClassFatal Class = "fatal"
	// ClassConnectionStale covers socket resets and server-side idle
	// disconnects. The cached handle is invalidated before the retry.
	ClassConnectionStale Class = "connection_stale"
	// ClassResourceLocked covers lock and timeout contention. Retried in
	// place on the same handle.
	ClassResourceLocked Class = "resource_locked"
	// ClassDataError covers malformed payloads and queries. Never retried.
	ClassDataError Class = "data_error"
	// ClassNotFound covers missing keys, rows, indexes and documents.
	// Facades translate it into an empty or false result, not an error.
	ClassNotFound Class = "not_found"
)

// Error is a classified backend failure. Op names the failing
// operation ("database.write", "queue.receive"), Cause keeps the
// driver error for logging and unwrapping.
type Error struct {
	Class   Class
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(class Class, op, message string) *Error {
	return &Error{Class: class, Op: op, Message: message}
}

// WithCause attaches the underlying driver error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Convenience constructors, one per class.

func Fatal(op, message string) *Error {
	return New(ClassFatal, op, message)
}

func Stale(op, message string) *Error {
	return New(ClassConnectionStale, op, message)
}

func Locked(op, message string) *Error {
	return New(ClassResourceLocked, op, message)
}

func Data(op, message string) *Error {
	return New(ClassDataError, op, message)
}

func NotFound(op, resource string) *Error {
	return New(ClassNotFound, op, fmt.Sprintf("%s not found", resource))
}

// ClassOf walks the error chain and returns the classification of the
// first classified error found. Unclassified errors are fatal: an
// error no mapping table knows about is never retried.
func ClassOf(err error) Class {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassFatal
}

// Is reports whether err carries the given class anywhere in its chain.
func Is(err error, class Class) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Class == class
	}
	return false
}

// RetriesExceededError is the terminal error raised when an operation
// stays retryable past its attempt bound. Last keeps the final
// classified failure.
type RetriesExceededError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("%s: retries exceeded after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *RetriesExceededError) Unwrap() error {
	return e.Last
}

// RetriesExceeded wraps the last failure of an exhausted retry loop.
func RetriesExceeded(op string, attempts int, last error) *RetriesExceededError {
	return &RetriesExceededError{Op: op, Attempts: attempts, Last: last}
}

// IsRetriesExceeded reports whether err is a terminal retry exhaustion.
func IsRetriesExceeded(err error) bool {
	var re *RetriesExceededError
	return errors.As(err, &re)
}
