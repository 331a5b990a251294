// Package errors provides the structured error type used across Mimir,
// plus retry helpers with exponential backoff.
package errors

import (
	"errors"
	"fmt"
)

// Category groups errors by propagation policy.
type Category string

const (
	// CategoryConfig marks configuration errors; fatal at startup.
	CategoryConfig Category = "config"
	// CategoryTransport marks network-level failures; retried by the scheduler.
	CategoryTransport Category = "transport"
	// CategoryProvider marks non-retryable provider rejections (auth, invalid request).
	CategoryProvider Category = "provider"
	// CategoryParse marks per-file parse/chunk failures; the pipeline skips the file.
	CategoryParse Category = "parse"
	// CategoryStore marks vector store failures; the run aborts.
	CategoryStore Category = "store"
	// CategoryInvariant marks internal consistency violations.
	CategoryInvariant Category = "invariant"
)

// Error is the structured error type for Mimir. It carries a stable code,
// a category that decides propagation, and a retryability flag consumed by
// the scheduler.
type Error struct {
	// Code is the unique error code (e.g. ErrCodeProviderAuth).
	Code string

	// Message is the human-readable error message.
	Message string

	// Category decides the propagation policy.
	Category Category

	// Retryable indicates whether the scheduler may retry the operation.
	Retryable bool

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so errors.Is works with sentinel *Error values.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail. Returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the given code and message. Category and
// retryability are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Retryable: isRetryableCode(code),
		Cause:     cause,
	}
}

// Newf creates an Error with a formatted message.
func Newf(code string, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an Error from an existing error, keeping its message.
// Returns nil if err is nil.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Wrapf creates an Error from an existing error with a formatted message
// prefix. Returns nil if err is nil.
func Wrapf(code string, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return New(code, fmt.Sprintf(format, args...)+": "+err.Error(), err)
}

// IsRetryable reports whether err may be retried. Plain errors (no *Error
// in the chain) are treated as retryable transport failures; explicit
// non-retryable codes and context cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Retryable
	}
	if errors.Is(err, errCanceled) || isContextError(err) {
		return false
	}
	return true
}

// CategoryOf returns the category of err, or CategoryTransport for plain errors.
func CategoryOf(err error) Category {
	var me *Error
	if errors.As(err, &me) {
		return me.Category
	}
	return CategoryTransport
}
