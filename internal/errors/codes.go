package errors

import (
	"context"
	"errors"
	"strings"
)

// Error codes. The prefix encodes the category; retryability is derived
// from the code in isRetryableCode.
const (
	// Configuration errors (fatal at startup).
	ErrCodeConfigMissing = "ERR_CONFIG_MISSING"
	ErrCodeConfigInvalid = "ERR_CONFIG_INVALID"

	// Transport errors (retried by the scheduler).
	ErrCodeTransport        = "ERR_TRANSPORT"
	ErrCodeTransportTimeout = "ERR_TRANSPORT_TIMEOUT"
	ErrCodeRateLimited      = "ERR_TRANSPORT_RATE_LIMITED"

	// Provider errors (surface immediately, never retried).
	ErrCodeProviderAuth    = "ERR_PROVIDER_AUTH"
	ErrCodeProviderRequest = "ERR_PROVIDER_REQUEST"
	ErrCodeProviderModel   = "ERR_PROVIDER_MODEL"

	// Per-file parse/chunk errors (file skipped, pipeline continues).
	ErrCodeParse = "ERR_PARSE"

	// Store errors (run aborts, next run reconciles).
	ErrCodeStore        = "ERR_STORE"
	ErrCodeStoreMissing = "ERR_STORE_TABLE_MISSING"

	// Invariant violations (fatal).
	ErrCodeInvariant = "ERR_INVARIANT"

	// Cancellation.
	ErrCodeCanceled = "ERR_CANCELED"
)

// errCanceled is the sentinel for cancellation matching via errors.Is.
var errCanceled = &Error{Code: ErrCodeCanceled}

// Canceled wraps a context error in the cancellation code.
func Canceled(cause error) *Error {
	return New(ErrCodeCanceled, "operation canceled", cause)
}

func categoryFromCode(code string) Category {
	switch {
	case strings.HasPrefix(code, "ERR_CONFIG"):
		return CategoryConfig
	case strings.HasPrefix(code, "ERR_TRANSPORT"):
		return CategoryTransport
	case strings.HasPrefix(code, "ERR_PROVIDER"):
		return CategoryProvider
	case code == ErrCodeParse:
		return CategoryParse
	case strings.HasPrefix(code, "ERR_STORE"):
		return CategoryStore
	default:
		return CategoryInvariant
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeTransport, ErrCodeTransportTimeout, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
