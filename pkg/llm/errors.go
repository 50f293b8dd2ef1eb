package llm

import (
	"context"
	"errors"
	"fmt"
)

// Error wraps a provider failure with retry classification. Rate limits,
// 5xx responses, and timeouts are retryable; validation and auth failures
// are fatal.
type Error struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v (code: %s, retryable: %v)", e.Provider, e.Err, e.Code, e.Retryable)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying. Unclassified errors
// (network failures and the like) default to retryable.
func IsRetryable(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable
	}
	return true
}

// classifyStatus wraps err with retryability derived from the HTTP status
// the provider returned.
func classifyStatus(provider string, status int, err error) error {
	return &Error{
		Provider:  provider,
		Code:      fmt.Sprintf("%d", status),
		Retryable: status == 429 || status >= 500,
		Err:       err,
	}
}

// classifyErr wraps a non-HTTP failure. Context deadline and cancellation
// are retryable: the run can be picked up again.
func classifyErr(provider string, err error) error {
	code := "unknown"
	if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	} else if errors.Is(err, context.Canceled) {
		code = "cancelled"
	}
	return &Error{Provider: provider, Code: code, Retryable: true, Err: err}
}
