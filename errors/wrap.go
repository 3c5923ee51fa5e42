package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a GovernanceError, it wraps it with the new message.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	// If it's already a GovernanceError, preserve its properties
	var govErr *Error
	if errors.As(err, &govErr) {
		wrapped := &Error{
			code:      govErr.code,
			category:  govErr.category,
			message:   message,
			cause:     err,
			metadata:  govErr.Metadata(),
			retryable: govErr.retryable,
			agentID:   govErr.agentID,
			sessionID: govErr.sessionID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	// Check for context errors
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	// Default to internal error for unknown errors
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

// AsGovernanceError attempts to extract a GovernanceError from an error chain.
// Returns nil if none is found.
func AsGovernanceError(err error) GovernanceError {
	var govErr *Error
	if errors.As(err, &govErr) {
		return govErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var govErr *Error
	if errors.As(err, &govErr) {
		return govErr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var govErr *Error
	if errors.As(err, &govErr) {
		return govErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var govErr *Error
	if errors.As(err, &govErr) {
		return govErr.Retryable()
	}
	// Default to not retryable for plain errors
	return false
}

// IsNotFound checks for the not-found code.
func IsNotFound(err error) bool {
	return Is(err, ErrCodeNotFound)
}

// IsInvalidState checks for the invalid-state code.
func IsInvalidState(err error) bool {
	return Is(err, ErrCodeInvalidState)
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not a GovernanceError.
func Code(err error) ErrorCode {
	var govErr *Error
	if errors.As(err, &govErr) {
		return govErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
// Returns empty string if err is not a GovernanceError.
func Category(err error) ErrorCategory {
	var govErr *Error
	if errors.As(err, &govErr) {
		return govErr.category
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
// Uses errors.Join from the standard library.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Collect gathers multiple errors into a slice, filtering nils.
func Collect(errs ...error) []error {
	var result []error
	for _, err := range errs {
		if err != nil {
			result = append(result, err)
		}
	}
	return result
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
