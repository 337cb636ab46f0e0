package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// A structured error keeps its code and category; context errors become
// TIMEOUT or CANCELED; anything else becomes a PROCESSING error.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var mErr *Error
	if errors.As(err, &mErr) {
		wrapped := &Error{
			code:            mErr.code,
			category:        mErr.category,
			severity:        mErr.severity,
			message:         message,
			cause:           err,
			details:         mErr.Details(),
			retryable:       mErr.retryable,
			retryDelay:      mErr.retryDelay,
			maxRetries:      mErr.maxRetries,
			suggestedAction: mErr.suggestedAction,
			recovery:        mErr.recovery,
			timestamp:       mErr.timestamp,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeProcessing, message, append(opts, WithCause(err))...)
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

// As extracts a structured error from an error chain.
func As(err error) (*Error, bool) {
	var mErr *Error
	if errors.As(err, &mErr) {
		return mErr, true
	}
	return nil, false
}

// Is checks if the outermost structured error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	mErr, ok := As(err)
	return ok && mErr.code == code
}

// IsRetryable checks if the error is retryable.
// Plain errors are treated as not retryable; context deadlines are retryable.
func IsRetryable(err error) bool {
	if mErr, ok := As(err); ok {
		return mErr.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsTemporary checks if the error is in the TEMPORARY category.
func IsTemporary(err error) bool {
	mErr, ok := As(err)
	return ok && mErr.category == CategoryTemporary
}

// IsPermanent checks if the error is in the PERMANENT category.
func IsPermanent(err error) bool {
	mErr, ok := As(err)
	return ok && mErr.category == CategoryPermanent
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	if mErr, ok := As(err); ok {
		return mErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
func Category(err error) ErrorCategory {
	if mErr, ok := As(err); ok {
		return mErr.category
	}
	return ""
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into a PROCESSING error.
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
	return New(ErrCodeProcessing, "handler panic: "+message,
		WithDetail("panic_type", fmt.Sprintf("%T", recovered)),
		WithSeverity(SeverityHigh))
}
