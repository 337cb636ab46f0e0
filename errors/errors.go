package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error is the structured error carried through the bus. It maps one to one
// onto the body of an ERROR message.
type Error struct {
	code            ErrorCode
	category        ErrorCategory
	severity        Severity
	message         string
	cause           error
	details         map[string]any
	retryable       *bool // nil means use the category default
	retryDelay      time.Duration
	maxRetries      int
	suggestedAction string
	recovery        string
	timestamp       time.Time
}

var (
	_ error            = (*Error)(nil)
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
func (e *Error) Code() ErrorCode { return e.code }

// Category returns the error category.
func (e *Error) Category() ErrorCategory { return e.category }

// Severity returns the error severity.
func (e *Error) Severity() Severity { return e.severity }

// Message returns the message without the cause chain.
func (e *Error) Message() string { return e.message }

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// RetryDelay is the delay the producer suggests before retrying.
func (e *Error) RetryDelay() time.Duration { return e.retryDelay }

// MaxRetries is the retry budget the producer suggests. Zero means unspecified.
func (e *Error) MaxRetries() int { return e.maxRetries }

// SuggestedAction returns a remediation hint.
func (e *Error) SuggestedAction() string {
	if e.suggestedAction != "" {
		return e.suggestedAction
	}
	return e.code.SuggestedAction()
}

// RecoveryStrategy names how the producer expects the failure to be recovered.
func (e *Error) RecoveryStrategy() string { return e.recovery }

// Timestamp returns when the error was created.
func (e *Error) Timestamp() time.Time { return e.timestamp }

// Details returns a copy of the diagnostic details.
func (e *Error) Details() map[string]any {
	result := make(map[string]any, len(e.details))
	for k, v := range e.details {
		result[k] = v
	}
	return result
}

// With returns a copy of e with opts applied. e is not modified.
func (e *Error) With(opts ...Option) *Error {
	c := *e
	c.details = e.Details()
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

type errorJSON struct {
	Code             ErrorCode      `json:"error_code"`
	Category         ErrorCategory  `json:"category"`
	Severity         Severity       `json:"error_severity,omitempty"`
	Message          string         `json:"error_message"`
	Cause            string         `json:"cause,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
	Retryable        bool           `json:"retry_possible"`
	RetryDelayMS     int64          `json:"retry_delay_ms,omitempty"`
	MaxRetries       int            `json:"max_retries,omitempty"`
	SuggestedAction  string         `json:"suggested_action,omitempty"`
	RecoveryStrategy string         `json:"recovery_strategy,omitempty"`
	Timestamp        string         `json:"timestamp,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:             e.code,
		Category:         e.category,
		Severity:         e.severity,
		Message:          e.message,
		Details:          e.details,
		Retryable:        e.Retryable(),
		RetryDelayMS:     e.retryDelay.Milliseconds(),
		MaxRetries:       e.maxRetries,
		SuggestedAction:  e.suggestedAction,
		RecoveryStrategy: e.recovery,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
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
	e.severity = j.Severity
	e.message = j.Message
	e.details = j.Details
	e.retryDelay = time.Duration(j.RetryDelayMS) * time.Millisecond
	e.maxRetries = j.MaxRetries
	e.suggestedAction = j.SuggestedAction
	e.recovery = j.RecoveryStrategy
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
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

// WithSeverity overrides the default severity.
func WithSeverity(s Severity) Option {
	return func(e *Error) {
		e.severity = s
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithRetryDelay sets the suggested delay before retrying.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Error) {
		e.retryDelay = d
	}
}

// WithMaxRetries sets the suggested retry budget.
func WithMaxRetries(n int) Option {
	return func(e *Error) {
		e.maxRetries = n
	}
}

// WithSuggestedAction sets the remediation hint.
func WithSuggestedAction(action string) Option {
	return func(e *Error) {
		e.suggestedAction = action
	}
}

// WithRecoveryStrategy names the expected recovery strategy.
func WithRecoveryStrategy(strategy string) Option {
	return func(e *Error) {
		e.recovery = strategy
	}
}

// WithDetail adds one diagnostic detail.
func WithDetail(key string, value any) Option {
	return func(e *Error) {
		if e.details == nil {
			e.details = make(map[string]any)
		}
		e.details[key] = value
	}
}

// WithDetails adds several diagnostic details.
func WithDetails(m map[string]any) Option {
	return func(e *Error) {
		if e.details == nil {
			e.details = make(map[string]any, len(m))
		}
		for k, v := range m {
			e.details[k] = v
		}
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
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
		code:      code,
		category:  code.DefaultCategory(),
		severity:  code.DefaultSeverity(),
		message:   message,
		timestamp: time.Now(),
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

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Validation creates a validation error naming the offending field.
func Validation(field, message string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("field", field)}, opts...)
	return New(ErrCodeValidation, message, opts...)
}

// Processing creates a processing error.
func Processing(message string, opts ...Option) *Error {
	return New(ErrCodeProcessing, message, opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Routing creates a routing error for target.
func Routing(target string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("target", target)}, opts...)
	return New(ErrCodeRouting, fmt.Sprintf("no subscriber for target %q", target), opts...)
}

// RateLimited creates a rate limit error for target.
func RateLimited(target string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("target", target)}, opts...)
	return New(ErrCodeRateLimited, fmt.Sprintf("rate limit exceeded for %q", target), opts...)
}

// CircuitOpen creates a circuit-open error for target.
func CircuitOpen(target string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("target", target)}, opts...)
	return New(ErrCodeCircuitOpen, fmt.Sprintf("circuit open for %q", target), opts...)
}

// System creates a system error.
func System(message string, opts ...Option) *Error {
	return New(ErrCodeSystem, message, opts...)
}

// InvalidTransition creates an error for an illegal state move.
func InvalidTransition(from, to string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("from", from), WithDetail("to", to)}, opts...)
	return New(ErrCodeInvalidTransition, fmt.Sprintf("invalid transition %s -> %s", from, to), opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}
