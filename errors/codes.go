package errors

// ErrorCategory classifies errors by their retry semantics.
type ErrorCategory string

const (
	// CategoryTemporary marks failures where a later attempt may succeed.
	// Examples: timeouts, rate limiting, an open circuit.
	CategoryTemporary ErrorCategory = "TEMPORARY"

	// CategoryPermanent marks failures where retrying will not help.
	// Examples: malformed messages, unknown targets, illegal transitions.
	CategoryPermanent ErrorCategory = "PERMANENT"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTemporary
}

// Severity grades how loudly an error should be surfaced.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorCode identifies a specific failure within the taxonomy.
type ErrorCode string

const (
	ErrCodeValidation        ErrorCode = "VALIDATION"         // Malformed or missing fields
	ErrCodeProcessing        ErrorCode = "PROCESSING"         // Handler-level failure
	ErrCodeTimeout           ErrorCode = "TIMEOUT"            // No reply within budget
	ErrCodeRouting           ErrorCode = "ROUTING"            // No subscriber or unknown target
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"       // Rate budget exhausted
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"       // Target breaker is open
	ErrCodeSystem            ErrorCode = "SYSTEM"             // Persistence or resource exhaustion
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION" // Illegal state machine move
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"          // Unknown message, workflow or checkpoint
	ErrCodeCanceled          ErrorCode = "CANCELED"           // Operation canceled
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
// PROCESSING defaults to permanent; callers override it when the cause is transient.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeRateLimited, ErrCodeCircuitOpen, ErrCodeSystem:
		return CategoryTemporary
	default:
		return CategoryPermanent
	}
}

// DefaultSeverity returns the severity used when none is given.
func (c ErrorCode) DefaultSeverity() Severity {
	switch c {
	case ErrCodeSystem:
		return SeverityHigh
	case ErrCodeProcessing, ErrCodeRouting, ErrCodeTimeout:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeValidation:        "message failed validation",
	ErrCodeProcessing:        "handler failed to process message",
	ErrCodeTimeout:           "no reply within timeout",
	ErrCodeRouting:           "no route to target",
	ErrCodeRateLimited:       "rate limit exceeded",
	ErrCodeCircuitOpen:       "circuit breaker open",
	ErrCodeSystem:            "system error",
	ErrCodeInvalidTransition: "invalid state transition",
	ErrCodeNotFound:          "not found",
	ErrCodeCanceled:          "operation canceled",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

var suggestedActions = map[ErrorCode]string{
	ErrCodeValidation:        "fix the message and resend",
	ErrCodeTimeout:           "retry with backoff",
	ErrCodeRouting:           "check that the target agent is registered",
	ErrCodeRateLimited:       "retry after the suggested delay",
	ErrCodeCircuitOpen:       "retry after the breaker cooldown",
	ErrCodeSystem:            "retry later",
	ErrCodeInvalidTransition: "inspect workflow status before transitioning",
}

// SuggestedAction returns the default remediation hint for the code.
func (c ErrorCode) SuggestedAction() string {
	return suggestedActions[c]
}
