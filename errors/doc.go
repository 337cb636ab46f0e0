// Package errors provides the structured error taxonomy shared by the bus,
// the reliability layer and the workflow engine.
//
// # Categories
//
// Every error is either TEMPORARY (a later attempt may succeed) or PERMANENT.
// Retry loops stop on the first permanent error.
//
// # Codes
//
//   - VALIDATION: malformed message, never retried
//   - PROCESSING: handler failure, category depends on cause
//   - TIMEOUT: no reply within budget
//   - ROUTING: no subscriber for target
//   - RATE_LIMITED, CIRCUIT_OPEN: admission rejected
//   - SYSTEM: persistence or resource exhaustion
//   - INVALID_TRANSITION: illegal workflow or status move
//   - NOT_FOUND, CANCELED
//
// # Usage
//
//	err := errors.New(errors.ErrCodeCircuitOpen, "target content is open",
//		errors.WithRetryDelay(5*time.Second))
//	if errors.IsTemporary(err) {
//		// back off and retry
//	}
//
// Errors serialize to JSON so they can travel inside ERROR message bodies.
package errors
