package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: broker timeouts, an agent that is momentarily unreachable.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown session, vote cast by a non-participant.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates capacity or quota issues.
	// Examples: not enough healthy participants for quorum, insufficient
	// nodes for the requested fault tolerance.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for governance coordination failures.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Backing broker/store unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Network connectivity issue

	// Permanent errors
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Agent, session, stream, queue, or subscription does not exist
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"  // Operation attempted on a terminal or inactive entity
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed or invalid input
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS" // Duplicate registration or stream
	ErrCodeNotAllowed    ErrorCode = "NOT_ALLOWED"    // Revision/delegation disabled, or caller not a participant
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Operation was canceled

	// Resource errors
	ErrCodeCapacity  ErrorCode = "CAPACITY"   // Insufficient participants or nodes
	ErrCodeNoQuorum  ErrorCode = "NO_QUORUM"  // Quorum could not be reached
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT" // Rate limit exceeded
	ErrCodeExpired   ErrorCode = "EXPIRED"    // Deadline or TTL passed before resolution

	// Conflict errors
	ErrCodeConflict   ErrorCode = "CONFLICT"   // Opposing positions require resolution
	ErrCodeUnresolved ErrorCode = "UNRESOLVED" // Conflict resolution failed or was abandoned

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic

	// Coordination errors
	ErrCodeAgentOffline ErrorCode = "AGENT_OFFLINE" // Target agent is offline
	ErrCodeCoordination ErrorCode = "COORDINATION"  // Cross-subsystem coordination failure
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeAgentOffline, ErrCodeCoordination:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeInvalidState, ErrCodeInvalidInput, ErrCodeAlreadyExists,
		ErrCodeNotAllowed, ErrCodeCanceled, ErrCodeConflict, ErrCodeUnresolved:
		return CategoryPermanent

	case ErrCodeCapacity, ErrCodeNoQuorum, ErrCodeRateLimit, ErrCodeExpired:
		return CategoryResource

	case ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:       "operation timed out",
	ErrCodeUnavailable:   "backing service temporarily unavailable",
	ErrCodeNetworkErr:    "network connectivity error",
	ErrCodeNotFound:      "resource not found",
	ErrCodeInvalidState:  "operation invalid in current state",
	ErrCodeInvalidInput:  "invalid input provided",
	ErrCodeAlreadyExists: "resource already exists",
	ErrCodeNotAllowed:    "operation not allowed by configuration",
	ErrCodeCanceled:      "operation canceled",
	ErrCodeCapacity:      "insufficient capacity",
	ErrCodeNoQuorum:      "quorum not reached",
	ErrCodeRateLimit:     "rate limit exceeded",
	ErrCodeExpired:       "deadline or TTL expired",
	ErrCodeConflict:      "conflicting positions detected",
	ErrCodeUnresolved:    "conflict could not be resolved",
	ErrCodeInternal:      "internal error",
	ErrCodePanic:         "recovered from panic",
	ErrCodeAgentOffline:  "agent is offline",
	ErrCodeCoordination:  "coordination failure",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
