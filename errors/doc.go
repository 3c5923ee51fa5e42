// Package errors provides a structured error taxonomy for agent governance
// coordination. It defines the error codes and categories used consistently
// across discovery, messaging, events, and consensus.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (broker outage, etc.)
//   - Permanent: Failures where retry will not help (unknown session, etc.)
//   - Resource: Capacity issues (no quorum, insufficient nodes, etc.)
//   - Internal: Unexpected errors indicating bugs or system failures
//
// # Error Codes
//
// Each error has a specific code that identifies the type of failure:
//
//   - NOT_FOUND: Agent, session, stream, queue, or subscription does not exist
//   - INVALID_STATE: Operation attempted on a terminal or inactive entity
//   - CAPACITY: Insufficient healthy participants or fault-tolerant nodes
//   - EXPIRED: Deadline or TTL passed before resolution
//   - CONFLICT: Opposing positions requiring resolution
//   - And more...
//
// # Usage
//
// Create a new error:
//
//	err := errors.InvalidState("session already completed")
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "casting vote")
//
// Check the failure class:
//
//	if errors.IsNotFound(err) {
//	    // surface to caller
//	}
//
// # JSON Serialization
//
// All errors support JSON serialization for cross-agent communication:
//
//	data, err := json.Marshal(govErr)
package errors
