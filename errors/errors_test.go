package errors

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	err := New(ErrCodeNotFound, "session missing")

	if err.Code() != ErrCodeNotFound {
		t.Errorf("Code() = %v, want %v", err.Code(), ErrCodeNotFound)
	}
	if err.Category() != CategoryPermanent {
		t.Errorf("Category() = %v, want %v", err.Category(), CategoryPermanent)
	}
	if err.Retryable() {
		t.Error("not-found should not be retryable")
	}
	if err.Error() != "session missing" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestDefaultCategories(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeTimeout, CategoryTransient},
		{ErrCodeAgentOffline, CategoryTransient},
		{ErrCodeNotFound, CategoryPermanent},
		{ErrCodeInvalidState, CategoryPermanent},
		{ErrCodeNotAllowed, CategoryPermanent},
		{ErrCodeConflict, CategoryPermanent},
		{ErrCodeCapacity, CategoryResource},
		{ErrCodeNoQuorum, CategoryResource},
		{ErrCodeExpired, CategoryResource},
		{ErrCodeInternal, CategoryInternal},
		{ErrCodePanic, CategoryInternal},
	}

	for _, tt := range tests {
		if got := tt.code.DefaultCategory(); got != tt.want {
			t.Errorf("%s: category = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestRetryableOverride(t *testing.T) {
	err := New(ErrCodeTimeout, "slow broker", WithRetryable(false))
	if err.Retryable() {
		t.Error("explicit override should win over category default")
	}
}

func TestWrapPreservesProperties(t *testing.T) {
	inner := New(ErrCodeNoQuorum, "2 of 5 voted",
		WithSessionID("sess-1"),
		WithMetadata("quorum", "0.5"))

	wrapped := Wrap(inner, "evaluating consensus")

	if wrapped.Code() != ErrCodeNoQuorum {
		t.Errorf("Code() = %v, want NO_QUORUM", wrapped.Code())
	}
	if wrapped.SessionID() != "sess-1" {
		t.Errorf("SessionID() = %q, want sess-1", wrapped.SessionID())
	}
	if wrapped.Metadata()["quorum"] != "0.5" {
		t.Error("metadata lost on wrap")
	}
	if wrapped.Unwrap() != inner {
		t.Error("Unwrap() should return the inner error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "ignored") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(fmt.Errorf("disk full"), "appending event")
	if wrapped.Code() != ErrCodeInternal {
		t.Errorf("plain errors should wrap as INTERNAL, got %v", wrapped.Code())
	}
}

func TestIsHelpers(t *testing.T) {
	err := SessionNotFound("sess-9")

	if !Is(err, ErrCodeNotFound) {
		t.Error("Is should match NOT_FOUND")
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should match")
	}
	if IsInvalidState(err) {
		t.Error("IsInvalidState should not match")
	}
	if Code(err) != ErrCodeNotFound {
		t.Errorf("Code() = %v", Code(err))
	}
}

func TestSessionTerminal(t *testing.T) {
	err := SessionTerminal("sess-2", "completed")
	if !IsInvalidState(err) {
		t.Error("terminal session error should be INVALID_STATE")
	}
	if err.Metadata()["status"] != "completed" {
		t.Error("status metadata missing")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	original := New(ErrCodeConflict, "opposing votes",
		WithSessionID("sess-3"),
		WithAgentID("agent-7"),
		WithMetadata("severity", "high"))

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Code() != ErrCodeConflict {
		t.Errorf("code = %v", decoded.Code())
	}
	if decoded.SessionID() != "sess-3" {
		t.Errorf("session = %q", decoded.SessionID())
	}
	if decoded.AgentID() != "agent-7" {
		t.Errorf("agent = %q", decoded.AgentID())
	}
	if decoded.Metadata()["severity"] != "high" {
		t.Error("metadata lost in round trip")
	}
}

func TestRecoverPanic(t *testing.T) {
	err := RecoverPanic("boom")
	if err.Code() != ErrCodePanic {
		t.Errorf("code = %v, want PANIC", err.Code())
	}
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should return nil")
	}
}

func TestCause(t *testing.T) {
	root := fmt.Errorf("root")
	err := Wrap(Wrap(root, "mid"), "outer")
	if Cause(err) != root {
		t.Errorf("Cause() = %v, want root", Cause(err))
	}
}
