// Package bus provides the backing-broker abstraction for the governance layer.
//
// The MessageBus interface covers fire-and-forget pub/sub and request/reply
// over pluggable backends (NATS, in-memory). Durable stream delivery lives in
// the broker package; this layer is transport only. All implementations use
// channel-based APIs for Go-idiomatic concurrent use.
package bus

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Header carries transport metadata (correlation id, priority, etc.).
	Header map[string]string

	// Reply is the reply subject for request/reply pattern.
	// Empty for regular pub/sub messages.
	Reply string

	// Timestamp is when the bus accepted the message.
	Timestamp time.Time
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// PublishMsg sends a message with headers.
	PublishMsg(msg *Message) error

	// Subscribe creates a subscription to a subject. Subjects may use
	// NATS-style wildcards: "*" matches one token, ">" matches the rest.
	// All matching subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request sends a request and waits for a single reply.
	// Returns ErrTimeout if no reply within timeout.
	Request(subject string, data []byte, timeout time.Duration) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription. Idempotent; no new deliveries
	// start after it returns.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks if a subject is valid. Wildcard tokens are allowed
// in subscription subjects; ">" must be the final token.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" {
			return ErrInvalidSubject
		}
		if tok == ">" && i != len(tokens)-1 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// ValidatePublishSubject checks a subject used for publishing, where
// wildcards are not allowed.
func ValidatePublishSubject(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if strings.Contains(subject, "*") || strings.Contains(subject, ">") {
		return ErrInvalidSubject
	}
	return nil
}

// MatchSubject reports whether a concrete subject matches a subscription
// pattern, honoring "*" (one token) and ">" (one or more trailing tokens).
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, pt := range pTokens {
		if pt == ">" {
			return len(sTokens) > i
		}
		if i >= len(sTokens) {
			return false
		}
		if pt != "*" && pt != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
