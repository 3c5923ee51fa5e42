package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
)

// RoutingCondition selects messages for a routing rule. All set fields
// must match (AND).
type RoutingCondition struct {
	// TopicPrefix matches messages published to topics with this prefix.
	TopicPrefix string `json:"topic_prefix,omitempty"`

	// HeaderEquals requires every listed header to equal the given value.
	HeaderEquals map[string]string `json:"header_equals,omitempty"`

	// MinPriority requires at least this priority (low < normal < high < critical).
	MinPriority Priority `json:"min_priority,omitempty"`
}

// RoutingAction says what to do with a matched message.
type RoutingAction struct {
	// ForwardTo republishes a copy to another topic.
	ForwardTo string `json:"forward_to"`

	// Persistent forwards onto the durable stream path.
	Persistent bool `json:"persistent,omitempty"`

	// SetHeaders adds headers to the forwarded copy.
	SetHeaders map[string]string `json:"set_headers,omitempty"`
}

// RoutingRule is a declarative condition → action pair evaluated against
// every published message, independent of subscriber topic names.
type RoutingRule struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Condition RoutingCondition `json:"condition"`
	Action    RoutingAction    `json:"action"`
	Enabled   bool             `json:"enabled"`
	CreatedAt time.Time        `json:"created_at"`
}

// priorityRank orders priorities for MinPriority comparisons.
var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// matches reports whether a message satisfies the condition.
func (c RoutingCondition) matches(msg *Message) bool {
	if c.TopicPrefix != "" && !strings.HasPrefix(msg.Topic, c.TopicPrefix) {
		return false
	}
	for k, want := range c.HeaderEquals {
		if msg.Headers[k] != want {
			return false
		}
	}
	if c.MinPriority != "" {
		if priorityRank[msg.Priority] < priorityRank[c.MinPriority] {
			return false
		}
	}
	return true
}

// AddRoutingRule registers a rule and returns it with an assigned id.
func (b *Broker) AddRoutingRule(name string, condition RoutingCondition, action RoutingAction) (*RoutingRule, error) {
	if action.ForwardTo == "" {
		return nil, errors.InvalidInput("routing rule needs a forward_to topic")
	}
	if err := validTopic(action.ForwardTo); err != nil {
		return nil, err
	}

	rule := &RoutingRule{
		ID:        uuid.NewString(),
		Name:      name,
		Condition: condition,
		Action:    action,
		Enabled:   true,
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.InvalidState("broker closed")
	}
	b.rules[rule.ID] = rule
	return rule, nil
}

// RemoveRoutingRule deletes a rule.
func (b *Broker) RemoveRoutingRule(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rules[id]; !ok {
		return errors.NotFound(fmt.Sprintf("routing rule %s not found", id))
	}
	delete(b.rules, id)
	return nil
}

// SetRoutingRuleEnabled toggles a rule without removing it.
func (b *Broker) SetRoutingRuleEnabled(id string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rule, ok := b.rules[id]
	if !ok {
		return errors.NotFound(fmt.Sprintf("routing rule %s not found", id))
	}
	rule.Enabled = enabled
	return nil
}

// ListRoutingRules returns all rules.
func (b *Broker) ListRoutingRules() []RoutingRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]RoutingRule, 0, len(b.rules))
	for _, r := range b.rules {
		out = append(out, *r)
	}
	return out
}

// applyRoutingRules forwards copies of a message per matching rule.
// Forwarded copies carry the routed header and are never routed again,
// so rule chains cannot loop.
func (b *Broker) applyRoutingRules(msg *Message, original PublishOptions) {
	b.mu.RLock()
	var matched []*RoutingRule
	for _, rule := range b.rules {
		if rule.Enabled && rule.Condition.matches(msg) {
			matched = append(matched, rule)
		}
	}
	b.mu.RUnlock()

	for _, rule := range matched {
		headers := make(map[string]string, len(msg.Headers)+len(rule.Action.SetHeaders)+1)
		for k, v := range msg.Headers {
			headers[k] = v
		}
		for k, v := range rule.Action.SetHeaders {
			headers[k] = v
		}
		headers[routedHeader] = rule.ID

		if _, err := b.Publish(rule.Action.ForwardTo, msg.Payload, PublishOptions{
			Persistent: rule.Action.Persistent,
			Priority:   msg.Priority,
			Headers:    headers,
		}); err != nil {
			b.log.Warn("routing_forward_failed", map[string]interface{}{
				"rule":  rule.Name,
				"to":    rule.Action.ForwardTo,
				"error": err.Error(),
			})
		}
	}
}
