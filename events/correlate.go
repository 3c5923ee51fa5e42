package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
)

// correlationMatchedType is emitted by the rule loop when a correlation
// group satisfies a rule.
const correlationMatchedType = "correlation.matched"

// correlationIndex keeps a per-correlation ordered list of events.
type correlationIndex struct {
	mu     sync.RWMutex
	groups map[string][]*GovernanceEvent
}

func newCorrelationIndex() *correlationIndex {
	return &correlationIndex{groups: make(map[string][]*GovernanceEvent)}
}

func (ci *correlationIndex) add(evt *GovernanceEvent) {
	ci.mu.Lock()
	ci.groups[evt.CorrelationID] = append(ci.groups[evt.CorrelationID], evt)
	ci.mu.Unlock()
}

func (ci *correlationIndex) get(id string) []*GovernanceEvent {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	group := ci.groups[id]
	out := make([]*GovernanceEvent, len(group))
	copy(out, group)
	return out
}

func (ci *correlationIndex) ids() []string {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	out := make([]string, 0, len(ci.groups))
	for id := range ci.groups {
		out = append(out, id)
	}
	return out
}

func (ci *correlationIndex) count() int {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return len(ci.groups)
}

// CorrelationResult is the answer to CorrelateEvents: the events inside
// the window, sorted by timestamp ascending, plus a completeness ratio
// (events in window / total events known for the correlation).
type CorrelationResult struct {
	CorrelationID string             `json:"correlation_id"`
	Events        []*GovernanceEvent `json:"events"`
	Total         int                `json:"total"`
	Completeness  float64            `json:"completeness"`
}

// CorrelateEvents returns the events recorded for a correlation id within
// an optional trailing time window. A zero window means all events, so
// completeness is 1.0 for any known correlation.
func (b *Bus) CorrelateEvents(correlationID string, window time.Duration) (*CorrelationResult, error) {
	if correlationID == "" {
		return nil, errors.InvalidInput("empty correlation id")
	}
	all := b.correlations.get(correlationID)
	if len(all) == 0 {
		return nil, errors.NotFound(fmt.Sprintf("correlation %s not found", correlationID))
	}

	var inWindow []*GovernanceEvent
	if window <= 0 {
		inWindow = all
	} else {
		cutoff := time.Now().Add(-window)
		for _, evt := range all {
			if !evt.Timestamp.Before(cutoff) {
				inWindow = append(inWindow, evt)
			}
		}
	}
	sortByTimestamp(inWindow)

	return &CorrelationResult{
		CorrelationID: correlationID,
		Events:        inWindow,
		Total:         len(all),
		Completeness:  float64(len(inWindow)) / float64(len(all)),
	}, nil
}

// CorrelationRule asks the background loop to watch for correlation
// groups reaching a minimum size, optionally constrained to an event
// type, and emit a correlation.matched event once per group.
type CorrelationRule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	EventType string    `json:"event_type,omitempty"` // empty matches any type
	MinEvents int       `json:"min_events"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`

	fired map[string]bool // correlation ids already reported
}

// AddCorrelationRule registers a rule for the background loop.
func (b *Bus) AddCorrelationRule(name, eventType string, minEvents int) (*CorrelationRule, error) {
	if minEvents <= 0 {
		return nil, errors.InvalidInput("min events must be positive")
	}
	rule := &CorrelationRule{
		ID:        uuid.NewString(),
		Name:      name,
		EventType: eventType,
		MinEvents: minEvents,
		Enabled:   true,
		CreatedAt: time.Now(),
		fired:     make(map[string]bool),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.InvalidState("event bus closed")
	}
	b.rules[rule.ID] = rule
	return rule, nil
}

// RemoveCorrelationRule deletes a rule.
func (b *Bus) RemoveCorrelationRule(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rules[id]; !ok {
		return errors.NotFound(fmt.Sprintf("correlation rule %s not found", id))
	}
	delete(b.rules, id)
	return nil
}

// SetCorrelationRuleEnabled toggles a rule without removing it.
func (b *Bus) SetCorrelationRuleEnabled(id string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rule, ok := b.rules[id]
	if !ok {
		return errors.NotFound(fmt.Sprintf("correlation rule %s not found", id))
	}
	rule.Enabled = enabled
	return nil
}

// ListCorrelationRules returns all rules.
func (b *Bus) ListCorrelationRules() []CorrelationRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CorrelationRule, 0, len(b.rules))
	for _, r := range b.rules {
		cp := *r
		cp.fired = nil
		out = append(out, cp)
	}
	return out
}

// correlationLoop periodically evaluates rules against the correlation
// index. One bad rule or group never stops the loop.
func (b *Bus) correlationLoop() {
	defer close(b.loopDone)
	interval := b.cfg.CorrelationInterval.Duration()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.loopStop:
			return
		case <-ticker.C:
			b.evaluateCorrelationRules()
		}
	}
}

// evaluateCorrelationRules emits a correlation.matched event for every
// (rule, correlation) pair that newly satisfies the rule.
func (b *Bus) evaluateCorrelationRules() {
	b.mu.RLock()
	rules := make([]*CorrelationRule, 0, len(b.rules))
	for _, r := range b.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	b.mu.RUnlock()
	if len(rules) == 0 {
		return
	}

	for _, id := range b.correlations.ids() {
		group := b.correlations.get(id)
		for _, rule := range rules {
			count := 0
			for _, evt := range group {
				if rule.EventType == "" || rule.EventType == evt.Type {
					count++
				}
			}
			if count < rule.MinEvents {
				continue
			}

			b.mu.Lock()
			fired := rule.fired[id]
			if !fired {
				rule.fired[id] = true
			}
			b.mu.Unlock()
			if fired {
				continue
			}

			evt := &GovernanceEvent{
				Type:          correlationMatchedType,
				CorrelationID: id,
				Source:        "events.correlation",
				Payload: map[string]interface{}{
					"rule":  rule.Name,
					"count": count,
				},
			}
			prepare(evt)
			b.dispatch(evt)
		}
	}
}
