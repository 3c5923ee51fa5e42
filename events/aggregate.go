package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/errors"
)

// aggregator accumulates matching events over a sliding time window.
type aggregator struct {
	def AggregatorDef

	mu      sync.Mutex
	samples []sample
}

type sample struct {
	at    time.Time
	value float64
	hasV  bool
}

// AggregatorDef declares what an aggregator counts. EventType is matched
// exactly ("" matches any); Field optionally names a numeric payload
// field to summarize.
type AggregatorDef struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	EventType string        `json:"event_type,omitempty"`
	Field     string        `json:"field,omitempty"`
	Window    time.Duration `json:"window"`
	CreatedAt time.Time     `json:"created_at"`
}

// AggregationResults summarizes the events observed inside the window.
type AggregationResults struct {
	AggregatorID string        `json:"aggregator_id"`
	Window       time.Duration `json:"window"`
	Count        int           `json:"count"`
	Sum          float64       `json:"sum"`
	Min          float64       `json:"min"`
	Max          float64       `json:"max"`
	Avg          float64       `json:"avg"`
	WindowStart  time.Time     `json:"window_start"`
	WindowEnd    time.Time     `json:"window_end"`
}

// CreateAggregator registers a windowed aggregator.
func (b *Bus) CreateAggregator(name, eventType, field string, window time.Duration) (*AggregatorDef, error) {
	if window <= 0 {
		return nil, errors.InvalidInput("window must be positive")
	}
	def := AggregatorDef{
		ID:        uuid.NewString(),
		Name:      name,
		EventType: eventType,
		Field:     field,
		Window:    window,
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.InvalidState("event bus closed")
	}
	b.aggs[def.ID] = &aggregator{def: def}
	return &def, nil
}

// DeleteAggregator removes an aggregator and its accumulated window.
func (b *Bus) DeleteAggregator(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.aggs[id]; !ok {
		return errors.NotFound(fmt.Sprintf("aggregator %s not found", id))
	}
	delete(b.aggs, id)
	return nil
}

// ListAggregators returns all aggregator definitions.
func (b *Bus) ListAggregators() []AggregatorDef {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]AggregatorDef, 0, len(b.aggs))
	for _, a := range b.aggs {
		out = append(out, a.def)
	}
	return out
}

// GetAggregationResults summarizes the aggregator's current window.
func (b *Bus) GetAggregationResults(id string) (*AggregationResults, error) {
	b.mu.RLock()
	a, ok := b.aggs[id]
	b.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("aggregator %s not found", id))
	}

	now := time.Now()
	cutoff := now.Add(-a.def.Window)

	a.mu.Lock()
	a.trim(cutoff)
	res := &AggregationResults{
		AggregatorID: a.def.ID,
		Window:       a.def.Window,
		WindowStart:  cutoff,
		WindowEnd:    now,
	}
	valued := 0
	for _, s := range a.samples {
		res.Count++
		if !s.hasV {
			continue
		}
		valued++
		if valued == 1 || s.value < res.Min {
			res.Min = s.value
		}
		if valued == 1 || s.value > res.Max {
			res.Max = s.value
		}
		res.Sum += s.value
	}
	a.mu.Unlock()

	if valued > 0 {
		res.Avg = res.Sum / float64(valued)
	}
	return res, nil
}

// observe records a matching event into the window.
func (a *aggregator) observe(evt *GovernanceEvent) {
	if a.def.EventType != "" && a.def.EventType != evt.Type {
		return
	}

	s := sample{at: evt.Timestamp}
	if a.def.Field != "" && evt.Payload != nil {
		if v, ok := asFloat(evt.Payload[a.def.Field]); ok {
			s.value = v
			s.hasV = true
		}
	}

	a.mu.Lock()
	a.samples = append(a.samples, s)
	a.trim(time.Now().Add(-a.def.Window))
	a.mu.Unlock()
}

// trim drops samples older than the cutoff. Caller holds a.mu.
func (a *aggregator) trim(cutoff time.Time) {
	i := 0
	for ; i < len(a.samples); i++ {
		if !a.samples[i].at.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		a.samples = a.samples[i:]
	}
}
