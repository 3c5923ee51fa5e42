// Package events provides a typed governance event bus with pattern and
// filter subscriptions, durable named subscriptions, append-only event
// streams with replay, correlation tracking, and windowed aggregation.
//
// Live publishes and stream replays run through the same subscription
// matching pipeline, so replayed consumers see identical semantics. A
// panicking subscriber never blocks delivery to the others.
package events

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/config"
	"github.com/govkit/govkit/errors"
	"github.com/govkit/govkit/logging"
	"github.com/govkit/govkit/metrics"
)

// GovernanceEvent is an immutable event. Once stored to a stream it is
// never mutated; replay delivers the same record again.
type GovernanceEvent struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Domain        string                 `json:"domain,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
	Source        string                 `json:"source,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Handler processes a delivered event.
type Handler func(*GovernanceEvent)

// matcher decides whether a subscription wants an event.
type matcher interface {
	match(*GovernanceEvent) bool
}

// subscription is one live handler registration.
type subscription struct {
	id      string
	matcher matcher
	handler Handler
	stopped atomic.Bool
}

// Bus is the event system. The zero value is not usable; use New.
type Bus struct {
	cfg config.EventsConfig
	log *logging.Logger
	met *metrics.Metrics

	mu      sync.RWMutex
	subs    map[string]*subscription
	durable map[string]*durableSubscription
	streams map[string]*eventStream
	rules   map[string]*CorrelationRule
	aggs    map[string]*aggregator
	closed  bool

	correlations *correlationIndex

	published     atomic.Uint64
	publishErrors atomic.Uint64

	loopStop chan struct{}
	loopDone chan struct{}
}

// Options configures a Bus.
type Options struct {
	// Config supplies tunables. Zero value uses defaults.
	Config config.EventsConfig

	// Logger for lifecycle output. Defaults to a new logger.
	Logger *logging.Logger

	// Metrics collectors. Defaults to unregistered collectors.
	Metrics *metrics.Metrics
}

// New creates an event Bus and starts its correlation-rule loop.
func New(opts Options) *Bus {
	cfg := opts.Config
	if cfg.BufferSize <= 0 {
		cfg = config.Default().Events
	}
	log := opts.Logger
	if log == nil {
		log = logging.New()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.Nop()
	}

	b := &Bus{
		cfg:          cfg,
		log:          log.WithComponent("events"),
		met:          met,
		subs:         make(map[string]*subscription),
		durable:      make(map[string]*durableSubscription),
		streams:      make(map[string]*eventStream),
		rules:        make(map[string]*CorrelationRule),
		aggs:         make(map[string]*aggregator),
		correlations: newCorrelationIndex(),
		loopStop:     make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	go b.correlationLoop()
	return b
}

// validate rejects events that cannot be dispatched or stored.
func validate(evt *GovernanceEvent) error {
	if evt == nil {
		return errors.InvalidInput("nil event")
	}
	if evt.Type == "" {
		return errors.InvalidInput("event has no type")
	}
	return nil
}

// prepare fills in identity and timestamp for a new event.
func prepare(evt *GovernanceEvent) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
}

// Publish dispatches an event to all matching subscribers.
func (b *Bus) Publish(evt *GovernanceEvent) error {
	if err := validate(evt); err != nil {
		b.publishErrors.Add(1)
		b.met.PublishErrors.WithLabelValues("event").Inc()
		return err
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.publishErrors.Add(1)
		return errors.InvalidState("event bus closed")
	}

	prepare(evt)
	b.record(evt)
	b.dispatch(evt)

	b.published.Add(1)
	b.met.MessagesPublished.WithLabelValues(evt.Type, "event").Inc()
	return nil
}

// PublishBatch dispatches events in order, stopping at the first invalid
// one. Events already dispatched stay dispatched.
func (b *Bus) PublishBatch(evts []*GovernanceEvent) error {
	for i, evt := range evts {
		if err := b.Publish(evt); err != nil {
			return errors.Wrap(err, fmt.Sprintf("batch event %d", i))
		}
	}
	return nil
}

// PublishCorrelated stamps the correlation id before dispatching, so the
// event joins the correlation's ordered index.
func (b *Bus) PublishCorrelated(correlationID string, evt *GovernanceEvent) error {
	if correlationID == "" {
		return errors.InvalidInput("empty correlation id")
	}
	if evt != nil {
		evt.CorrelationID = correlationID
	}
	return b.Publish(evt)
}

// record indexes the event for correlation and aggregation.
func (b *Bus) record(evt *GovernanceEvent) {
	if evt.CorrelationID != "" {
		b.correlations.add(evt)
	}

	b.mu.RLock()
	aggs := make([]*aggregator, 0, len(b.aggs))
	for _, a := range b.aggs {
		aggs = append(aggs, a)
	}
	b.mu.RUnlock()
	for _, a := range aggs {
		a.observe(evt)
	}
}

// dispatch fans an event out to every matching subscription. Live and
// replayed events both come through here.
func (b *Bus) dispatch(evt *GovernanceEvent) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !sub.stopped.Load() && sub.matcher.match(evt) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(sub, evt)
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(sub *subscription, evt *GovernanceEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.HandlerPanic(evt.Type, r)
		}
	}()
	sub.handler(evt)
	b.met.MessagesDelivered.WithLabelValues(evt.Type).Inc()
}

// add registers a subscription under a fresh id.
func (b *Bus) add(m matcher, handler Handler) (string, error) {
	if handler == nil {
		return "", errors.InvalidInput("nil handler")
	}
	sub := &subscription{id: uuid.NewString(), matcher: m, handler: handler}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", errors.InvalidState("event bus closed")
	}
	b.subs[sub.id] = sub
	return sub.id, nil
}

// SubscribeToTypes delivers events whose type is in the given list.
func (b *Bus) SubscribeToTypes(types []string, handler Handler) (string, error) {
	if len(types) == 0 {
		return "", errors.InvalidInput("empty type list")
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return b.add(typeSetMatcher(set), handler)
}

// SubscribeToPattern delivers events whose type matches the pattern.
func (b *Bus) SubscribeToPattern(kind PatternKind, pattern string, handler Handler) (string, error) {
	m, err := newPatternMatcher(kind, pattern)
	if err != nil {
		return "", err
	}
	return b.add(m, handler)
}

// SubscribeWithFilter delivers events satisfying a structured filter.
func (b *Bus) SubscribeWithFilter(filter Filter, handler Handler) (string, error) {
	if err := filter.validate(); err != nil {
		return "", err
	}
	return b.add(&filter, handler)
}

// Unsubscribe cancels a live subscription.
func (b *Bus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
	}
	b.mu.Unlock()
	if !ok {
		return errors.NotFound(fmt.Sprintf("subscription %s not found", subscriptionID))
	}
	sub.stopped.Store(true)
	return nil
}

// Stats is a point-in-time snapshot of event system activity.
type Stats struct {
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
	Subscriptions int    `json:"subscriptions"`
	Durable       int    `json:"durable_subscriptions"`
	Streams       int    `json:"streams"`
	Correlations  int    `json:"correlations"`
}

// Stats returns a snapshot of activity counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		PublishErrors: b.publishErrors.Load(),
		Subscriptions: len(b.subs),
		Durable:       len(b.durable),
		Streams:       len(b.streams),
		Correlations:  b.correlations.count(),
	}
}

// Close stops the correlation loop and rejects further publishes.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.loopStop)
	<-b.loopDone
	return nil
}

// sortByTimestamp orders events ascending by timestamp, then by id for
// a stable order when timestamps collide.
func sortByTimestamp(evts []*GovernanceEvent) {
	sort.Slice(evts, func(i, j int) bool {
		if evts[i].Timestamp.Equal(evts[j].Timestamp) {
			return evts[i].ID < evts[j].ID
		}
		return evts[i].Timestamp.Before(evts[j].Timestamp)
	})
}
