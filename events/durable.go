package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/govkit/govkit/errors"
)

// durableSubscription is a named, checkpointed consumer of one stream.
// While active it receives every stored event; while paused nothing is
// delivered and the checkpoint stands still. Resume catches up from the
// checkpoint before going live again, so no stored event is missed.
type durableSubscription struct {
	name    string
	stream  string
	handler Handler

	// deliverMu serializes handler invocations so stored events reach
	// the handler in position order even when stores race.
	deliverMu sync.Mutex

	mu         sync.Mutex
	checkpoint uint64 // highest delivered position
	paused     bool
	created    time.Time
}

// DurableInfo describes a durable subscription.
type DurableInfo struct {
	Name       string    `json:"name"`
	Stream     string    `json:"stream"`
	Checkpoint uint64    `json:"checkpoint"`
	Paused     bool      `json:"paused"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateDurableSubscription attaches a named consumer to a stream.
// Delivery starts with the next stored event; use ResumeFromCheckpoint
// to rewind into history.
func (b *Bus) CreateDurableSubscription(name, stream string, handler Handler) error {
	if name == "" {
		return errors.InvalidInput("empty subscription name")
	}
	if handler == nil {
		return errors.InvalidInput("nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.InvalidState("event bus closed")
	}
	s, ok := b.streams[stream]
	if !ok {
		return errors.NotFound(fmt.Sprintf("stream %s not found", stream))
	}
	if _, exists := b.durable[name]; exists {
		return errors.New(errors.ErrCodeAlreadyExists, fmt.Sprintf("durable subscription %s already exists", name))
	}

	b.durable[name] = &durableSubscription{
		name:       name,
		stream:     stream,
		handler:    handler,
		checkpoint: s.nextPos,
		created:    time.Now(),
	}
	return nil
}

// DeleteDurableSubscription removes a named consumer.
func (b *Bus) DeleteDurableSubscription(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.durable[name]; !ok {
		return errors.NotFound(fmt.Sprintf("durable subscription %s not found", name))
	}
	delete(b.durable, name)
	return nil
}

// ListDurableSubscriptions returns all named consumers.
func (b *Bus) ListDurableSubscriptions() []DurableInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]DurableInfo, 0, len(b.durable))
	for _, d := range b.durable {
		d.mu.Lock()
		out = append(out, DurableInfo{
			Name:       d.name,
			Stream:     d.stream,
			Checkpoint: d.checkpoint,
			Paused:     d.paused,
			CreatedAt:  d.created,
		})
		d.mu.Unlock()
	}
	return out
}

// PauseDurableSubscription stops delivery; the checkpoint is retained.
func (b *Bus) PauseDurableSubscription(name string) error {
	d, err := b.durableByName(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	return nil
}

// ResumeDurableSubscription re-enables delivery, first catching up on
// events stored past the checkpoint while paused.
func (b *Bus) ResumeDurableSubscription(name string) error {
	d, err := b.durableByName(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	from := d.checkpoint + 1
	d.paused = false
	d.mu.Unlock()
	return b.catchUp(d, from)
}

// ResumeFromCheckpoint re-enables delivery from an explicit position,
// replaying stored history from that position onward.
func (b *Bus) ResumeFromCheckpoint(name string, position uint64) error {
	d, err := b.durableByName(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if position > 0 {
		d.checkpoint = position - 1
	} else {
		d.checkpoint = 0
	}
	from := d.checkpoint + 1
	d.paused = false
	d.mu.Unlock()
	return b.catchUp(d, from)
}

// DurableCheckpoint returns the highest delivered position for a named
// consumer.
func (b *Bus) DurableCheckpoint(name string) (uint64, error) {
	d, err := b.durableByName(name)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkpoint, nil
}

func (b *Bus) durableByName(name string) (*durableSubscription, error) {
	b.mu.RLock()
	d, ok := b.durable[name]
	b.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("durable subscription %s not found", name))
	}
	return d, nil
}

// catchUp delivers stored events from a position to the stream head.
func (b *Bus) catchUp(d *durableSubscription, from uint64) error {
	b.mu.RLock()
	s, ok := b.streams[d.stream]
	var entries []storedEvent
	if ok {
		entries = make([]storedEvent, len(s.entries))
		copy(entries, s.entries)
	}
	b.mu.RUnlock()
	if !ok {
		return errors.NotFound(fmt.Sprintf("stream %s not found", d.stream))
	}

	for _, e := range entries {
		if e.position < from {
			continue
		}
		d.offer(b, e.position, e.event)
	}
	return nil
}

// offer delivers one stored event if the subscription is active and the
// position advances the checkpoint. Stream appends are serialized but
// delivery happens after the append lock drops, so an offer can arrive
// with positions still undelivered below it; those are backfilled from
// the stream first so no stored event is ever skipped.
func (d *durableSubscription) offer(b *Bus, position uint64, evt *GovernanceEvent) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	for {
		d.mu.Lock()
		if d.paused || position <= d.checkpoint {
			d.mu.Unlock()
			return
		}
		next := d.checkpoint + 1
		d.checkpoint = next
		d.mu.Unlock()

		if next == position {
			d.deliver(b, evt)
			return
		}
		// A later append won the race to delivery. Every position below
		// it is already stored, so fill the gap in order. Entries trimmed
		// by the retention bound are skipped.
		if gap, ok := b.storedAt(d.stream, next); ok {
			d.deliver(b, gap)
		}
	}
}

// deliver invokes the handler with panic isolation.
func (d *durableSubscription) deliver(b *Bus, evt *GovernanceEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.HandlerPanic(evt.Type, r)
		}
	}()
	d.handler(evt)
}
