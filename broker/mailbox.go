package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/govkit/govkit/errors"
)

// mailboxEntry is one direct message with its expiry.
type mailboxEntry struct {
	msg       *Message
	expiresAt time.Time // zero means no expiry
}

// mailbox is an ordered list of direct messages for one agent.
// High and critical priority messages are prepended.
type mailbox struct {
	mu      sync.Mutex
	agentID string
	entries []mailboxEntry
}

// mailboxSet owns all per-agent mailboxes.
type mailboxSet struct {
	mu         sync.RWMutex
	boxes      map[string]*mailbox
	defaultTTL time.Duration
}

func newMailboxSet(defaultTTL time.Duration) *mailboxSet {
	return &mailboxSet{
		boxes:      make(map[string]*mailbox),
		defaultTTL: defaultTTL,
	}
}

// get returns the mailbox for an agent, creating it on first use.
func (ms *mailboxSet) get(agentID string) *mailbox {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	box, ok := ms.boxes[agentID]
	if !ok {
		box = &mailbox{agentID: agentID}
		ms.boxes[agentID] = box
	}
	return box
}

// backlog counts undelivered, unexpired entries across all mailboxes.
func (ms *mailboxSet) backlog() int {
	ms.mu.RLock()
	boxes := make([]*mailbox, 0, len(ms.boxes))
	for _, b := range ms.boxes {
		boxes = append(boxes, b)
	}
	ms.mu.RUnlock()

	now := time.Now()
	total := 0
	for _, box := range boxes {
		box.mu.Lock()
		for _, e := range box.entries {
			if e.expiresAt.IsZero() || e.expiresAt.After(now) {
				total++
			}
		}
		box.mu.Unlock()
	}
	return total
}

// SendDirect places a message in the target agent's mailbox. High and
// critical priorities are prepended; others are appended. A TTL (from
// options or the broker default) expires undelivered entries.
func (b *Broker) SendDirect(targetAgent string, payload []byte, opts PublishOptions) (*Confirmation, error) {
	if targetAgent == "" {
		return nil, errors.InvalidInput("empty target agent")
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, errors.InvalidState("broker closed")
	}

	msg := b.newMessage("direct."+targetAgent, payload, opts)

	ttl := opts.TTL
	if ttl == 0 {
		ttl = b.mailboxes.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	box := b.mailboxes.get(targetAgent)
	box.mu.Lock()
	entry := mailboxEntry{msg: msg, expiresAt: expiresAt}
	if msg.Priority.urgent() {
		box.entries = append([]mailboxEntry{entry}, box.entries...)
	} else {
		box.entries = append(box.entries, entry)
	}
	box.mu.Unlock()

	b.published.Add(1)
	b.met.MessagesPublished.WithLabelValues("direct", "mailbox").Inc()

	return &Confirmation{
		MessageID: msg.ID,
		Topic:     msg.Topic,
		Timestamp: msg.PublishedAt,
	}, nil
}

// ReceiveDirect pops the next unexpired message from an agent's mailbox.
// Returns not-found when the mailbox is empty.
func (b *Broker) ReceiveDirect(agentID string) (*Message, error) {
	if agentID == "" {
		return nil, errors.InvalidInput("empty agent id")
	}

	box := b.mailboxes.get(agentID)
	box.mu.Lock()
	defer box.mu.Unlock()

	now := time.Now()
	for len(box.entries) > 0 {
		entry := box.entries[0]
		box.entries = box.entries[1:]
		if !entry.expiresAt.IsZero() && !entry.expiresAt.After(now) {
			continue // expired, drop and keep looking
		}
		b.delivered.Add(1)
		b.met.MessagesDelivered.WithLabelValues("direct").Inc()
		return entry.msg, nil
	}
	return nil, errors.NotFound(fmt.Sprintf("mailbox for %s is empty", agentID))
}

// PeekMailbox returns the unexpired mailbox contents without consuming them.
func (b *Broker) PeekMailbox(agentID string) []*Message {
	box := b.mailboxes.get(agentID)
	box.mu.Lock()
	defer box.mu.Unlock()

	now := time.Now()
	var out []*Message
	for _, e := range box.entries {
		if e.expiresAt.IsZero() || e.expiresAt.After(now) {
			out = append(out, e.msg)
		}
	}
	return out
}

// DrainMailbox removes and returns all unexpired messages for an agent.
func (b *Broker) DrainMailbox(agentID string) []*Message {
	box := b.mailboxes.get(agentID)
	box.mu.Lock()
	entries := box.entries
	box.entries = nil
	box.mu.Unlock()

	now := time.Now()
	var out []*Message
	for _, e := range entries {
		if e.expiresAt.IsZero() || e.expiresAt.After(now) {
			out = append(out, e.msg)
			b.delivered.Add(1)
		}
	}
	return out
}
