package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process deployments. Wildcard patterns are
// matched per publish, so in-memory behavior mirrors NATS.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        []*memorySub
	queueGroups map[string]map[string][]*memorySub // pattern -> queue -> subs
	rrIndex     map[string]int                     // pattern+queue -> round-robin cursor
	closed      atomic.Bool

	// For request/reply
	replyMu   sync.Mutex
	replySubs map[string]chan *Message
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		queueGroups: make(map[string]map[string][]*memorySub),
		rrIndex:     make(map[string]int),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	return b.PublishMsg(&Message{Subject: subject, Data: data})
}

// PublishMsg sends a message with headers to all matching subscribers.
func (b *MemoryBus) PublishMsg(msg *Message) error {
	if err := ValidatePublishSubject(msg.Subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.deliverToSubscribers(msg)
	b.deliverToQueueGroups(msg)
	b.deliverToReply(msg)

	return nil
}

// deliverToSubscribers sends to every subscriber whose pattern matches.
func (b *MemoryBus) deliverToSubscribers(msg *Message) {
	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		if MatchSubject(sub.pattern, msg.Subject) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.closed.Load() {
			select {
			case sub.ch <- msg:
			default:
				// Buffer full, drop message
			}
		}
	}
}

// deliverToQueueGroups sends to one subscriber per matching queue group.
func (b *MemoryBus) deliverToQueueGroups(msg *Message) {
	b.mu.Lock()
	type pick struct {
		subs []*memorySub
		key  string
		idx  int
	}
	var picks []pick
	for pattern, queues := range b.queueGroups {
		if !MatchSubject(pattern, msg.Subject) {
			continue
		}
		for queue, qsubs := range queues {
			key := pattern + "|" + queue
			idx := b.rrIndex[key]
			b.rrIndex[key] = idx + 1
			picks = append(picks, pick{subs: qsubs, key: key, idx: idx})
		}
	}
	b.mu.Unlock()

	for _, p := range picks {
		b.deliverToOneInQueue(p.subs, p.idx, msg)
	}
}

// deliverToOneInQueue picks one live subscriber starting from the
// round-robin cursor, falling back to the next until one accepts.
func (b *MemoryBus) deliverToOneInQueue(subs []*memorySub, start int, msg *Message) {
	n := len(subs)
	for i := 0; i < n; i++ {
		sub := subs[(start+i)%n]
		if !sub.closed.Load() {
			select {
			case sub.ch <- msg:
				return
			default:
				continue
			}
		}
	}
}

// deliverToReply handles reply subjects for request/reply.
func (b *MemoryBus) deliverToReply(msg *Message) {
	b.replyMu.Lock()
	ch, ok := b.replySubs[msg.Subject]
	if ok {
		delete(b.replySubs, msg.Subject)
	}
	b.replyMu.Unlock()

	if ok {
		select {
		case ch <- msg:
		default:
		}
		close(ch)
	}
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string][]*memorySub)
	}
	b.queueGroups[subject][queue] = append(b.queueGroups[subject][queue], sub)
	b.mu.Unlock()

	return sub, nil
}

// Request sends a request and waits for reply.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidatePublishSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := "_INBOX." + uuid.NewString()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	msg := &Message{
		Subject:   subject,
		Data:      data,
		Reply:     replySubject,
		Timestamp: time.Now(),
	}

	b.deliverToSubscribers(msg)
	b.deliverToQueueGroups(msg)

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
		return nil, ErrTimeout
	}
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}

	for _, queues := range b.queueGroups {
		for _, subs := range queues {
			for _, sub := range subs {
				if !sub.closed.Swap(true) {
					close(sub.ch)
				}
			}
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.queue == "" {
		s.bus.removeSub(s)
	} else {
		s.bus.removeQueueSub(s)
	}

	close(s.ch)
	return nil
}

// removeSub removes a regular subscription.
func (b *MemoryBus) removeSub(target *memorySub) {
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// removeQueueSub removes a queue subscription.
func (b *MemoryBus) removeQueueSub(target *memorySub) {
	if b.queueGroups[target.pattern] == nil {
		return
	}
	subs := b.queueGroups[target.pattern][target.queue]
	for i, sub := range subs {
		if sub == target {
			b.queueGroups[target.pattern][target.queue] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
