// Package broker provides topic publish-subscribe, durable stream delivery,
// direct agent-to-agent mailboxes, and declarative routing rules.
//
// Two delivery modes are selected per publish: best-effort broadcast
// (at-most-once fan-out over the backing bus) and durable streams
// (at-least-once, consumer groups, replay from checkpoint). Subscriber
// failures are isolated per handler; one failing subscriber never blocks
// delivery to others.
package broker

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/govkit/govkit/bus"
	"github.com/govkit/govkit/config"
	"github.com/govkit/govkit/errors"
	"github.com/govkit/govkit/logging"
	"github.com/govkit/govkit/metrics"
)

// subjectPrefix namespaces broker traffic on the backing bus.
const subjectPrefix = "broker.topic."

// routedHeader marks a message produced by a routing rule; such messages
// are not routed again.
const routedHeader = "x-routed-by"

// Priority orders direct-message mailbox insertion.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// urgent reports whether the priority prepends in mailboxes.
func (p Priority) urgent() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// DeliveryGuarantee names the delivery mode of a published message.
type DeliveryGuarantee string

const (
	AtMostOnce  DeliveryGuarantee = "at_most_once"
	AtLeastOnce DeliveryGuarantee = "at_least_once"
)

// Message is an immutable published message.
type Message struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Payload     []byte            `json:"payload"`
	Priority    Priority          `json:"priority"`
	Guarantee   DeliveryGuarantee `json:"guarantee"`
	TTL         time.Duration     `json:"ttl,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// PublishOptions controls a single publish.
type PublishOptions struct {
	// Persistent selects the durable stream path (at-least-once) instead
	// of best-effort broadcast.
	Persistent bool

	// Priority for direct/mailbox ordering. Default: normal.
	Priority Priority

	// TTL after which mailbox entries expire (direct messages only).
	TTL time.Duration

	// Headers to attach to the message.
	Headers map[string]string
}

// Confirmation is returned for every accepted publish.
type Confirmation struct {
	MessageID string    `json:"message_id"`
	Topic     string    `json:"topic"`
	Persisted bool      `json:"persisted"`
	Position  uint64    `json:"position,omitempty"` // stream position when persisted
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes a delivered message. Returning an error on a durable
// stream delivery causes redelivery of the same message.
type Handler func(*Message) error

// SubscribeOptions controls subscription behavior.
type SubscribeOptions struct {
	// Persistent consumes the topic's durable stream instead of the
	// best-effort broadcast path.
	Persistent bool

	// Group names the consumer group for durable consumption. Required
	// when Persistent is set.
	Group string

	// FromPosition resumes a durable group from an explicit checkpoint.
	// Zero means resume from the stored checkpoint (or the start).
	FromPosition uint64

	// Queue joins a queue group on the broadcast path; messages are
	// load-balanced across members.
	Queue string
}

// TopicInfo describes a declared topic.
type TopicInfo struct {
	Name      string    `json:"name"`
	Durable   bool      `json:"durable"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueInfo describes a declared queue bound to a topic.
type QueueInfo struct {
	Name      string    `json:"name"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
}

// Metrics is a point-in-time snapshot of broker activity.
type Metrics struct {
	Published      uint64  `json:"published"`
	Delivered      uint64  `json:"delivered"`
	PublishErrors  uint64  `json:"publish_errors"`
	HandlerErrors  uint64  `json:"handler_errors"`
	ErrorRate      float64 `json:"error_rate"`
	Subscriptions  int     `json:"subscriptions"`
	Topics         int     `json:"topics"`
	Streams        int     `json:"streams"`
	MailboxBacklog int     `json:"mailbox_backlog"`
}

// Broker coordinates topics, streams, mailboxes, and routing rules.
type Broker struct {
	cfg config.BrokerConfig
	bus bus.MessageBus
	log *logging.Logger
	met *metrics.Metrics

	mu     sync.RWMutex
	topics map[string]*TopicInfo
	queues map[string]*QueueInfo
	subs   map[string]*subscription
	rules  map[string]*RoutingRule
	closed bool

	streams   *streamSet
	mailboxes *mailboxSet

	published     atomic.Uint64
	delivered     atomic.Uint64
	publishErrors atomic.Uint64
	handlerErrors atomic.Uint64
}

// subscription is one active handler registration.
type subscription struct {
	id      string
	topic   string
	handler Handler
	opts    SubscribeOptions

	busSub  bus.Subscription
	stopped atomic.Bool
	quit    chan struct{} // closed by stop to wake blocked consumers
	done    chan struct{} // closed when the consumer goroutine exits
}

// Options configures a Broker.
type Options struct {
	// Bus is the backing transport for best-effort broadcast.
	// Defaults to an in-memory bus.
	Bus bus.MessageBus

	// Config supplies tunables. Zero value uses defaults.
	Config config.BrokerConfig

	// Logger for lifecycle output. Defaults to a new logger.
	Logger *logging.Logger

	// Metrics collectors. Defaults to unregistered collectors.
	Metrics *metrics.Metrics
}

// New creates a Broker.
func New(opts Options) *Broker {
	cfg := opts.Config
	if cfg.BufferSize <= 0 {
		cfg = config.Default().Broker
	}
	b := opts.Bus
	if b == nil {
		b = bus.NewMemoryBus(bus.Config{BufferSize: cfg.BufferSize})
	}
	log := opts.Logger
	if log == nil {
		log = logging.New()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.Nop()
	}

	return &Broker{
		cfg:       cfg,
		bus:       b,
		log:       log.WithComponent("broker"),
		met:       met,
		topics:    make(map[string]*TopicInfo),
		queues:    make(map[string]*QueueInfo),
		subs:      make(map[string]*subscription),
		rules:     make(map[string]*RoutingRule),
		streams:   newStreamSet(cfg),
		mailboxes: newMailboxSet(cfg.MailboxTTL.Duration()),
	}
}

// validTopic rejects empty names and bus-reserved characters.
func validTopic(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "*> ") {
		return errors.InvalidInput(fmt.Sprintf("invalid topic %q", topic))
	}
	return nil
}

// Publish sends a message to a topic. options.Persistent selects durable
// stream append; otherwise the message is broadcast best-effort.
func (b *Broker) Publish(topic string, payload []byte, opts PublishOptions) (*Confirmation, error) {
	if err := validTopic(topic); err != nil {
		b.publishErrors.Add(1)
		b.met.PublishErrors.WithLabelValues(topic).Inc()
		return nil, err
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.publishErrors.Add(1)
		return nil, errors.InvalidState("broker closed")
	}

	msg := b.newMessage(topic, payload, opts)

	conf, err := b.dispatch(msg, opts.Persistent)
	if err != nil {
		b.publishErrors.Add(1)
		b.met.PublishErrors.WithLabelValues(topic).Inc()
		return nil, err
	}

	b.published.Add(1)
	mode := "broadcast"
	if opts.Persistent {
		mode = "stream"
	}
	b.met.MessagesPublished.WithLabelValues(topic, mode).Inc()

	// Routing rules see every published message, but routed copies are
	// not routed again.
	if msg.Headers[routedHeader] == "" {
		b.applyRoutingRules(msg, opts)
	}

	return conf, nil
}

// newMessage builds the immutable message record.
func (b *Broker) newMessage(topic string, payload []byte, opts PublishOptions) *Message {
	prio := opts.Priority
	if prio == "" {
		prio = PriorityNormal
	}
	guarantee := AtMostOnce
	if opts.Persistent {
		guarantee = AtLeastOnce
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		Priority:    prio,
		Guarantee:   guarantee,
		TTL:         opts.TTL,
		Headers:     headers,
		PublishedAt: time.Now(),
	}
}

// dispatch routes the message down the selected delivery path.
func (b *Broker) dispatch(msg *Message, persistent bool) (*Confirmation, error) {
	conf := &Confirmation{
		MessageID: msg.ID,
		Topic:     msg.Topic,
		Persisted: persistent,
		Timestamp: msg.PublishedAt,
	}

	if persistent {
		pos, err := b.streams.append(msg.Topic, msg)
		if err != nil {
			return nil, err
		}
		conf.Position = pos
		return conf, nil
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encoding message")
	}
	if err := b.bus.PublishMsg(&bus.Message{
		Subject: subjectPrefix + msg.Topic,
		Data:    data,
		Header:  map[string]string{"message-id": msg.ID},
	}); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "bus publish")
	}
	return conf, nil
}

// Subscribe registers a handler for a topic and returns the subscription id.
func (b *Broker) Subscribe(topic string, handler Handler, opts SubscribeOptions) (string, error) {
	if err := validTopic(topic); err != nil {
		return "", err
	}
	if handler == nil {
		return "", errors.InvalidInput("nil handler")
	}
	if opts.Persistent && opts.Group == "" {
		return "", errors.InvalidInput("durable subscription requires a consumer group")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errors.InvalidState("broker closed")
	}
	sub := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		opts:    opts,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var err error
	if opts.Persistent {
		err = b.startStreamConsumer(sub)
	} else {
		err = b.startBroadcastConsumer(sub)
	}
	if err != nil {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		return "", err
	}

	return sub.id, nil
}

// startBroadcastConsumer wires a best-effort subscription through the bus.
func (b *Broker) startBroadcastConsumer(sub *subscription) error {
	var busSub bus.Subscription
	var err error
	subject := subjectPrefix + sub.topic
	if sub.opts.Queue != "" {
		busSub, err = b.bus.QueueSubscribe(subject, sub.opts.Queue)
	} else {
		busSub, err = b.bus.Subscribe(subject)
	}
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "bus subscribe")
	}
	sub.busSub = busSub

	go func() {
		defer close(sub.done)
		for bm := range busSub.Messages() {
			if sub.stopped.Load() {
				return
			}
			msg, err := decodeMessage(bm.Data)
			if err != nil {
				continue
			}
			b.invoke(sub, msg)
		}
	}()
	return nil
}

// startStreamConsumer wires a durable consumer-group subscription.
func (b *Broker) startStreamConsumer(sub *subscription) error {
	group, err := b.streams.joinGroup(sub.topic, sub.opts.Group, sub.opts.FromPosition)
	if err != nil {
		return err
	}

	go func() {
		defer close(sub.done)
		for {
			if sub.stopped.Load() {
				return
			}
			entry, ok := group.next(sub.quit, &sub.stopped)
			if !ok {
				return
			}

			attempts := 0
			for {
				if sub.stopped.Load() {
					return
				}
				if err := b.invoke(sub, entry.msg); err == nil {
					group.ack(entry.position)
					break
				}
				attempts++
				if b.cfg.MaxRedeliveries > 0 && attempts >= b.cfg.MaxRedeliveries {
					// Poison message: skip past it so the group makes
					// progress, and leave a record.
					b.log.Warn("message_skipped", map[string]interface{}{
						"topic":    sub.topic,
						"group":    sub.opts.Group,
						"position": entry.position,
						"attempts": attempts,
					})
					group.ack(entry.position)
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
	}()
	return nil
}

// invoke runs a handler with panic isolation.
func (b *Broker) invoke(sub *subscription, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.HandlerPanic(sub.topic, r)
			b.handlerErrors.Add(1)
			err = errors.RecoverPanic(r)
		}
	}()
	if err = sub.handler(msg); err != nil {
		b.handlerErrors.Add(1)
		return err
	}
	b.delivered.Add(1)
	b.met.MessagesDelivered.WithLabelValues(sub.topic).Inc()
	return nil
}

// Unsubscribe cancels a subscription. Idempotent: unknown ids return
// not-found, repeated calls on a live id succeed. In-flight deliveries
// complete; no new deliveries start.
func (b *Broker) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
	}
	b.mu.Unlock()

	if !ok {
		return errors.NotFound(fmt.Sprintf("subscription %s not found", subscriptionID))
	}

	sub.stop()
	return nil
}

// stop halts delivery for a subscription. Safe to call repeatedly.
func (s *subscription) stop() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.quit)
	if s.busSub != nil {
		s.busSub.Unsubscribe()
	}
}

// CreateTopic declares a topic. Durable topics get a stream on first use.
func (b *Broker) CreateTopic(name string, durable bool) (*TopicInfo, error) {
	if err := validTopic(name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.InvalidState("broker closed")
	}
	if _, exists := b.topics[name]; exists {
		return nil, errors.New(errors.ErrCodeAlreadyExists, fmt.Sprintf("topic %s already exists", name))
	}

	info := &TopicInfo{Name: name, Durable: durable, CreatedAt: time.Now()}
	b.topics[name] = info
	return info, nil
}

// DeleteTopic removes a declared topic and its stream.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.topics[name]; !exists {
		return errors.NotFound(fmt.Sprintf("topic %s not found", name))
	}
	delete(b.topics, name)
	b.streams.drop(name)
	return nil
}

// ListTopics returns declared topics.
func (b *Broker) ListTopics() []TopicInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]TopicInfo, 0, len(b.topics))
	for _, t := range b.topics {
		out = append(out, *t)
	}
	return out
}

// CreateQueue declares a named queue bound to a topic.
func (b *Broker) CreateQueue(name, topic string) (*QueueInfo, error) {
	if err := validTopic(topic); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.InvalidInput("empty queue name")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[name]; exists {
		return nil, errors.New(errors.ErrCodeAlreadyExists, fmt.Sprintf("queue %s already exists", name))
	}
	info := &QueueInfo{Name: name, Topic: topic, CreatedAt: time.Now()}
	b.queues[name] = info
	return info, nil
}

// DeleteQueue removes a declared queue.
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[name]; !exists {
		return errors.NotFound(fmt.Sprintf("queue %s not found", name))
	}
	delete(b.queues, name)
	return nil
}

// ListQueues returns declared queues.
func (b *Broker) ListQueues() []QueueInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]QueueInfo, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, *q)
	}
	return out
}

// Metrics returns a snapshot of broker activity.
func (b *Broker) Metrics() Metrics {
	b.mu.RLock()
	subs := len(b.subs)
	topics := len(b.topics)
	b.mu.RUnlock()

	published := b.published.Load()
	errs := b.publishErrors.Load()
	var rate float64
	if total := published + errs; total > 0 {
		rate = float64(errs) / float64(total)
	}

	return Metrics{
		Published:      published,
		Delivered:      b.delivered.Load(),
		PublishErrors:  errs,
		HandlerErrors:  b.handlerErrors.Load(),
		ErrorRate:      rate,
		Subscriptions:  subs,
		Topics:         topics,
		Streams:        b.streams.count(),
		MailboxBacklog: b.mailboxes.backlog(),
	}
}

// Close stops all subscriptions and the backing bus.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.streams.close()
	return b.bus.Close()
}
