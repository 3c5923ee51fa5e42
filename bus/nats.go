package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus using NATS.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus creates a new NATS message bus.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	opts := buildNATSOptions(cfg)

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSBus{
		conn:   conn,
		config: cfg,
	}, nil
}

// NewNATSBusFromConn creates a NATSBus from an existing connection.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &NATSBus{
		conn:   conn,
		config: cfg,
	}
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.PublishMsg(&Message{Subject: subject, Data: data})
}

// PublishMsg sends a message with headers to a subject.
func (b *NATSBus) PublishMsg(msg *Message) error {
	if err := ValidatePublishSubject(msg.Subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}

	nmsg := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Data,
		Reply:   msg.Reply,
	}
	if len(msg.Header) > 0 {
		nmsg.Header = make(nats.Header, len(msg.Header))
		for k, v := range msg.Header {
			nmsg.Header.Set(k, v)
		}
	}

	if err := b.conn.PublishMsg(nmsg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

// fromNATSMsg converts a NATS message to a bus message.
func fromNATSMsg(m *nats.Msg) *Message {
	msg := &Message{
		Subject:   m.Subject,
		Data:      m.Data,
		Reply:     m.Reply,
		Timestamp: time.Now(),
	}
	if len(m.Header) > 0 {
		msg.Header = make(map[string]string, len(m.Header))
		for k := range m.Header {
			msg.Header[k] = m.Header.Get(k)
		}
	}
	return msg
}

// Subscribe creates a subscription to a subject.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	ch := make(chan *Message, b.config.BufferSize)

	natsSub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		select {
		case ch <- fromNATSMsg(m):
		default:
			// Buffer full
		}
	})
	if err != nil {
		close(ch)
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}

	return &natsSubscription{sub: natsSub, ch: ch}, nil
}

// QueueSubscribe creates a queue subscription.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	ch := make(chan *Message, b.config.BufferSize)

	natsSub, err := b.conn.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		select {
		case ch <- fromNATSMsg(m):
		default:
		}
	})
	if err != nil {
		close(ch)
		return nil, fmt.Errorf("nats queue subscribe: %w", err)
	}

	return &natsSubscription{sub: natsSub, ch: ch}, nil
}

// Request sends a request and waits for reply.
func (b *NATSBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidatePublishSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	reply, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, ErrTimeout
		}
		if err == nats.ErrNoResponders {
			return nil, ErrNoResponders
		}
		return nil, fmt.Errorf("nats request: %w", err)
	}

	return fromNATSMsg(reply), nil
}

// Close shuts down the NATS connection.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

// Conn returns the underlying NATS connection for advanced use.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	sub *nats.Subscription
	ch  chan *Message
}

// Messages returns the message channel.
func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}
