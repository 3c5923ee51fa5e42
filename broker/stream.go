package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/govkit/govkit/config"
	"github.com/govkit/govkit/errors"
)

// streamEntry is one appended message with its position.
// Positions start at 1 and strictly increase per stream.
type streamEntry struct {
	position uint64
	msg      *Message
}

// stream is an append-only, position-ordered log for one topic.
type stream struct {
	mu      sync.Mutex
	name    string
	entries []streamEntry
	nextPos uint64
	groups  map[string]*consumerGroup
	maxLen  int
	closed  bool
}

// consumerGroup tracks one named group's checkpoint into a stream.
// Each message is delivered to exactly one member; the checkpoint only
// advances on ack, giving at-least-once delivery.
type consumerGroup struct {
	stream *stream
	name   string

	mu     sync.Mutex
	cursor uint64 // next unacked position (the checkpoint)
	claim  uint64 // next position to hand to a member
	acked  uint64 // highest acked position

	notify chan struct{}
}

// streamSet owns all streams for a broker.
type streamSet struct {
	mu      sync.RWMutex
	streams map[string]*stream
	cfg     config.BrokerConfig
	closed  bool
}

func newStreamSet(cfg config.BrokerConfig) *streamSet {
	return &streamSet{
		streams: make(map[string]*stream),
		cfg:     cfg,
	}
}

// get returns the stream for a topic, creating it on first use.
func (ss *streamSet) get(topic string) (*stream, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil, errors.InvalidState("broker closed")
	}
	s, ok := ss.streams[topic]
	if !ok {
		s = &stream{
			name:   topic,
			groups: make(map[string]*consumerGroup),
			maxLen: ss.cfg.MaxStreamLength,
		}
		ss.streams[topic] = s
	}
	return s, nil
}

// append adds a message to the topic's stream and returns its position.
func (ss *streamSet) append(topic string, msg *Message) (uint64, error) {
	s, err := ss.get(topic)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.nextPos++
	pos := s.nextPos
	s.entries = append(s.entries, streamEntry{position: pos, msg: msg})
	if s.maxLen > 0 && len(s.entries) > s.maxLen {
		s.entries = s.entries[len(s.entries)-s.maxLen:]
	}
	groups := make([]*consumerGroup, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()

	for _, g := range groups {
		g.wake()
	}
	return pos, nil
}

// joinGroup attaches a consumer group to a topic's stream. A nonzero
// fromPosition rewinds or advances the group's checkpoint (replay).
func (ss *streamSet) joinGroup(topic, group string, fromPosition uint64) (*consumerGroup, error) {
	s, err := ss.get(topic)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		g = &consumerGroup{
			stream: s,
			name:   group,
			cursor: 1,
			claim:  1,
			notify: make(chan struct{}, 1),
		}
		s.groups[group] = g
	}
	if fromPosition > 0 {
		g.mu.Lock()
		g.cursor = fromPosition
		g.claim = fromPosition
		g.mu.Unlock()
	}
	return g, nil
}

// read returns up to limit entries from a position onward, in order.
func (ss *streamSet) read(topic string, from uint64, limit int) ([]streamEntry, error) {
	ss.mu.RLock()
	s, ok := ss.streams[topic]
	ss.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("stream %s not found", topic))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []streamEntry
	for _, e := range s.entries {
		if e.position < from {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// drop removes a topic's stream entirely.
func (ss *streamSet) drop(topic string) {
	ss.mu.Lock()
	s, ok := ss.streams[topic]
	if ok {
		delete(ss.streams, topic)
	}
	ss.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.closed = true
		groups := s.groups
		s.groups = make(map[string]*consumerGroup)
		s.mu.Unlock()
		for _, g := range groups {
			g.wake()
		}
	}
}

// count returns the number of live streams.
func (ss *streamSet) count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.streams)
}

// close shuts down all streams and wakes blocked consumers.
func (ss *streamSet) close() {
	ss.mu.Lock()
	ss.closed = true
	streams := make([]*stream, 0, len(ss.streams))
	for _, s := range ss.streams {
		streams = append(streams, s)
	}
	ss.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.closed = true
		groups := make([]*consumerGroup, 0, len(s.groups))
		for _, g := range s.groups {
			groups = append(groups, g)
		}
		s.mu.Unlock()
		for _, g := range groups {
			g.wake()
		}
	}
}

// wake nudges a blocked consumer without blocking the appender.
func (g *consumerGroup) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// next blocks until an unclaimed entry is available, the subscription
// stops, or the stream closes. Each entry is handed to exactly one group
// member (the claim pointer advances); the ack cursor only moves on ack,
// so an erroring handler retries the same message before claiming more.
func (g *consumerGroup) next(done <-chan struct{}, stopped *atomic.Bool) (streamEntry, bool) {
	for {
		if stopped.Load() {
			return streamEntry{}, false
		}

		g.stream.mu.Lock()
		closed := g.stream.closed
		g.mu.Lock()
		var found *streamEntry
		for i := range g.stream.entries {
			if g.stream.entries[i].position >= g.claim {
				found = &g.stream.entries[i]
				g.claim = found.position + 1
				break
			}
		}
		g.mu.Unlock()
		g.stream.mu.Unlock()

		if found != nil {
			return *found, true
		}
		if closed {
			return streamEntry{}, false
		}

		select {
		case <-g.notify:
		case <-done:
			return streamEntry{}, false
		}
	}
}

// ack advances the group checkpoint past the given position.
func (g *consumerGroup) ack(position uint64) {
	g.mu.Lock()
	if position >= g.cursor {
		g.cursor = position + 1
	}
	if g.claim < g.cursor {
		g.claim = g.cursor
	}
	if position > g.acked {
		g.acked = position
	}
	g.mu.Unlock()
	// There may already be a later entry waiting.
	g.wake()
}

// checkpoint returns the highest acked position.
func (g *consumerGroup) checkpoint() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acked
}

// StreamDepth returns the number of retained entries for a topic's stream.
func (b *Broker) StreamDepth(topic string) (int, error) {
	b.streams.mu.RLock()
	s, ok := b.streams.streams[topic]
	b.streams.mu.RUnlock()
	if !ok {
		return 0, errors.NotFound(fmt.Sprintf("stream %s not found", topic))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// ReadStream returns messages from a stream starting at a position, in
// position order. Used for replay inspection; consumer groups remain the
// delivery path.
func (b *Broker) ReadStream(topic string, from uint64, limit int) ([]*Message, error) {
	entries, err := b.streams.read(topic, from, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out, nil
}

// GroupCheckpoint returns the highest acknowledged position for a consumer
// group on a topic.
func (b *Broker) GroupCheckpoint(topic, group string) (uint64, error) {
	b.streams.mu.RLock()
	s, ok := b.streams.streams[topic]
	b.streams.mu.RUnlock()
	if !ok {
		return 0, errors.NotFound(fmt.Sprintf("stream %s not found", topic))
	}
	s.mu.Lock()
	g, ok := s.groups[group]
	s.mu.Unlock()
	if !ok {
		return 0, errors.NotFound(fmt.Sprintf("group %s not found on stream %s", group, topic))
	}
	return g.checkpoint(), nil
}

// encodeMessage serializes a message for bus transport.
func encodeMessage(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// decodeMessage deserializes a message from bus transport.
func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
