package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/govkit/govkit/events"
	"github.com/govkit/govkit/logging"
)

// FeedConfig tunes the event feed.
type FeedConfig struct {
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// SendBuffer is the per-client event queue depth. Events beyond it
	// are dropped for that client.
	SendBuffer int

	// CheckOrigin overrides the upgrader's origin check. Nil allows all.
	CheckOrigin func(r *http.Request) bool
}

// DefaultFeedConfig returns feed defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		SendBuffer:   64,
	}
}

// Feed serves the governance event stream over WebSocket. It implements
// http.Handler; mount it on whatever mux the process uses.
type Feed struct {
	bus      *events.Bus
	cfg      FeedConfig
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*feedClient
	closed  bool

	dropped atomic.Uint64
}

// feedClient is one attached observer connection.
type feedClient struct {
	id    string
	conn  *websocket.Conn
	subID string
	send  chan *events.GovernanceEvent
	done  chan struct{}
	once  sync.Once
}

// NewFeed creates a Feed attached to the given event bus.
func NewFeed(bus *events.Bus, cfg FeedConfig, log *logging.Logger) *Feed {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultFeedConfig().SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultFeedConfig().WriteTimeout
	}
	if log == nil {
		log = logging.New()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Feed{
		bus: bus,
		cfg: cfg,
		log: log.WithComponent("feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[string]*feedClient),
	}
}

// ServeHTTP upgrades the request and streams matching events until the
// client disconnects or the feed shuts down.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		http.Error(w, "feed shutting down", http.StatusServiceUnavailable)
		return
	}
	f.mu.Unlock()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	client := &feedClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan *events.GovernanceEvent, f.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	subID, err := f.subscribe(r, client)
	if err != nil {
		f.writeError(conn, err)
		conn.Close()
		return
	}
	client.subID = subID

	f.mu.Lock()
	f.clients[client.id] = client
	f.mu.Unlock()

	f.log.Debug("observer_attached", map[string]interface{}{
		"client": client.id,
		"remote": r.RemoteAddr,
	})

	go f.readLoop(client)
	go f.writeLoop(client)
}

// subscribe builds the client's bus subscription from query parameters.
// The handler queues events for the writer pump; a full queue drops the
// event for this client only.
func (f *Feed) subscribe(r *http.Request, client *feedClient) (string, error) {
	handler := func(evt *events.GovernanceEvent) {
		select {
		case <-client.done:
		case client.send <- evt:
		default:
			f.dropped.Add(1)
		}
	}

	q := r.URL.Query()
	if typeList := q.Get("types"); typeList != "" {
		return f.bus.SubscribeToTypes(strings.Split(typeList, ","), handler)
	}
	if pattern := q.Get("pattern"); pattern != "" {
		kind := events.PatternKind(q.Get("kind"))
		if kind == "" {
			kind = events.PatternGlob
		}
		return f.bus.SubscribeToPattern(kind, pattern, handler)
	}
	return f.bus.SubscribeToPattern(events.PatternGlob, "*", handler)
}

// readLoop drains inbound frames so close frames and pongs are
// processed; observers are not expected to send payloads.
func (f *Feed) readLoop(client *feedClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			f.detach(client)
			return
		}
	}
}

// writeLoop pumps queued events and keepalive pings to the client.
func (f *Feed) writeLoop(client *feedClient) {
	ticker := f.pingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case <-ticker.C:
			client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		case evt := <-client.send:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			client.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				f.detach(client)
				return
			}
		}
	}
}

// pingTicker returns the keepalive ticker, or a stopped one when
// keepalive is disabled.
func (f *Feed) pingTicker() *time.Ticker {
	if f.cfg.PingInterval > 0 {
		return time.NewTicker(f.cfg.PingInterval)
	}
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

// detach unsubscribes and closes one client. Idempotent; safe from
// either loop or from Shutdown.
func (f *Feed) detach(client *feedClient) {
	client.once.Do(func() {
		close(client.done)
		_ = f.bus.Unsubscribe(client.subID)

		client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		client.conn.Close()

		f.mu.Lock()
		delete(f.clients, client.id)
		f.mu.Unlock()

		f.log.Debug("observer_detached", map[string]interface{}{"client": client.id})
	})
}

// writeError sends a single error frame on a connection that never
// attached (bad subscription parameters).
func (f *Feed) writeError(conn *websocket.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	conn.WriteJSON(map[string]string{"error": err.Error()})
}

// ClientCount reports attached observers.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Dropped reports events dropped across all slow clients.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Shutdown detaches all observers and rejects new connections.
func (f *Feed) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	clients := make([]*feedClient, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		f.detach(c)
	}
	return ctx.Err()
}
