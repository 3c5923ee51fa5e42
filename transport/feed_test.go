package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/govkit/govkit/events"
	"github.com/govkit/govkit/logging"
)

func newTestFeed(t *testing.T) (*Feed, *events.Bus, *httptest.Server) {
	t.Helper()

	log := logging.New()
	log.SetOutput(io.Discard)

	bus := events.New(events.Options{Logger: log})
	t.Cleanup(func() { bus.Close() })

	cfg := DefaultFeedConfig()
	cfg.PingInterval = 0
	feed := NewFeed(bus, cfg, log)
	t.Cleanup(func() { feed.Shutdown(context.Background()) })

	server := httptest.NewServer(feed)
	t.Cleanup(server.Close)

	return feed, bus, server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, feed *Feed, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for feed.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", feed.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) *events.GovernanceEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt events.GovernanceEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &evt
}

func TestFeedStreamsPublishedEvents(t *testing.T) {
	feed, bus, server := newTestFeed(t)

	conn := dial(t, server, "")
	waitForClients(t, feed, 1)

	if err := bus.Publish(&events.GovernanceEvent{
		Type:   "consensus.session_started",
		Domain: "governance",
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	evt := readEvent(t, conn)
	if evt.Type != "consensus.session_started" {
		t.Errorf("Type = %q, want consensus.session_started", evt.Type)
	}
	if evt.ID == "" {
		t.Error("delivered event has no id")
	}
}

func TestFeedTypeFilter(t *testing.T) {
	feed, bus, server := newTestFeed(t)

	conn := dial(t, server, "?types=vote.cast")
	waitForClients(t, feed, 1)

	bus.Publish(&events.GovernanceEvent{Type: "agent.registered"})
	bus.Publish(&events.GovernanceEvent{Type: "vote.cast"})

	evt := readEvent(t, conn)
	if evt.Type != "vote.cast" {
		t.Errorf("Type = %q, want vote.cast (agent.registered should be filtered)", evt.Type)
	}
}

func TestFeedPatternFilter(t *testing.T) {
	feed, bus, server := newTestFeed(t)

	conn := dial(t, server, "?pattern=consensus.&kind=prefix")
	waitForClients(t, feed, 1)

	bus.Publish(&events.GovernanceEvent{Type: "broker.published"})
	bus.Publish(&events.GovernanceEvent{Type: "consensus.completed"})

	evt := readEvent(t, conn)
	if evt.Type != "consensus.completed" {
		t.Errorf("Type = %q, want consensus.completed", evt.Type)
	}
}

func TestFeedDetachOnClientClose(t *testing.T) {
	feed, bus, server := newTestFeed(t)

	conn := dial(t, server, "")
	waitForClients(t, feed, 1)

	before := bus.Stats().Subscriptions
	conn.Close()
	waitForClients(t, feed, 0)

	deadline := time.Now().Add(2 * time.Second)
	for bus.Stats().Subscriptions != before-1 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not removed: %d, want %d", bus.Stats().Subscriptions, before-1)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeedShutdownClosesClients(t *testing.T) {
	feed, _, server := newTestFeed(t)

	conn := dial(t, server, "")
	waitForClients(t, feed, 1)

	if err := feed.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if feed.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after shutdown, want 0", feed.ClientCount())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// New connections are refused once shut down.
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Error("dial succeeded after shutdown")
	} else if resp != nil && resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestFeedSlowClientDropsNotBlocks(t *testing.T) {
	log := logging.New()
	log.SetOutput(io.Discard)

	bus := events.New(events.Options{Logger: log})
	defer bus.Close()

	cfg := DefaultFeedConfig()
	cfg.PingInterval = 0
	cfg.SendBuffer = 1
	feed := NewFeed(bus, cfg, log)
	defer feed.Shutdown(context.Background())

	server := httptest.NewServer(feed)
	defer server.Close()

	dial(t, server, "")
	waitForClients(t, feed, 1)

	// Flood faster than any client can drain a 1-slot queue. Publish
	// must never block on the slow observer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(&events.GovernanceEvent{Type: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishing blocked on slow observer")
	}
}
