package audit

import (
	"io"
	"testing"
	"time"

	"github.com/govkit/govkit/events"
	"github.com/govkit/govkit/logging"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexAndSearchEvent(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.IndexEvent(&events.GovernanceEvent{
		ID:        "evt-1",
		Type:      "consensus.completed",
		Domain:    "governance",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"proposal": "adopt rotation policy",
			"outcome":  "approved",
		},
	})
	if err != nil {
		t.Fatalf("IndexEvent: %v", err)
	}

	hits, err := idx.Search("rotation policy", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].ID != "evt-1" {
		t.Errorf("hit id = %q, want evt-1", hits[0].ID)
	}
	if hits[0].Kind != KindEvent {
		t.Errorf("hit kind = %q, want %q", hits[0].Kind, KindEvent)
	}
}

func TestIndexEventRejectsMissingID(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.IndexEvent(nil); err == nil {
		t.Error("nil event accepted")
	}
	if err := idx.IndexEvent(&events.GovernanceEvent{Type: "x"}); err == nil {
		t.Error("event without id accepted")
	}
}

func TestIndexContribution(t *testing.T) {
	idx := newTestIndex(t)

	id, err := idx.IndexContribution("sess-1", "agent-a", "budget should favor infrastructure reliability")
	if err != nil {
		t.Fatalf("IndexContribution: %v", err)
	}
	if id == "" {
		t.Fatal("empty contribution id")
	}

	hits, err := idx.Search("infrastructure reliability", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Session != "sess-1" || hits[0].Agent != "agent-a" {
		t.Errorf("hit session/agent = %q/%q, want sess-1/agent-a", hits[0].Session, hits[0].Agent)
	}

	if _, err := idx.IndexContribution("", "agent-a", "x"); err == nil {
		t.Error("contribution without session accepted")
	}
	if _, err := idx.IndexContribution("sess-1", "agent-a", "   "); err == nil {
		t.Error("blank contribution accepted")
	}
}

func TestSearchKindSeparatesDocuments(t *testing.T) {
	idx := newTestIndex(t)

	idx.IndexEvent(&events.GovernanceEvent{
		ID:        "evt-1",
		Type:      "vote.cast",
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"note": "quorum reached on schema migration"},
	})
	idx.IndexContribution("sess-1", "agent-b", "the schema migration needs a rollback plan")

	eventHits, err := idx.SearchKind("schema migration", KindEvent, 10)
	if err != nil {
		t.Fatalf("SearchKind(event): %v", err)
	}
	if len(eventHits) != 1 || eventHits[0].Kind != KindEvent {
		t.Errorf("event hits = %v, want the single event", eventHits)
	}

	contribHits, err := idx.SearchKind("schema migration", KindContribution, 10)
	if err != nil {
		t.Fatalf("SearchKind(contribution): %v", err)
	}
	if len(contribHits) != 1 || contribHits[0].Kind != KindContribution {
		t.Errorf("contribution hits = %v, want the single contribution", contribHits)
	}

	if _, err := idx.SearchKind("x", "bogus", 10); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	idx := newTestIndex(t)
	if _, err := idx.Search("  ", 10); err == nil {
		t.Error("blank query accepted")
	}
}

func TestAttachIndexesBusEvents(t *testing.T) {
	idx := newTestIndex(t)

	log := logging.New()
	log.SetOutput(io.Discard)
	bus := events.New(events.Options{Logger: log})
	defer bus.Close()

	subID, err := idx.Attach(bus)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := bus.Publish(&events.GovernanceEvent{
		Type:    "agent.registered",
		Payload: map[string]interface{}{"agent": "translator-7"},
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Bus delivery is synchronous, so the document is indexed by now.
	hits, err := idx.Search("translator-7", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if got := idx.Stats().Indexed; got != 1 {
		t.Errorf("Indexed = %d, want 1", got)
	}

	if err := bus.Unsubscribe(subID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	bus.Publish(&events.GovernanceEvent{Type: "agent.registered"})
	if got := idx.Stats().Indexed; got != 1 {
		t.Errorf("Indexed = %d after detach, want 1", got)
	}
}
