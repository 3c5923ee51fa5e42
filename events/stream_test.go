package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStoreEventAssignsPositions(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	if _, err := b.CreateStream("audit"); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := b.CreateStream("audit"); err == nil {
		t.Error("duplicate stream accepted")
	}

	p1, err := b.StoreEvent("audit", &GovernanceEvent{Type: "a"})
	if err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}
	p2, _ := b.StoreEvent("audit", &GovernanceEvent{Type: "b"})
	if p1 != 1 || p2 != 2 {
		t.Errorf("positions %d, %d; want 1, 2", p1, p2)
	}

	if _, err := b.StoreEvent("missing", &GovernanceEvent{Type: "x"}); err == nil {
		t.Error("store to unknown stream accepted")
	}
}

func TestStoreEventDispatchesLive(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("s")

	var rec recorder
	b.SubscribeToTypes([]string{"stored"}, rec.handle)

	b.StoreEvent("s", &GovernanceEvent{Type: "stored"})
	if rec.count() != 1 {
		t.Errorf("live delivery on store: %d, want 1", rec.count())
	}
}

func TestReplayThroughMatchingPipeline(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("s")

	b.StoreEvent("s", &GovernanceEvent{Type: "vote.cast"})
	b.StoreEvent("s", &GovernanceEvent{Type: "session.started"})
	b.StoreEvent("s", &GovernanceEvent{Type: "vote.cast"})

	// Subscriber attached after the fact sees replayed events through the
	// same matcher as live ones.
	var rec recorder
	b.SubscribeToPattern(PatternPrefix, "vote.", rec.handle)

	n, err := b.ReplayEvents("s", 1)
	if err != nil {
		t.Fatalf("ReplayEvents: %v", err)
	}
	if n != 3 {
		t.Errorf("replayed %d, want 3", n)
	}
	if rec.count() != 2 {
		t.Errorf("pattern subscriber saw %d, want 2", rec.count())
	}
}

func TestReplayFromPosition(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("s")

	for i := 0; i < 4; i++ {
		b.StoreEvent("s", &GovernanceEvent{Type: "e"})
	}

	var rec recorder
	b.SubscribeToTypes([]string{"e"}, rec.handle)

	n, _ := b.ReplayEvents("s", 3)
	if n != 2 || rec.count() != 2 {
		t.Errorf("replayed %d, delivered %d; want 2, 2", n, rec.count())
	}
}

func TestGetEventHistoryFilters(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("s")

	past := time.Now().Add(-time.Hour)
	b.StoreEvent("s", &GovernanceEvent{Type: "old", Timestamp: past})
	b.StoreEvent("s", &GovernanceEvent{Type: "vote.cast"})
	b.StoreEvent("s", &GovernanceEvent{Type: "session.started"})

	hist, err := b.GetEventHistory("s", HistoryQuery{Types: []string{"vote.cast"}})
	if err != nil {
		t.Fatalf("GetEventHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Type != "vote.cast" {
		t.Errorf("type filter returned %d events", len(hist))
	}

	recent, _ := b.GetEventHistory("s", HistoryQuery{Since: time.Now().Add(-time.Minute)})
	if len(recent) != 2 {
		t.Errorf("time filter returned %d events, want 2", len(recent))
	}

	limited, _ := b.GetEventHistory("s", HistoryQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit returned %d events, want 1", len(limited))
	}
}

func TestDeleteStreamDetachesDurables(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("s")
	b.CreateDurableSubscription("d", "s", func(*GovernanceEvent) {})

	if err := b.DeleteStream("s"); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if len(b.ListDurableSubscriptions()) != 0 {
		t.Error("durable subscription survived stream deletion")
	}
	if err := b.DeleteStream("s"); err == nil {
		t.Error("double delete accepted")
	}
}

func TestDurableSubscriptionCheckpoints(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("s")

	// Events stored before the subscription exists are not delivered.
	b.StoreEvent("s", &GovernanceEvent{Type: "e1"})

	var rec recorder
	if err := b.CreateDurableSubscription("d", "s", rec.handle); err != nil {
		t.Fatalf("CreateDurableSubscription: %v", err)
	}

	b.StoreEvent("s", &GovernanceEvent{Type: "e2"})
	if rec.count() != 1 {
		t.Fatalf("delivered %d, want 1", rec.count())
	}

	cp, err := b.DurableCheckpoint("d")
	if err != nil || cp != 2 {
		t.Errorf("checkpoint = %d, err = %v; want 2", cp, err)
	}
}

func TestDurablePauseResumeCatchesUp(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("s")

	var rec recorder
	b.CreateDurableSubscription("d", "s", rec.handle)

	b.StoreEvent("s", &GovernanceEvent{Type: "e1"})
	if err := b.PauseDurableSubscription("d"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	b.StoreEvent("s", &GovernanceEvent{Type: "e2"})
	b.StoreEvent("s", &GovernanceEvent{Type: "e3"})
	if rec.count() != 1 {
		t.Fatalf("paused subscription received events: %d", rec.count())
	}

	if err := b.ResumeDurableSubscription("d"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// Resume replays everything stored while paused.
	if got := rec.types(); len(got) != 3 || got[1] != "e2" || got[2] != "e3" {
		t.Errorf("after resume: %v", got)
	}
}

func TestDurableResumeFromCheckpoint(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("s")

	for _, typ := range []string{"e1", "e2", "e3"} {
		b.StoreEvent("s", &GovernanceEvent{Type: typ})
	}

	var rec recorder
	b.CreateDurableSubscription("d", "s", rec.handle)

	// Rewind into history: deliver from position 2 onward.
	if err := b.ResumeFromCheckpoint("d", 2); err != nil {
		t.Fatalf("ResumeFromCheckpoint: %v", err)
	}
	if got := rec.types(); len(got) != 2 || got[0] != "e2" || got[1] != "e3" {
		t.Errorf("rewind delivered %v", got)
	}
}

func TestDurableDeliveryUnderConcurrentStores(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("audit")

	var delivered atomic.Uint64
	if err := b.CreateDurableSubscription("counter", "audit", func(*GovernanceEvent) {
		delivered.Add(1)
	}); err != nil {
		t.Fatalf("CreateDurableSubscription: %v", err)
	}

	// Stores race on one stream; the durable subscription must still see
	// every position exactly once, whichever order deliveries start in.
	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := b.StoreEvent("audit", &GovernanceEvent{Type: "tick"}); err != nil {
					t.Errorf("StoreEvent: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	const total = uint64(workers * perWorker)
	if got := delivered.Load(); got != total {
		t.Fatalf("delivered %d of %d stored events", got, total)
	}
	cp, err := b.DurableCheckpoint("counter")
	if err != nil || cp != total {
		t.Errorf("checkpoint = %d, err = %v; want %d", cp, err, total)
	}
}

func TestDurableNameCollision(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	b.CreateStream("s")

	b.CreateDurableSubscription("d", "s", func(*GovernanceEvent) {})
	if err := b.CreateDurableSubscription("d", "s", func(*GovernanceEvent) {}); err == nil {
		t.Error("duplicate durable name accepted")
	}
	if err := b.CreateDurableSubscription("x", "missing", func(*GovernanceEvent) {}); err == nil {
		t.Error("durable on unknown stream accepted")
	}
}
