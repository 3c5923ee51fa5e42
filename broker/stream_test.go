package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/govkit/govkit/config"
)

func TestStreamPositionsIncrease(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	c1, err := b.Publish("log", []byte("e1"), PublishOptions{Persistent: true})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c2, _ := b.Publish("log", []byte("e2"), PublishOptions{Persistent: true})

	if !c1.Persisted || c1.Position != 1 {
		t.Errorf("first confirmation: %+v", c1)
	}
	if c2.Position <= c1.Position {
		t.Errorf("positions not increasing: %d then %d", c1.Position, c2.Position)
	}

	depth, err := b.StreamDepth("log")
	if err != nil || depth != 2 {
		t.Errorf("depth = %d, err = %v", depth, err)
	}
}

func TestStreamConsumerGroupInOrder(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	for i := 1; i <= 5; i++ {
		b.Publish("audit", []byte(fmt.Sprintf("e%d", i)), PublishOptions{Persistent: true})
	}

	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe("audit", func(m *Message) error {
		mu.Lock()
		got = append(got, string(m.Payload))
		mu.Unlock()
		return nil
	}, SubscribeOptions{Persistent: true, Group: "auditors"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, "stream delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for i, p := range got {
		if want := fmt.Sprintf("e%d", i+1); p != want {
			t.Errorf("got[%d] = %q, want %q", i, p, want)
		}
	}
}

func TestStreamRequiresGroup(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	_, err := b.Subscribe("audit", func(m *Message) error { return nil },
		SubscribeOptions{Persistent: true})
	if err == nil {
		t.Fatal("durable subscription without group should fail")
	}
}

func TestStreamRedeliversOnError(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	b.Publish("jobs", []byte("flaky"), PublishOptions{Persistent: true})

	var attempts atomic.Int32
	b.Subscribe("jobs", func(m *Message) error {
		if attempts.Add(1) < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	}, SubscribeOptions{Persistent: true, Group: "g"})

	// Same message is redelivered until the handler succeeds.
	waitFor(t, "redelivery", func() bool { return attempts.Load() == 3 })

	cp, err := b.GroupCheckpoint("jobs", "g")
	if err != nil || cp != 1 {
		t.Errorf("checkpoint = %d, err = %v", cp, err)
	}
}

func TestStreamSkipsPoisonMessage(t *testing.T) {
	b := New(Options{
		Config: config.BrokerConfig{BufferSize: 16, MaxRedeliveries: 2},
	})
	defer b.Close()

	b.Publish("jobs", []byte("poison"), PublishOptions{Persistent: true})
	b.Publish("jobs", []byte("good"), PublishOptions{Persistent: true})

	var delivered atomic.Int32
	b.Subscribe("jobs", func(m *Message) error {
		if string(m.Payload) == "poison" {
			return fmt.Errorf("always fails")
		}
		delivered.Add(1)
		return nil
	}, SubscribeOptions{Persistent: true, Group: "g"})

	// The poison message is skipped after MaxRedeliveries so the group
	// still reaches the one behind it.
	waitFor(t, "progress past poison", func() bool { return delivered.Load() == 1 })
}

func TestStreamGroupSharesDelivery(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	var total atomic.Int32
	handler := func(m *Message) error { total.Add(1); return nil }
	b.Subscribe("work", handler, SubscribeOptions{Persistent: true, Group: "pool"})
	b.Subscribe("work", handler, SubscribeOptions{Persistent: true, Group: "pool"})

	for i := 0; i < 6; i++ {
		b.Publish("work", []byte("w"), PublishOptions{Persistent: true})
	}

	// One group, each message delivered once across members.
	waitFor(t, "shared delivery", func() bool { return total.Load() == 6 })
	time.Sleep(50 * time.Millisecond)
	if total.Load() != 6 {
		t.Errorf("duplicate deliveries: %d", total.Load())
	}
}

func TestStreamReplayFromPosition(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	for i := 1; i <= 4; i++ {
		b.Publish("history", []byte(fmt.Sprintf("e%d", i)), PublishOptions{Persistent: true})
	}

	var mu sync.Mutex
	var got []string
	b.Subscribe("history", func(m *Message) error {
		mu.Lock()
		got = append(got, string(m.Payload))
		mu.Unlock()
		return nil
	}, SubscribeOptions{Persistent: true, Group: "replayer", FromPosition: 3})

	waitFor(t, "replay", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "e3" || got[1] != "e4" {
		t.Errorf("replayed %v, want [e3 e4]", got)
	}
}

func TestStreamTrimsToMaxLength(t *testing.T) {
	b := New(Options{
		Config: config.BrokerConfig{BufferSize: 16, MaxRedeliveries: 5, MaxStreamLength: 2},
	})
	defer b.Close()

	for i := 1; i <= 5; i++ {
		b.Publish("log", []byte(fmt.Sprintf("e%d", i)), PublishOptions{Persistent: true})
	}

	depth, err := b.StreamDepth("log")
	if err != nil || depth != 2 {
		t.Fatalf("depth = %d, err = %v; want the retention bound", depth, err)
	}
	msgs, _ := b.ReadStream("log", 1, 0)
	if len(msgs) != 2 || string(msgs[0].Payload) != "e4" || string(msgs[1].Payload) != "e5" {
		t.Errorf("retained the wrong tail: %d messages", len(msgs))
	}
}

func TestReadStream(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	for i := 1; i <= 3; i++ {
		b.Publish("s", []byte(fmt.Sprintf("e%d", i)), PublishOptions{Persistent: true})
	}

	msgs, err := b.ReadStream("s", 2, 0)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(msgs) != 2 || string(msgs[0].Payload) != "e2" {
		t.Errorf("read %d messages, first %q", len(msgs), msgs[0].Payload)
	}

	if _, err := b.ReadStream("missing", 1, 0); err == nil {
		t.Error("expected not-found for unknown stream")
	}
}

func TestDeleteTopicDropsStream(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	b.CreateTopic("tmp", true)
	b.Publish("tmp", []byte("x"), PublishOptions{Persistent: true})
	if err := b.DeleteTopic("tmp"); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if _, err := b.StreamDepth("tmp"); err == nil {
		t.Error("stream should be gone after topic delete")
	}
}
