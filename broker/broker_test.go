package broker

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBroker() *Broker {
	return New(Options{})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestPublishSubscribeBroadcast(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	var got atomic.Int32
	_, err := b.Subscribe("decisions", func(m *Message) error {
		if string(m.Payload) != "proposal-1" {
			t.Errorf("payload = %q", m.Payload)
		}
		if m.Guarantee != AtMostOnce {
			t.Errorf("guarantee = %v", m.Guarantee)
		}
		got.Add(1)
		return nil
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conf, err := b.Publish("decisions", []byte("proposal-1"), PublishOptions{})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if conf.MessageID == "" || conf.Persisted {
		t.Errorf("unexpected confirmation: %+v", conf)
	}

	waitFor(t, "delivery", func() bool { return got.Load() == 1 })
}

func TestDeliveryIsolation(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	var delivered atomic.Int32
	b.Subscribe("alerts", func(m *Message) error {
		panic("bad subscriber")
	}, SubscribeOptions{})
	b.Subscribe("alerts", func(m *Message) error {
		return fmt.Errorf("handler error")
	}, SubscribeOptions{})
	b.Subscribe("alerts", func(m *Message) error {
		delivered.Add(1)
		return nil
	}, SubscribeOptions{})

	for i := 0; i < 3; i++ {
		if _, err := b.Publish("alerts", []byte("a"), PublishOptions{}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// The failing subscribers must not block the healthy one.
	waitFor(t, "isolated delivery", func() bool { return delivered.Load() == 3 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	var got atomic.Int32
	id, _ := b.Subscribe("t", func(m *Message) error {
		got.Add(1)
		return nil
	}, SubscribeOptions{})

	b.Publish("t", []byte("1"), PublishOptions{})
	waitFor(t, "first delivery", func() bool { return got.Load() == 1 })

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	// Second unsubscribe of the same id is not found (already removed).
	if err := b.Unsubscribe(id); err == nil {
		t.Error("expected not-found on second unsubscribe")
	}

	b.Publish("t", []byte("2"), PublishOptions{})
	time.Sleep(50 * time.Millisecond)
	if got.Load() != 1 {
		t.Errorf("delivery after unsubscribe: got %d", got.Load())
	}
}

func TestQueueGroupLoadBalances(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	var a, c atomic.Int32
	b.Subscribe("work", func(m *Message) error { a.Add(1); return nil },
		SubscribeOptions{Queue: "workers"})
	b.Subscribe("work", func(m *Message) error { c.Add(1); return nil },
		SubscribeOptions{Queue: "workers"})

	for i := 0; i < 10; i++ {
		b.Publish("work", []byte("w"), PublishOptions{})
	}

	waitFor(t, "queue delivery", func() bool { return a.Load()+c.Load() == 10 })
	if a.Load() == 0 || c.Load() == 0 {
		t.Errorf("load not balanced: %d / %d", a.Load(), c.Load())
	}
}

func TestDirectMailboxPriorityOrder(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	b.SendDirect("agent-1", []byte("routine"), PublishOptions{})
	b.SendDirect("agent-1", []byte("routine-2"), PublishOptions{Priority: PriorityNormal})
	b.SendDirect("agent-1", []byte("urgent"), PublishOptions{Priority: PriorityCritical})

	first, err := b.ReceiveDirect("agent-1")
	if err != nil {
		t.Fatalf("ReceiveDirect: %v", err)
	}
	if string(first.Payload) != "urgent" {
		t.Errorf("first = %q, want urgent (critical prepends)", first.Payload)
	}

	second, _ := b.ReceiveDirect("agent-1")
	if string(second.Payload) != "routine" {
		t.Errorf("second = %q, want routine", second.Payload)
	}
}

func TestDirectMailboxTTL(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	b.SendDirect("agent-2", []byte("stale"), PublishOptions{TTL: 10 * time.Millisecond})
	time.Sleep(30 * time.Millisecond)

	if _, err := b.ReceiveDirect("agent-2"); err == nil {
		t.Error("expected empty mailbox after TTL expiry")
	}
}

func TestPeekAndDrainMailbox(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	b.SendDirect("agent-3", []byte("one"), PublishOptions{})
	b.SendDirect("agent-3", []byte("two"), PublishOptions{})

	if n := len(b.PeekMailbox("agent-3")); n != 2 {
		t.Errorf("peek = %d, want 2", n)
	}
	// Peek must not consume.
	if n := len(b.DrainMailbox("agent-3")); n != 2 {
		t.Errorf("drain = %d, want 2", n)
	}
	if n := len(b.PeekMailbox("agent-3")); n != 0 {
		t.Errorf("after drain = %d, want 0", n)
	}
}

func TestRoutingRuleForwardsCopy(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	var audited atomic.Int32
	b.Subscribe("audit", func(m *Message) error {
		if m.Headers["x-routed-by"] == "" {
			t.Error("routed copy missing routed header")
		}
		audited.Add(1)
		return nil
	}, SubscribeOptions{})

	_, err := b.AddRoutingRule("audit-votes", RoutingCondition{TopicPrefix: "votes."},
		RoutingAction{ForwardTo: "audit"})
	if err != nil {
		t.Fatalf("AddRoutingRule: %v", err)
	}

	b.Publish("votes.session1", []byte("yes"), PublishOptions{})
	b.Publish("other.topic", []byte("x"), PublishOptions{})

	waitFor(t, "routed delivery", func() bool { return audited.Load() == 1 })
}

func TestRoutingRuleDisabled(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	var audited atomic.Int32
	b.Subscribe("audit", func(m *Message) error { audited.Add(1); return nil }, SubscribeOptions{})

	rule, _ := b.AddRoutingRule("r", RoutingCondition{TopicPrefix: "votes."},
		RoutingAction{ForwardTo: "audit"})
	b.SetRoutingRuleEnabled(rule.ID, false)

	b.Publish("votes.s", []byte("y"), PublishOptions{})
	time.Sleep(50 * time.Millisecond)
	if audited.Load() != 0 {
		t.Error("disabled rule still forwarded")
	}
}

func TestTopicCRUD(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	if _, err := b.CreateTopic("governance", true); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if _, err := b.CreateTopic("governance", true); err == nil {
		t.Error("duplicate topic should fail")
	}
	if len(b.ListTopics()) != 1 {
		t.Errorf("topics = %d", len(b.ListTopics()))
	}
	if err := b.DeleteTopic("governance"); err != nil {
		t.Errorf("DeleteTopic: %v", err)
	}
	if err := b.DeleteTopic("governance"); err == nil {
		t.Error("deleting missing topic should fail")
	}
}

func TestMetricsErrorRate(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	b.Publish("ok", []byte("1"), PublishOptions{})
	b.Publish("", nil, PublishOptions{}) // invalid topic

	m := b.Metrics()
	if m.Published != 1 || m.PublishErrors != 1 {
		t.Errorf("published=%d errors=%d", m.Published, m.PublishErrors)
	}
	if m.ErrorRate != 0.5 {
		t.Errorf("error rate = %v, want 0.5", m.ErrorRate)
	}
}
