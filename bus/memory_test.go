package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"foo", false},
		{"foo.bar", false},
		{"foo.*.baz", false},
		{"foo.>", false},
		{"", true},
		{"foo..bar", true},
		{"foo.>.bar", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestValidatePublishSubjectRejectsWildcards(t *testing.T) {
	if err := ValidatePublishSubject("foo.*"); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
	if err := ValidatePublishSubject("foo.>"); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"foo.*", "foo.bar", true},
		{"foo.*", "foo.bar.baz", false},
		{"foo.>", "foo.bar", true},
		{"foo.>", "foo.bar.baz", true},
		{"foo.>", "foo", false},
		{"*.votes", "session.votes", true},
		{"*.votes", "session.results", false},
	}

	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_Subscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, err := b.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish("test", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_WildcardSubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("governance.events.>")
	defer sub.Unsubscribe()

	b.Publish("governance.events.session.started", []byte("e1"))
	b.Publish("governance.other", []byte("e2"))

	select {
	case msg := <-sub.Messages():
		if msg.Subject != "governance.events.session.started" {
			t.Errorf("subject = %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for matching message")
	}

	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected message on non-matching subject: %q", msg.Subject)
	default:
	}
}

func TestMemoryBus_PublishMsgHeaders(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("test")
	defer sub.Unsubscribe()

	b.PublishMsg(&Message{
		Subject: "test",
		Data:    []byte("x"),
		Header:  map[string]string{"correlation-id": "c1"},
	})

	select {
	case msg := <-sub.Messages():
		if msg.Header["correlation-id"] != "c1" {
			t.Errorf("header = %v", msg.Header)
		}
	case <-time.After(time.Second):
		t.Error("timeout")
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub1, _ := b.Subscribe("test")
	sub2, _ := b.Subscribe("test")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.Publish("test", []byte("hello"))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != "hello" {
				t.Errorf("sub%d: data = %q", i+1, msg.Data)
			}
		case <-time.After(time.Second):
			t.Errorf("sub%d: timeout", i+1)
		}
	}
}

func TestMemoryBus_QueueSubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	var subs []Subscription
	for i := 0; i < 3; i++ {
		sub, _ := b.QueueSubscribe("test", "workers")
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for i := 0; i < 12; i++ {
		b.Publish("test", []byte("msg"))
	}

	var received [3]int32
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, s Subscription) {
			defer wg.Done()
			timeout := time.After(100 * time.Millisecond)
			for {
				select {
				case <-s.Messages():
					atomic.AddInt32(&received[idx], 1)
				case <-timeout:
					return
				}
			}
		}(i, sub)
	}
	wg.Wait()

	total := received[0] + received[1] + received[2]
	if total != 12 {
		t.Errorf("total received = %d, want 12 (distribution: %v)", total, received)
	}
	// Round-robin should spread the load
	for i, n := range received {
		if n == 0 {
			t.Errorf("queue member %d received nothing: %v", i, received)
		}
	}
}

func TestMemoryBus_Request(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("service")
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				b.Publish(msg.Reply, []byte("pong"))
			}
		}
	}()
	defer sub.Unsubscribe()

	reply, err := b.Request("service", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "pong" {
		t.Errorf("reply = %q, want %q", reply.Data, "pong")
	}
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	_, err := b.Request("service", []byte("ping"), 50*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	b.Close()

	err := b.Publish("test", []byte("hello"))
	if err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_UnsubscribeIdempotent(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("test")

	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}

	// Channel should be closed after unsubscribe
	_, ok := <-sub.Messages()
	if ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// No new deliveries after unsubscribe
	b.Publish("test", []byte("late"))
}

func TestMemoryBus_CloseClosesSubscriptions(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	sub, _ := b.Subscribe("test")

	b.Close()

	_, ok := <-sub.Messages()
	if ok {
		t.Error("expected channel to be closed")
	}
}

func BenchmarkMemoryBus_Publish(b *testing.B) {
	mb := NewMemoryBus(DefaultConfig())
	defer mb.Close()

	sub, _ := mb.Subscribe("bench")
	go func() {
		for range sub.Messages() {
		}
	}()

	data := []byte("benchmark message")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		mb.Publish("bench", data)
	}
}
