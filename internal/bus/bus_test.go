package bus

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{Kinds: []string{KindChat}})
	defer b.Unsubscribe(sub)

	b.Publish(KindChat, "chat.final", "agent:main:main", "hello")

	ev := recv(t, sub)
	if ev.Kind != KindChat {
		t.Fatalf("kind = %q, want %q", ev.Kind, KindChat)
	}
	if ev.Name != "chat.final" {
		t.Fatalf("name = %q, want chat.final", ev.Name)
	}
	if ev.Payload != "hello" {
		t.Fatalf("payload = %v, want %q", ev.Payload, "hello")
	}
	if ev.TsMs == 0 {
		t.Fatal("event timestamp not set")
	}
}

func TestBus_KindFilter(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{Kinds: []string{KindChat}})
	defer b.Unsubscribe(sub)

	b.Publish(KindAgent, "agent.running", "agent:main:main", "agent event")
	b.Publish(KindChat, "chat.final", "agent:main:main", "chat event")

	ev := recv(t, sub)
	if ev.Payload != "chat event" {
		t.Fatalf("payload = %v, want filtered chat event", ev.Payload)
	}
	select {
	case extra := <-sub.Ch():
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestBus_SessionFilterPassesBroadcasts(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{SessionKey: "agent:main:a"})
	defer b.Unsubscribe(sub)

	b.Publish(KindChat, "chat.final", "agent:main:b", "other session")
	b.Publish(KindTick, "", "", "broadcast")
	b.Publish(KindChat, "chat.final", "agent:main:a", "mine")

	first := recv(t, sub)
	if first.Kind != KindTick {
		t.Fatalf("first = %+v, want broadcast tick", first)
	}
	if first.Name != KindTick {
		t.Fatalf("empty name should default to kind, got %q", first.Name)
	}
	second := recv(t, sub)
	if second.Payload != "mine" {
		t.Fatalf("second = %+v, want session event", second)
	}
}

func TestBus_PerSubscriberOrderPreserved(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{Kinds: []string{KindAgent}})
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(KindAgent, "agent.queued", "agent:main:main", i)
	}
	for i := 0; i < 10; i++ {
		ev := recv(t, sub)
		if ev.Payload != i {
			t.Fatalf("event %d out of order: got %v", i, ev.Payload)
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered(Filter{}, 1)
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(KindTick, "", "", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	// The earliest event survives; later ones were dropped for this subscriber.
	ev := recv(t, sub)
	if ev.Payload != 0 {
		t.Fatalf("kept event = %v, want 0 (oldest buffered)", ev.Payload)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	b.Unsubscribe(sub)
	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
