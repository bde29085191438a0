package bus

import (
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event := <-sub.Ch():
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "empty prefix matches all topics",
			fn: func(t *testing.T) {
				b := New()
				sub := b.Subscribe("")
				defer b.Unsubscribe(sub)

				b.Publish("loop.started", "a")
				b.Publish("run.completed", "b")

				if event := receive(t, sub); event.Topic != "loop.started" {
					t.Errorf("first topic = %q", event.Topic)
				}
				if event := receive(t, sub); event.Topic != "run.completed" {
					t.Errorf("second topic = %q", event.Topic)
				}
			},
		},
		{
			name: "prefix narrows delivery",
			fn: func(t *testing.T) {
				b := New()
				sub := b.Subscribe("loop.")
				defer b.Unsubscribe(sub)

				b.Publish("run.started", nil)
				b.Publish("loop.capped", 42)

				event := receive(t, sub)
				if event.Topic != "loop.capped" {
					t.Errorf("got topic %q, want loop.capped", event.Topic)
				}
				if event.Payload != 42 {
					t.Errorf("payload = %v", event.Payload)
				}
				select {
				case extra := <-sub.Ch():
					t.Errorf("unexpected extra event: %+v", extra)
				default:
				}
			},
		},
		{
			name: "full buffer drops instead of blocking",
			fn: func(t *testing.T) {
				b := New()
				sub := b.Subscribe("")
				defer b.Unsubscribe(sub)

				done := make(chan struct{})
				go func() {
					defer close(done)
					for i := 0; i < defaultBufferSize+10; i++ {
						b.Publish("flood", i)
					}
				}()
				select {
				case <-done:
				case <-time.After(2 * time.Second):
					t.Fatal("publish blocked on a slow subscriber")
				}

				received := 0
				for {
					select {
					case <-sub.Ch():
						received++
						continue
					default:
					}
					break
				}
				if received != defaultBufferSize {
					t.Errorf("received %d events, want %d buffered", received, defaultBufferSize)
				}
			},
		},
		{
			name: "unsubscribe closes the channel",
			fn: func(t *testing.T) {
				b := New()
				sub := b.Subscribe("")
				if b.SubscriberCount() != 1 {
					t.Fatalf("subscriber count = %d", b.SubscriberCount())
				}
				b.Unsubscribe(sub)
				if b.SubscriberCount() != 0 {
					t.Errorf("subscriber count after unsubscribe = %d", b.SubscriberCount())
				}
				if _, ok := <-sub.Ch(); ok {
					t.Error("channel should be closed after unsubscribe")
				}
				// Double unsubscribe is a no-op.
				b.Unsubscribe(sub)
			},
		},
		{
			name: "publish after unsubscribe does not panic",
			fn: func(t *testing.T) {
				b := New()
				sub := b.Subscribe("x.")
				b.Unsubscribe(sub)
				b.Publish("x.event", nil)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, tc.fn)
	}
}
