package stream

import (
	"testing"
	"time"
)

func TestHubPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)
	defer h.Unsubscribe(b)

	h.Publish(NewEvent(TypeReportQueued, map[string]int{"server_id": 7}))

	for name, ch := range map[string]chan Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Type != TypeReportQueued {
				t.Fatalf("%s: unexpected type %q", name, evt.Type)
			}
			if evt.At == "" {
				t.Fatalf("%s: missing timestamp", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event received", name)
		}
	}
	h.Unsubscribe(a)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	h.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Double unsubscribe must not panic
	h.Unsubscribe(ch)
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)
	h.Publish(NewEvent(TypeBatchCompleted, nil))
	h.Publish(NewEvent(TypeBatchCompleted, nil)) // dropped, buffer full
	if got := len(ch); got != 1 {
		t.Fatalf("expected 1 buffered event, got %d", got)
	}
}

func TestHubSubscribers(t *testing.T) {
	h := NewHub()
	if h.Subscribers() != 0 {
		t.Fatal("expected no subscribers")
	}
	ch := h.Subscribe(0)
	if h.Subscribers() != 1 {
		t.Fatal("expected one subscriber")
	}
	h.Unsubscribe(ch)
	if h.Subscribers() != 0 {
		t.Fatal("expected zero after unsubscribe")
	}
}

func TestNewEventNilData(t *testing.T) {
	evt := NewEvent(TypeReportQueued, nil)
	if evt.Data != nil {
		t.Fatalf("expected nil data, got %s", evt.Data)
	}
}
