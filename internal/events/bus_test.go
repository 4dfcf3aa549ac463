package events

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return Event{}
}

func TestSubscribeByType(t *testing.T) {
	bus := NewEventBus()
	placed := make(chan Event, 1)
	resolved := make(chan Event, 1)
	bus.Subscribe(EventOrderPlaced, func(e Event) { placed <- e })
	bus.Subscribe(EventOrderResolved, func(e Event) { resolved <- e })

	bus.PublishOrderPlaced("u1", "o1", "EURUSD", "CALL", 10, 0)

	ev := waitFor(t, placed)
	if ev.Data["order_id"] != "o1" || ev.UserID != "u1" {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}

	select {
	case ev := <-resolved:
		t.Errorf("Expected no ORDER_RESOLVED delivery, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllAndBroadcast(t *testing.T) {
	bus := NewEventBus()
	all := make(chan Event, 4)
	bus.SubscribeAll(func(e Event) { all <- e })

	var mu sync.Mutex
	pushed := make(map[string]int)
	done := make(chan struct{}, 4)
	SetBroadcastUserEvent(func(userID string, data interface{}) {
		mu.Lock()
		pushed[userID]++
		mu.Unlock()
		done <- struct{}{}
	})
	defer SetBroadcastUserEvent(nil)

	bus.PublishStopLossTriggered("u2", 1000, 950, 940)
	bus.Publish(Event{Type: EventError, Data: map[string]interface{}{"message": "global"}})

	first := waitFor(t, all)
	second := waitFor(t, all)
	if first.Type != EventStopLossTriggered && second.Type != EventStopLossTriggered {
		t.Error("Expected STOP_LOSS_TRIGGERED to reach the all-events subscriber")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for user broadcast")
	}
	mu.Lock()
	defer mu.Unlock()
	if pushed["u2"] != 1 || len(pushed) != 1 {
		t.Errorf("Expected one push to u2 only, got %v", pushed)
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *EventBus
	bus.PublishActivity("u", "info", "ignored")
}
