package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSessionOpened     EventType = "SESSION_OPENED"
	EventSessionClosed     EventType = "SESSION_CLOSED"
	EventEngineStarted     EventType = "ENGINE_STARTED"
	EventEngineStopped     EventType = "ENGINE_STOPPED"
	EventSignalDispatched  EventType = "SIGNAL_DISPATCHED"
	EventSignalSkipped     EventType = "SIGNAL_SKIPPED"
	EventOrderPlaced       EventType = "ORDER_PLACED"
	EventOrderResolved     EventType = "ORDER_RESOLVED"
	EventChainResolved     EventType = "CHAIN_RESOLVED"
	EventStopLossTriggered EventType = "STOP_LOSS_TRIGGERED"
	EventBalanceUpdate     EventType = "BALANCE_UPDATE"
	EventActivityLog       EventType = "ACTIVITY_LOG"
	EventError             EventType = "ERROR"
	EventUserLogout        EventType = "USER_LOGOUT"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. A nil bus drops the event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}

	if event.UserID != "" {
		BroadcastUserEvent(event.UserID, event)
	}
}

// PublishEngineStarted publishes an engine started event
func (eb *EventBus) PublishEngineStarted(userID string, balance float64) {
	eb.Publish(Event{
		Type:   EventEngineStarted,
		UserID: userID,
		Data: map[string]interface{}{
			"balance": balance,
		},
	})
}

// PublishEngineStopped publishes an engine stopped event with the final scheduler state
func (eb *EventBus) PublishEngineStopped(userID, state string) {
	eb.Publish(Event{
		Type:   EventEngineStopped,
		UserID: userID,
		Data: map[string]interface{}{
			"state": state,
		},
	})
}

// PublishSignalSkipped publishes a skipped signal event
func (eb *EventBus) PublishSignalSkipped(userID, signal, reason string) {
	eb.Publish(Event{
		Type:   EventSignalSkipped,
		UserID: userID,
		Data: map[string]interface{}{
			"signal": signal,
			"reason": reason,
		},
	})
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(userID, orderID, asset, direction string, amount float64, level int) {
	eb.Publish(Event{
		Type:   EventOrderPlaced,
		UserID: userID,
		Data: map[string]interface{}{
			"order_id":         orderID,
			"asset":            asset,
			"direction":        direction,
			"amount":           amount,
			"martingale_level": level,
		},
	})
}

// PublishOrderResolved publishes an order result event
func (eb *EventBus) PublishOrderResolved(userID, orderID, status string, profit float64, level int) {
	eb.Publish(Event{
		Type:   EventOrderResolved,
		UserID: userID,
		Data: map[string]interface{}{
			"order_id":         orderID,
			"status":           status,
			"profit":           profit,
			"martingale_level": level,
		},
	})
}

// PublishChainResolved publishes the final outcome of a martingale chain
func (eb *EventBus) PublishChainResolved(userID, rootID, outcome string, levels int) {
	eb.Publish(Event{
		Type:   EventChainResolved,
		UserID: userID,
		Data: map[string]interface{}{
			"root_order_id": rootID,
			"outcome":       outcome,
			"levels":        levels,
		},
	})
}

// PublishStopLossTriggered publishes a stop-loss trip
func (eb *EventBus) PublishStopLossTriggered(userID string, baseline, floor, current float64) {
	eb.Publish(Event{
		Type:   EventStopLossTriggered,
		UserID: userID,
		Data: map[string]interface{}{
			"baseline": baseline,
			"floor":    floor,
			"current":  current,
		},
	})
}

// PublishBalanceUpdate publishes a balance refresh
func (eb *EventBus) PublishBalanceUpdate(userID string, balance float64) {
	eb.Publish(Event{
		Type:   EventBalanceUpdate,
		UserID: userID,
		Data: map[string]interface{}{
			"balance": balance,
		},
	})
}

// PublishActivity publishes an activity log entry
func (eb *EventBus) PublishActivity(userID, level, message string) {
	eb.Publish(Event{
		Type:   EventActivityLog,
		UserID: userID,
		Data: map[string]interface{}{
			"level":   level,
			"message": message,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(userID, source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:   EventError,
		UserID: userID,
		Data:   data,
	})
}

// PublishUserLogout publishes a user logout event
func (eb *EventBus) PublishUserLogout(userID string) {
	eb.Publish(Event{
		Type:   EventUserLogout,
		UserID: userID,
		Data: map[string]interface{}{
			"user_id": userID,
		},
	})
}

// ============================================================================
// WebSocket Broadcast Callback
// Lets the engine push events to a user's websocket clients without importing
// the api package.
// ============================================================================

// BroadcastFunc is a callback function for broadcasting events to specific users
type BroadcastFunc func(userID string, data interface{})

var (
	broadcastMu        sync.RWMutex
	broadcastUserEvent BroadcastFunc
)

// SetBroadcastUserEvent sets the callback used for per-user event pushes
func SetBroadcastUserEvent(fn BroadcastFunc) {
	broadcastMu.Lock()
	defer broadcastMu.Unlock()
	broadcastUserEvent = fn
}

// BroadcastUserEvent pushes data to userID's websocket clients
func BroadcastUserEvent(userID string, data interface{}) {
	broadcastMu.RLock()
	fn := broadcastUserEvent
	broadcastMu.RUnlock()
	if fn != nil && userID != "" {
		go fn(userID, data)
	}
}
