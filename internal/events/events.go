package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventReservationCreated   = "reservation_created"
	EventReservationUpdated   = "reservation_updated"
	EventReservationCancelled = "reservation_cancelled"
	EventRunFinished          = "run_finished"
)

// ReservationEventPayload describes the minimal reservation snapshot for
// event consumers.
type ReservationEventPayload struct {
	ReservationID    int64     `json:"reservation_id"`
	Source           string    `json:"source"`
	ConfirmationCode string    `json:"confirmation_code,omitempty"`
	PropertyID       int64     `json:"property_id,omitempty"`
	GuestName        string    `json:"guest_name,omitempty"`
	CheckIn          time.Time `json:"check_in"`
	CheckOut         time.Time `json:"check_out"`
	Status           string    `json:"status"`
	AccountID        string    `json:"account_id"`
	RunID            string    `json:"run_id"`
}

// RunEventPayload summarizes a finished sync run.
type RunEventPayload struct {
	RunID     string `json:"run_id"`
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	Scanned   int    `json:"scanned"`
	Inserted  int    `json:"inserted"`
	Failed    int    `json:"failed"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
