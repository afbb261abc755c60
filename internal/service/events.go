package service

import "time"

// EventType defines the type of event
type EventType string

const (
	EventDeviceDiscovered  EventType = "device_discovered"
	EventDeviceClassified  EventType = "device_classified"
	EventDeviceEvicted     EventType = "device_evicted"
	EventDeviceUnreachable EventType = "device_unreachable"
	EventCycleComplete     EventType = "cycle_complete"
)

// Event is one observable step in a device's lifecycle. Events are flat so
// the history store and the SSE stream can both consume them directly.
type Event struct {
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`
	MAC      string    `json:"mac,omitempty"`
	IP       string    `json:"ip,omitempty"`
	Hostname string    `json:"hostname,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// EventBus allows publishing and subscribing to events
type EventBus struct {
	subscribers []chan<- Event
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make([]chan<- Event, 0),
	}
}

// Subscribe adds a subscriber to receive events. Subscribe before the
// reconciler starts; the bus is not safe for concurrent subscription.
func (eb *EventBus) Subscribe(ch chan<- Event) {
	eb.subscribers = append(eb.subscribers, ch)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
