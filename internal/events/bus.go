package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(CaptureFailedEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case MonitorStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case CaptureFailedEvent:
		event.Publish(b.dispatcher, e)
	case MonitorsReloadedEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type selects the events it receives. Returns an unsubscribe
// function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e MonitorStateChangedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(MonitorStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CaptureFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(MonitorsReloadedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// SubscribeToChannel bridges kelindar/event callback-based subscriptions to channels.
// Events are dropped when ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
