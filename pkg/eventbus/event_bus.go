// Package eventbus provides the message bus between lexflow and the other
// modules of the practice-management backend. Domain events from those
// modules arrive on it; audit records, execution lifecycle events and
// document, form and notification requests leave on it, keyed by tenant.
package eventbus

import (
	"context"
	"fmt"

	"github.com/dukex/lexflow/pkg/events"
)

// Event is anything lexflow exchanges on the bus.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes an event partitioned by key, usually the tenant id.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber routes incoming events to one handler per event type.
// Handlers must be registered before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives the decoded payload of one event. A non-nil error
// asks the bus to redeliver it.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}

// On registers a handler for eventType that receives the payload as T.
// Payloads of any other type are rejected so they are redelivered.
func On[T Event](sub EventSubscriber, eventType events.EventType, fn func(ctx context.Context, event T) error) error {
	return sub.Handle(eventType, func(ctx context.Context, event any) error {
		typed, ok := event.(T)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", eventType, event)
		}

		return fn(ctx, typed)
	})
}

// OnDomainEvent registers fn for the business events lexflow reacts to.
func OnDomainEvent(sub EventSubscriber, fn func(ctx context.Context, event *events.DomainEventReceived) error) error {
	return On(sub, events.DomainEventReceivedEvent, fn)
}

