package notification

import (
	"context"

	"github.com/dukex/lexflow/pkg/eventbus"
	"github.com/dukex/lexflow/pkg/events"
)

// BusNotifier hands in-app notifications to the notifications module over the
// event bus.
type BusNotifier struct {
	publisher eventbus.EventPublisher
}

func NewBusNotifier(publisher eventbus.EventPublisher) *BusNotifier {
	return &BusNotifier{publisher: publisher}
}

func (n *BusNotifier) Notify(ctx context.Context, msg Message) error {
	return n.publisher.Publish(ctx, msg.TenantID, &events.NotificationRequested{
		BaseEvent:  events.NewBaseEvent(events.NotificationRequestedEvent, msg.TenantID),
		Recipients: msg.Recipients,
		Channel:    msg.Channel,
		Subject:    msg.Subject,
		Body:       msg.Body,
	})
}
