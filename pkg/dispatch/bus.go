package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/dukex/lexflow/pkg/eventbus"
	"github.com/dukex/lexflow/pkg/events"
)

// BusDocuments forwards document requests to the documents module over the
// event bus. The request is accepted once published.
type BusDocuments struct {
	publisher eventbus.EventPublisher
}

func NewBusDocuments(publisher eventbus.EventPublisher) *BusDocuments {
	return &BusDocuments{publisher: publisher}
}

func (b *BusDocuments) RequestDocument(ctx context.Context, req DocumentRequest) (string, error) {
	id := uuid.NewString()

	err := b.publisher.Publish(ctx, req.ExecutionID, &events.DocumentRequested{
		BaseEvent:    events.NewBaseEvent(events.DocumentRequestedEvent, req.TenantID),
		RequestID:    id,
		ExecutionID:  req.ExecutionID,
		StepOrder:    req.StepOrder,
		Template:     req.Template,
		AutoGenerate: req.AutoGenerate,
		EntityID:     req.EntityID,
		EntityType:   req.EntityType,
		Data:         req.Data,
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

// BusForms forwards form requests to the forms module over the event bus.
type BusForms struct {
	publisher eventbus.EventPublisher
}

func NewBusForms(publisher eventbus.EventPublisher) *BusForms {
	return &BusForms{publisher: publisher}
}

func (b *BusForms) RequestForm(ctx context.Context, req FormRequest) (string, error) {
	id := uuid.NewString()

	err := b.publisher.Publish(ctx, req.ExecutionID, &events.FormRequested{
		BaseEvent:      events.NewBaseEvent(events.FormRequestedEvent, req.TenantID),
		RequestID:      id,
		ExecutionID:    req.ExecutionID,
		StepOrder:      req.StepOrder,
		RequiredFields: req.RequiredFields,
		AssignedUsers:  req.AssignedUsers,
		Validations:    req.Validations,
	})
	if err != nil {
		return "", err
	}

	return id, nil
}
