package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/lexflow/pkg/events"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/trigger"
)

func caseTrigger(minAmount float64) *models.Trigger {
	return &models.Trigger{
		Event: models.EventCreateCase,
		Conditions: []models.Condition{
			{Type: models.ConditionTypeAmount, Field: "monto", Operator: models.OperatorGreater, Value: minAmount},
		},
	}
}

func domainEvent(tenantID, name string, data map[string]any) *events.DomainEventReceived {
	return &events.DomainEventReceived{
		BaseEvent:  events.NewBaseEvent(events.DomainEventReceivedEvent, tenantID),
		Event:      name,
		Context:    data,
		EntityID:   "caso-9",
		EntityType: "CASO",
	}
}

func TestIngress_HandleEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	big := newDraft("Casos grandes")
	big.Priority = 8
	big.Triggers = []*models.Trigger{caseTrigger(10000)}
	big = f.activate(t, "empresa-1", big)

	every := newDraft("Todos los casos")
	every.Triggers = []*models.Trigger{{Event: models.EventCreateCase}}
	every = f.activate(t, "empresa-1", every)

	draft := newDraft("Borrador de casos")
	draft.Triggers = []*models.Trigger{{Event: models.EventCreateCase}}
	_, err := f.definitions.Create(ctx, "empresa-1", "admin", draft)
	require.NoError(t, err)

	foreign := newDraft("Casos de otra empresa")
	foreign.Triggers = []*models.Trigger{{Event: models.EventCreateCase}}
	f.activate(t, "empresa-2", foreign)

	tests := []struct {
		name   string
		amount float64
		want   []string
	}{
		{name: "both match, priority first", amount: 25000, want: []string{big.ID, every.ID}},
		{name: "conditions filter", amount: 500, want: []string{every.ID}},
	}

	for _, tt := range tests {
		started, err := f.ingress.HandleEvent(ctx, domainEvent("empresa-1", string(models.EventCreateCase), map[string]any{"monto": tt.amount}))
		require.NoError(t, err, tt.name)

		var got []string
		for _, exec := range started {
			got = append(got, exec.DefinitionID)
			assert.Equal(t, models.EventCreateCase, exec.TriggerEvent, tt.name)
			assert.Equal(t, SystemUser, exec.ExecutedBy, tt.name)
			assert.Equal(t, "caso-9", exec.EntityID, tt.name)
		}

		assert.Equal(t, tt.want, got, tt.name)
	}

	started, err := f.ingress.HandleEvent(ctx, domainEvent("empresa-1", string(models.EventCloseCase), nil))
	require.NoError(t, err)
	assert.Empty(t, started, "no trigger listens to the event")

	event := domainEvent("empresa-1", string(models.EventCreateCase), map[string]any{"monto": 1.0})
	event.UserID = "abogado-3"

	started, err = f.ingress.HandleEvent(ctx, event)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "abogado-3", started[0].ExecutedBy)
}

func TestIngress_HandleEventRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event *events.DomainEventReceived
	}{
		{name: "nil", event: nil},
		{name: "no tenant", event: domainEvent("", string(models.EventCreateCase), nil)},
		{name: "unknown event", event: domainEvent("empresa-1", "BORRAR_CASO", nil)},
		{name: "manual entry point", event: domainEvent("empresa-1", string(models.EventManual), nil)},
		{name: "webhook entry point", event: domainEvent("empresa-1", string(models.EventWebhook), nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			_, err := f.ingress.HandleEvent(context.Background(), tt.event)
			assert.ErrorIs(t, err, ErrInvalidEvent)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestIngress_Consume(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	def := newDraft("Todos los casos")
	def.Triggers = []*models.Trigger{{Event: models.EventCreateCase}}
	def = f.activate(t, "empresa-1", def)

	require.NoError(t, f.ingress.Consume(ctx, domainEvent("empresa-1", string(models.EventCreateCase), nil)))
	assert.NoError(t, f.ingress.Consume(ctx, domainEvent("empresa-1", "DESCONOCIDO", nil)), "invalid events are dropped")

	listed, err := f.executions.List(ctx, ListExecutionsRequest{TenantID: "empresa-1", DefinitionID: def.ID})
	require.NoError(t, err)
	assert.Len(t, listed.Executions, 1)
}

func TestIngress_Webhook(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	hooked := newDraft("Radicación externa")
	hooked.Triggers = []*models.Trigger{{
		Event:   models.EventWebhook,
		Webhook: &models.WebhookConfig{Secret: "s3cr3t"},
		Conditions: []models.Condition{
			{Field: "juzgado", Operator: models.OperatorNotEmpty},
		},
	}}
	hooked = f.activate(t, "empresa-1", hooked)

	plain := f.activate(t, "empresa-1", newDraft("Sin webhook"))

	exec, err := f.ingress.Webhook(ctx, hooked.ID, "s3cr3t", map[string]any{"juzgado": "Civil 4"})
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, models.EventWebhook, exec.TriggerEvent)
	assert.Equal(t, "Civil 4", exec.Context["juzgado"])

	exec, err = f.ingress.Webhook(ctx, hooked.ID, "s3cr3t", map[string]any{"otro": 1})
	require.NoError(t, err)
	assert.Nil(t, exec, "filtered payloads start nothing")

	_, err = f.ingress.Webhook(ctx, hooked.ID, "wrong", map[string]any{"juzgado": "Civil 4"})
	assert.ErrorIs(t, err, trigger.ErrWebhookSecret)
	assert.True(t, IsForbidden(err))

	_, err = f.ingress.Webhook(ctx, plain.ID, "s3cr3t", nil)
	assert.True(t, IsValidationError(err))

	_, err = f.ingress.Webhook(ctx, "missing", "s3cr3t", nil)
	assert.True(t, IsNotFound(err))

	_, err = f.definitions.ChangeState(ctx, StateChangeRequest{
		TenantID: "empresa-1", DefinitionID: hooked.ID, UserID: "admin", Status: models.DefinitionStatusPaused,
	})
	require.NoError(t, err)

	_, err = f.ingress.Webhook(ctx, hooked.ID, "s3cr3t", map[string]any{"juzgado": "Civil 4"})
	assert.True(t, IsConflictError(err))
}
