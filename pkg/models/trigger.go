package models

import (
	"errors"
	"fmt"
	"slices"
)

// EventName identifies a domain event of the practice-management backend.
type EventName string

const (
	EventCreateExpense   EventName = "CREAR_GASTO"
	EventApproveExpense  EventName = "APROBAR_GASTO"
	EventCreateCase      EventName = "CREAR_CASO"
	EventUpdateCase      EventName = "ACTUALIZAR_CASO"
	EventCloseCase       EventName = "CERRAR_CASO"
	EventCreateClient    EventName = "CREAR_CLIENTE"
	EventCreateDocument  EventName = "CREAR_DOCUMENTO"
	EventApproveDocument EventName = "APROBAR_DOCUMENTO"
	EventCreateInvoice   EventName = "CREAR_FACTURA"
	EventCreateProject   EventName = "CREAR_PROYECTO"
	EventUpdateProject   EventName = "ACTUALIZAR_PROYECTO"
	EventRegisterTime    EventName = "REGISTRAR_TIEMPO"
	EventCreateTask      EventName = "CREAR_TAREA"
	EventManual          EventName = "MANUAL"
	EventScheduled       EventName = "PROGRAMADO"
	EventWebhook         EventName = "WEBHOOK"
)

// EventCatalog is the closed set of event names a trigger may listen to.
var EventCatalog = []EventName{
	EventCreateExpense, EventApproveExpense, EventCreateCase, EventUpdateCase,
	EventCloseCase, EventCreateClient, EventCreateDocument, EventApproveDocument,
	EventCreateInvoice, EventCreateProject, EventUpdateProject, EventRegisterTime,
	EventCreateTask, EventManual, EventScheduled, EventWebhook,
}

// IsDomainEvent reports whether the event is raised by a backend module, as
// opposed to the manual, scheduled and webhook entry points.
func (e EventName) IsDomainEvent() bool {
	return e != EventManual && e != EventScheduled && e != EventWebhook && slices.Contains(EventCatalog, e)
}

var ErrInvalidTrigger = errors.New("invalid trigger configuration")

// Trigger starts an execution of its definition. Only the configuration block
// matching Event is meaningful.
type Trigger struct {
	ID         string          `json:"id"`
	Event      EventName       `json:"evento"                 validate:"required"`
	Conditions []Condition     `json:"condiciones,omitempty"`
	Schedule   *ScheduleConfig `json:"programacion,omitempty"`
	Webhook    *WebhookConfig  `json:"webhook,omitempty"`
	Manual     *ManualConfig   `json:"manual,omitempty"`
}

// ScheduleConfig configures a PROGRAMADO trigger.
type ScheduleConfig struct {
	Cron     string         `json:"cron"`
	Timezone string         `json:"zonaHoraria,omitempty"`
	Context  map[string]any `json:"datosContexto,omitempty"`
}

// WebhookConfig configures a WEBHOOK trigger.
type WebhookConfig struct {
	Secret string `json:"secreto,omitempty"`
}

// ManualConfig restricts who may start a definition manually.
type ManualConfig struct {
	AuthorizedUsers []string `json:"usuariosAutorizados,omitempty"`
	AuthorizedRoles []string `json:"rolesAutorizados,omitempty"`
}

// Validate checks the event is in the catalog and its configuration is present.
func (t *Trigger) Validate() error {
	if !slices.Contains(EventCatalog, t.Event) {
		return fmt.Errorf("%w: unknown event %q", ErrInvalidTrigger, t.Event)
	}

	switch t.Event {
	case EventScheduled:
		if t.Schedule == nil || t.Schedule.Cron == "" {
			return fmt.Errorf("%w: scheduled trigger requires a cron expression", ErrInvalidTrigger)
		}

		if _, err := ParseCron(t.Schedule.Cron); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}
	case EventWebhook:
		if t.Webhook == nil || t.Webhook.Secret == "" {
			return fmt.Errorf("%w: webhook trigger requires a secret", ErrInvalidTrigger)
		}
	}

	return validateConditions(ErrInvalidTrigger, t.Conditions)
}
