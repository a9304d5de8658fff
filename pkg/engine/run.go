package engine

import (
	"context"
	"maps"
	"time"

	"github.com/dukex/lexflow/pkg/eventbus"
	"github.com/dukex/lexflow/pkg/events"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/notification"
	"github.com/dukex/lexflow/pkg/policy"
)

// run collects the effects of one pass over an execution. They are released
// only after the execution is persisted, so a pass that loses the version
// check leaves no trace.
type run struct {
	now    time.Time
	def    *models.Definition
	policy policy.Record

	changed     bool
	started     bool
	finished    bool
	escalations int
	steps       []models.StepStatus
	records     []*events.AuditRecorded
	messages    []notification.Message
	events      []eventbus.Event
}

func (r *run) record(exec *models.Execution, userID, kind string, level events.AuditLevel, description string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}

	data["ejecucionId"] = exec.ID
	data["flujoId"] = exec.DefinitionID

	if exec.EntityID != "" {
		data["entidadId"] = exec.EntityID
		data["tipoEntidad"] = exec.EntityType
	}

	if r.def.Config.Audit.IncludeContext {
		data["datosContexto"] = maps.Clone(exec.Context)
	}

	r.records = append(r.records, events.NewAuditRecord(kind, exec.TenantID, userID, description, level, data))
}

// notify queues a lifecycle notification when the definition asks for it.
func (r *run) notify(exec *models.Execution, enabled bool, subject, body string) {
	p := r.policy.Notification
	if !p.Enabled || !enabled || len(p.Recipients) == 0 {
		return
	}

	r.messages = append(r.messages, notification.Message{
		TenantID:   exec.TenantID,
		Channel:    p.Channel,
		Recipients: p.Recipients,
		Subject:    subject,
		Body:       body,
		Metadata:   map[string]any{"ejecucionId": exec.ID, "flujoId": exec.DefinitionID},
	})
}

// flush releases the effects of a persisted pass. Delivery failures are
// logged; the execution is already durable.
func (e *Engine) flush(ctx context.Context, exec *models.Execution, r *run) {
	for _, record := range r.records {
		if err := e.audit.Emit(ctx, record); err != nil {
			e.logger.WarnContext(ctx, "failed to emit audit record", "execution_id", exec.ID, "kind", record.Kind, "error", err)
		}
	}

	if e.notifier != nil {
		for _, msg := range r.messages {
			if err := e.notifier.Notify(ctx, msg); err != nil {
				e.logger.WarnContext(ctx, "failed to send notification", "execution_id", exec.ID, "subject", msg.Subject, "error", err)
			}
		}
	}

	if e.publisher != nil {
		for _, event := range r.events {
			if err := e.publisher.Publish(ctx, exec.ID, event); err != nil {
				e.logger.WarnContext(ctx, "failed to publish event", "execution_id", exec.ID, "event_type", event.GetType(), "error", err)

				continue
			}

			e.metrics.RecordPublished(string(event.GetType()))
		}
	}

	for _, status := range r.steps {
		e.metrics.RecordStep(string(status))
	}

	for range r.escalations {
		e.metrics.RecordEscalation(exec.TenantID)
	}

	if r.started {
		e.metrics.RecordExecutionStarted(exec.TenantID, string(exec.TriggerEvent))
		e.logger.InfoContext(ctx, "execution started", "execution_id", exec.ID, "definition_id", exec.DefinitionID, "tenant_id", exec.TenantID)
	}

	if r.finished {
		elapsed := time.Duration(0)
		if exec.CompletedAt != nil {
			elapsed = exec.CompletedAt.Sub(exec.StartedAt)
		}

		e.metrics.RecordExecutionFinished(exec.TenantID, string(exec.Status), elapsed)
		e.logger.InfoContext(ctx, "execution finished", "execution_id", exec.ID, "status", exec.Status, "elapsed", elapsed)
	}
}
