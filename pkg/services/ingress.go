package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/lexflow/pkg/engine"
	"github.com/dukex/lexflow/pkg/events"
	"github.com/dukex/lexflow/pkg/log"
	"github.com/dukex/lexflow/pkg/metrics"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/trigger"
)

// SystemUser executes workflows started by events and webhooks.
const SystemUser = "sistema"

type IngressDependencies struct {
	Definitions *Definitions
	Runner      Runner
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Ingress turns domain events and webhook calls into executions.
type Ingress struct {
	logger      *slog.Logger
	definitions *Definitions
	runner      Runner
	matcher     *trigger.Matcher
	metrics     *metrics.Metrics
}

func NewIngress(logger *slog.Logger, deps IngressDependencies) *Ingress {
	return &Ingress{
		logger:      logger.With("module", "ingress"),
		definitions: deps.Definitions,
		runner:      deps.Runner,
		matcher:     trigger.NewMatcher(logger, deps.Now),
		metrics:     deps.Metrics,
	}
}

// HandleEvent starts every active definition of the tenant whose triggers
// accept the event. Failures of single starts are joined; the others still run.
func (i *Ingress) HandleEvent(ctx context.Context, event *events.DomainEventReceived) ([]*models.Execution, error) {
	if event == nil || event.TenantID == "" {
		return nil, NewValidationError("handleEvent", "INVALID_EVENT", "event has no tenant", ErrInvalidEvent)
	}

	name := models.EventName(event.Event)
	if !name.IsDomainEvent() {
		return nil, NewValidationError("handleEvent", "INVALID_EVENT", fmt.Sprintf("unknown event %q", event.Event), ErrInvalidEvent)
	}

	candidates, err := i.definitions.ActiveForTenant(ctx, event.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active definitions: %w", err)
	}

	matched := i.matcher.Match(name, event.Context, candidates)
	i.metrics.RecordTriggerMatches(event.Event, len(matched))

	logger := log.FromContext(ctx, i.logger)
	logger.InfoContext(ctx, "domain event received",
		"tenant_id", event.TenantID,
		"event", event.Event,
		"entity_id", event.EntityID,
		"matched", len(matched))

	executedBy := event.UserID
	if executedBy == "" {
		executedBy = SystemUser
	}

	var (
		started []*models.Execution
		errs    []error
	)

	for _, def := range matched {
		exec, err := i.runner.Start(ctx, def, engine.StartRequest{
			EntityID:   event.EntityID,
			EntityType: event.EntityType,
			Context:    event.Context,
			ExecutedBy: executedBy,
			Trigger:    name,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to start workflow", "definition_id", def.ID, "event", event.Event, "error", err)
			errs = append(errs, fmt.Errorf("definition %s: %w", def.ID, err))

			continue
		}

		started = append(started, exec)
	}

	return started, errors.Join(errs...)
}

// Consume runs HandleEvent for an event taken off the bus. Malformed events
// are dropped since redelivery cannot fix them.
func (i *Ingress) Consume(ctx context.Context, event *events.DomainEventReceived) error {
	_, err := i.HandleEvent(ctx, event)
	if errors.Is(err, ErrInvalidEvent) {
		i.logger.WarnContext(ctx, "dropping invalid domain event", "error", err)

		return nil
	}

	return err
}

// Webhook starts definitionID when secret opens one of its WEBHOOK triggers
// and the trigger conditions accept payload. A nil execution with a nil error
// means the payload was filtered out.
func (i *Ingress) Webhook(ctx context.Context, definitionID, secret string, payload map[string]any) (*models.Execution, error) {
	def, err := i.definitions.definitions.GetByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	t, err := i.matcher.MatchWebhook(def, secret, payload)
	if err != nil {
		if errors.Is(err, trigger.ErrWebhookNotConfigured) {
			return nil, NewValidationError("webhook", "WEBHOOK_NOT_CONFIGURED", err.Error(), ErrInvalidRequest)
		}

		return nil, err
	}

	if t == nil {
		i.logger.InfoContext(ctx, "webhook payload filtered out", "definition_id", def.ID)

		return nil, nil
	}

	if def.Status != models.DefinitionStatusActive {
		return nil, &engine.DefinitionStateError{DefinitionID: def.ID, Status: def.Status}
	}

	i.metrics.RecordTriggerMatches(string(models.EventWebhook), 1)

	return i.runner.Start(ctx, def, engine.StartRequest{
		Context:    payload,
		ExecutedBy: SystemUser,
		Trigger:    models.EventWebhook,
	})
}
