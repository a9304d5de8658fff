// Package engine runs workflow executions. It starts them, advances them
// through the step graph of their definition and applies approvals, context
// updates, cancellations and timer ticks. Every pass over an execution is
// serialized per execution and persisted under optimistic versioning.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dukex/lexflow/pkg/audit"
	"github.com/dukex/lexflow/pkg/condition"
	"github.com/dukex/lexflow/pkg/dispatch"
	"github.com/dukex/lexflow/pkg/eventbus"
	"github.com/dukex/lexflow/pkg/events"
	"github.com/dukex/lexflow/pkg/graph"
	"github.com/dukex/lexflow/pkg/metrics"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/notification"
	"github.com/dukex/lexflow/pkg/otelhelper"
	"github.com/dukex/lexflow/pkg/persistence"
	"github.com/dukex/lexflow/pkg/policy"
)

// Dispatcher performs step actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Outcome
}

// Dependencies are the collaborators of the engine. Definitions, Executions
// and Dispatcher are required.
type Dependencies struct {
	Definitions persistence.DefinitionRepository
	Executions  persistence.ExecutionRepository
	Dispatcher  Dispatcher
	// Notifier delivers escalation, lifecycle and approval request notifications
	Notifier notification.Notifier
	Audit    audit.Emitter
	// Publisher receives execution lifecycle events
	Publisher eventbus.EventPublisher
	Policies  *policy.Table
	Tracer    trace.Tracer
	Metrics   *metrics.Metrics
}

type Engine struct {
	logger      *slog.Logger
	config      Config
	definitions persistence.DefinitionRepository
	executions  persistence.ExecutionRepository
	dispatcher  Dispatcher
	notifier    notification.Notifier
	audit       audit.Emitter
	publisher   eventbus.EventPublisher
	policies    *policy.Table
	evaluator   *condition.Evaluator
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	locks       *keyedMutex
}

func New(logger *slog.Logger, deps Dependencies, config Config) *Engine {
	logger = logger.With("module", "engine")

	if deps.Audit == nil {
		deps.Audit = audit.NewLogEmitter(logger)
	}

	if deps.Policies == nil {
		deps.Policies = policy.NewTable()
	}

	if deps.Tracer == nil {
		deps.Tracer = otelhelper.NoopTracer()
	}

	return &Engine{
		logger:      logger,
		config:      config.withDefaults(),
		definitions: deps.Definitions,
		executions:  deps.Executions,
		dispatcher:  deps.Dispatcher,
		notifier:    deps.Notifier,
		audit:       deps.Audit,
		publisher:   deps.Publisher,
		policies:    deps.Policies,
		evaluator:   condition.NewEvaluator(logger),
		tracer:      deps.Tracer,
		metrics:     deps.Metrics,
		locks:       newKeyedMutex(),
	}
}

// StartRequest describes a new execution.
type StartRequest struct {
	EntityID   string
	EntityType string
	Context    map[string]any
	ExecutedBy string
	Trigger    models.EventName
}

// Start creates an execution of def and advances it until it waits or
// terminates. The definition must be active and structurally valid; the
// initial context keys belong to no step and are never overwritten.
func (e *Engine) Start(ctx context.Context, def *models.Definition, req StartRequest) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start",
		attribute.String(otelhelper.TenantIDKey, def.TenantID),
		attribute.String(otelhelper.DefinitionIDKey, def.ID),
		attribute.String(otelhelper.EventNameKey, string(req.Trigger)),
	)
	defer span.End()

	if def.Status != models.DefinitionStatusActive {
		err := &DefinitionStateError{DefinitionID: def.ID, Status: def.Status}
		otelhelper.SetError(span, err)

		return nil, err
	}

	if _, err := graph.New(def.Steps); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	now := e.config.Now().UTC()

	initial := maps.Clone(req.Context)
	if initial == nil {
		initial = map[string]any{}
	}

	owners := make(map[string]int, len(initial))
	for key := range initial {
		owners[key] = 0
	}

	exec := &models.Execution{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		TenantID:          def.TenantID,
		EntityID:          req.EntityID,
		EntityType:        req.EntityType,
		TriggerEvent:      req.Trigger,
		Status:            models.ExecutionStatusStarted,
		Context:           initial,
		ContextOwners:     owners,
		ExecutedBy:        req.ExecutedBy,
		StartedAt:         now,
		UpdatedAt:         now,
		History:           []*models.StepHistory{},
	}

	if err := e.executions.Create(ctx, exec); err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, exec.ID))

	started, err := e.apply(ctx, exec.ID, nil)
	if err != nil {
		otelhelper.SetError(span, err)
		e.abandon(ctx, exec.ID, err)

		return nil, err
	}

	return started, nil
}

// abandon fails an execution whose first pass could not complete, so a
// record left in INICIADO never counts as active.
func (e *Engine) abandon(ctx context.Context, executionID string, cause error) {
	current, err := e.executions.GetByID(ctx, executionID)
	if err != nil || current.Status != models.ExecutionStatusStarted {
		return
	}

	now := e.config.Now().UTC()

	exec := current.Clone()
	exec.Status = models.ExecutionStatusFailed
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	exec.Errors = append(exec.Errors, models.ExecutionError{Kind: ErrorKindStart, Message: cause.Error(), At: now})

	if err := e.executions.Save(ctx, exec); err != nil {
		e.logger.ErrorContext(ctx, "failed to mark unstarted execution as failed", "execution_id", executionID, "error", err)
	}
}

// Advance moves an execution forward as far as it can go. Action failures and
// timeouts are recorded on the returned execution; errors are returned only
// when the execution cannot be loaded or persisted.
func (e *Engine) Advance(ctx context.Context, executionID string) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.advance",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
	)
	defer span.End()

	exec, err := e.apply(ctx, executionID, nil)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	otelhelper.SetOutcome(span, string(exec.Status))

	return exec, nil
}

// Decision is an approver callback.
type Decision struct {
	ExecutionID string
	StepOrder   int
	ApproverID  string
	Decision    models.ApprovalDecisionValue
	Comments    string
}

// ResolveApproval records the decision on the pending approval of the current
// step that lists the approver, then advances the execution.
func (e *Engine) ResolveApproval(ctx context.Context, d Decision) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.resolve_approval",
		attribute.String(otelhelper.ExecutionIDKey, d.ExecutionID),
		attribute.Int(otelhelper.StepOrderKey, d.StepOrder),
	)
	defer span.End()

	if d.Decision != models.DecisionApproved && d.Decision != models.DecisionRejected {
		return nil, ErrInvalidDecision
	}

	exec, err := e.apply(ctx, d.ExecutionID, func(g *graph.Graph, exec *models.Execution, r *run) error {
		if exec.Status != models.ExecutionStatusInProgress {
			return fmt.Errorf("%w: %s", ErrNotInProgress, exec.Status)
		}

		if d.StepOrder != exec.CurrentOrder {
			return fmt.Errorf("%w: %d, current is %d", ErrStepNotCurrent, d.StepOrder, exec.CurrentOrder)
		}

		steps := g.Group(exec.CurrentOrder)

		for _, h := range exec.CurrentEntries() {
			step := stepOf(steps, h)
			if step == nil || h.Status != models.StepStatusInProgress {
				continue
			}

			for i, action := range step.Actions {
				if i >= len(h.Actions) {
					break
				}

				state := pendingApproval(action, h.Actions[i], d.ApproverID)
				if state == nil {
					continue
				}

				state.Decisions = append(state.Decisions, models.ApprovalDecision{
					ApproverID: d.ApproverID,
					Decision:   d.Decision,
					Comments:   d.Comments,
					DecidedAt:  r.now,
				})
				h.ExecutedBy = d.ApproverID

				if d.Comments != "" {
					h.Comments = d.Comments
				}

				r.changed = true
				r.record(exec, d.ApproverID, events.AuditApprovalRecorded, events.AuditLevelInfo,
					fmt.Sprintf("Decisión %s registrada en el paso %q", d.Decision, h.StepName),
					map[string]any{"pasoOrden": h.Order, "aprobadorId": d.ApproverID, "decision": d.Decision})

				return nil
			}
		}

		return ErrApprovalNotPending
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return exec, nil
}

// pendingApproval finds the dispatched, unresolved approval state the
// approver may still decide on, looking into parallel sub-actions.
func pendingApproval(action models.Action, state *models.ActionState, approverID string) *models.ActionState {
	if state == nil || state.Terminal() {
		return nil
	}

	switch spec := action.Spec.(type) {
	case *models.ApprovalAction:
		if state.CorrelationID != "" && dispatch.CanDecide(spec, state.Decisions, approverID) {
			return state
		}
	case *models.ParallelAction:
		for i, child := range spec.Actions {
			if i >= len(state.Children) {
				break
			}

			if found := pendingApproval(child, state.Children[i], approverID); found != nil {
				return found
			}
		}
	}

	return nil
}

// UpdateContext merges data into the execution context as keys of the current
// step, then advances the execution so waits on the new data can fire. Keys
// owned by another step are refused and nothing is written.
func (e *Engine) UpdateContext(ctx context.Context, executionID string, data map[string]any, userID string) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.update_context",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
	)
	defer span.End()

	exec, err := e.apply(ctx, executionID, func(_ *graph.Graph, exec *models.Execution, r *run) error {
		if exec.Status != models.ExecutionStatusInProgress {
			return fmt.Errorf("%w: %s", ErrNotInProgress, exec.Status)
		}

		keys := slices.Sorted(maps.Keys(data))

		var owned []string

		for _, key := range keys {
			if owner, ok := exec.ContextOwners[key]; ok && owner != exec.CurrentOrder {
				owned = append(owned, key)
			}
		}

		if len(owned) > 0 {
			return &OwnershipError{Keys: owned}
		}

		if exec.Context == nil {
			exec.Context = map[string]any{}
		}

		if exec.ContextOwners == nil {
			exec.ContextOwners = map[string]int{}
		}

		for _, key := range keys {
			exec.Context[key] = data[key]
			exec.ContextOwners[key] = exec.CurrentOrder
		}

		r.changed = true

		e.logger.DebugContext(ctx, "context updated", "execution_id", exec.ID, "user_id", userID, "keys", keys)

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return exec, nil
}

// Cancel stops an in-progress execution. It does not wait for a pass in
// flight: that pass loses its version check, reloads the cancelled execution
// and discards its results.
func (e *Engine) Cancel(ctx context.Context, executionID, reason, userID string) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.cancel",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
	)
	defer span.End()

	for attempt := 0; ; attempt++ {
		current, err := e.executions.GetByID(ctx, executionID)
		if err != nil {
			otelhelper.SetError(span, err)

			return nil, err
		}

		if current.Status != models.ExecutionStatusInProgress {
			err := &TransitionError{ExecutionID: current.ID, From: current.Status, To: models.ExecutionStatusCancelled}
			otelhelper.SetError(span, err)

			return nil, err
		}

		def, err := e.definitions.GetByID(ctx, current.DefinitionID)
		if err != nil {
			if !persistence.IsDefinitionNotFound(err) {
				otelhelper.SetError(span, err)

				return nil, err
			}

			def = &models.Definition{ID: current.DefinitionID, TenantID: current.TenantID}
		}

		r := &run{now: e.config.Now().UTC(), def: def, policy: e.policies.Load(def)}
		exec := current.Clone()

		exec.Status = models.ExecutionStatusCancelled
		exec.CancelReason = reason
		exec.CompletedAt = &r.now
		exec.WakeAt = nil
		exec.Results = summarize(exec)

		r.finished = true
		r.record(exec, userID, events.AuditExecutionCancelled, events.AuditLevelWarning,
			fmt.Sprintf("Ejecución del flujo %q cancelada", def.Name),
			map[string]any{"motivo": reason, "pasoOrden": exec.CurrentOrder})
		r.events = append(r.events, finishedEvent(exec))

		err = e.executions.Save(ctx, exec)
		if err == nil {
			e.flush(ctx, exec, r)

			return exec, nil
		}

		if !persistence.IsConcurrencyConflict(err) || attempt >= e.config.MaxConflictRetries {
			otelhelper.SetError(span, err)

			return nil, err
		}

		e.metrics.RecordConflict()
	}
}

// Tick advances every in-progress execution whose wake time has passed: step
// and approval deadlines, wait durations and global timeouts. It returns how
// many executions were advanced.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	due, err := e.executions.ListDue(ctx, e.config.Now().UTC(), e.config.TickBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due executions: %w", err)
	}

	var (
		advanced atomic.Int32
		group    errgroup.Group
	)

	group.SetLimit(e.config.TickConcurrency)

	for _, exec := range due {
		group.Go(func() error {
			if _, err := e.Advance(ctx, exec.ID); err != nil {
				e.logger.ErrorContext(ctx, "failed to advance due execution", "execution_id", exec.ID, "error", err)

				return nil
			}

			advanced.Add(1)

			return nil
		})
	}

	_ = group.Wait()

	return int(advanced.Load()), nil
}

// mutation changes a working copy of an execution before it is driven.
type mutation func(g *graph.Graph, exec *models.Execution, r *run) error

// apply runs one serialized pass: load, mutate, drive, persist. A pass that
// loses the version check is replayed against the fresh execution.
func (e *Engine) apply(ctx context.Context, executionID string, mutate mutation) (*models.Execution, error) {
	unlock := e.locks.Lock(executionID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := e.executions.GetByID(ctx, executionID)
		if err != nil {
			return nil, err
		}

		if current.Status.IsTerminal() && mutate == nil {
			return current, nil
		}

		def, err := e.definitions.GetByID(ctx, current.DefinitionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load definition of execution %s: %w", executionID, err)
		}

		g, err := graph.New(def.Steps)
		if err != nil {
			return nil, err
		}

		r := &run{now: e.config.Now().UTC(), def: def, policy: e.policies.Load(def)}
		exec := current.Clone()

		if mutate != nil {
			if err := mutate(g, exec, r); err != nil {
				return nil, err
			}
		}

		e.drive(ctx, g, exec, r)

		if !r.changed {
			return current, nil
		}

		exec.UpdatedAt = r.now

		err = e.executions.Save(ctx, exec)
		if err == nil {
			e.flush(ctx, exec, r)

			return exec, nil
		}

		if !persistence.IsConcurrencyConflict(err) || attempt >= e.config.MaxConflictRetries {
			return nil, err
		}

		e.metrics.RecordConflict()
		e.logger.InfoContext(ctx, "execution changed concurrently, replaying pass", "execution_id", executionID, "attempt", attempt+1)
	}
}
