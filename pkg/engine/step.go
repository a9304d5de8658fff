package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/lexflow/pkg/dispatch"
	"github.com/dukex/lexflow/pkg/events"
	"github.com/dukex/lexflow/pkg/graph"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/notification"
	"github.com/dukex/lexflow/pkg/otelhelper"
	"github.com/dukex/lexflow/pkg/policy"
	"github.com/dukex/lexflow/pkg/template"
)

// entryResult is what happened to one step instance during a pass.
type entryResult struct {
	changed    bool
	finished   bool
	failure    error
	escalation *policy.EscalationDecision
	notices    []notification.Message
}

// drive moves exec forward until a step waits or the execution terminates.
// Orders only increase, so the loop is bounded by the number of groups.
func (e *Engine) drive(ctx context.Context, g *graph.Graph, exec *models.Execution, r *run) {
	if exec.Status == models.ExecutionStatusStarted {
		e.begin(g, exec, r)
	}

	for exec.Status == models.ExecutionStatusInProgress {
		if r.policy.GlobalTTL > 0 && !r.now.Before(exec.StartedAt.Add(r.policy.GlobalTTL)) {
			e.expire(exec, r)

			return
		}

		entries := exec.CurrentEntries()
		results := e.processGroup(ctx, g, exec, entries, r)
		e.collect(g, exec, entries, results, r)

		if slices.ContainsFunc(entries, func(h *models.StepHistory) bool { return !h.Status.IsTerminal() }) {
			e.scheduleWake(exec, entries, r)

			return
		}

		outcome := graph.Success
		if slices.ContainsFunc(entries, func(h *models.StepHistory) bool { return h.Status == models.StepStatusFailed }) {
			outcome = graph.Failure
		}

		e.join(exec, entries)

		next := g.Next(exec.CurrentOrder, outcome)

		switch {
		case next.Terminal && next.Outcome == graph.Success:
			e.finish(exec, models.ExecutionStatusCompleted, r)
		case next.Terminal:
			e.finish(exec, models.ExecutionStatusFailed, r)
		case next.Order <= exec.CurrentOrder:
			exec.Errors = append(exec.Errors, models.ExecutionError{
				Kind:      ErrorKindTransition,
				Message:   fmt.Sprintf("%v: %d -> %d", ErrBackwardTransition, exec.CurrentOrder, next.Order),
				StepOrder: exec.CurrentOrder,
				At:        r.now,
			})
			e.finish(exec, models.ExecutionStatusFailed, r)
		default:
			e.enter(g, exec, next.Order)
			r.changed = true
		}
	}
}

// begin moves a freshly created execution into its first step group.
func (e *Engine) begin(g *graph.Graph, exec *models.Execution, r *run) {
	exec.Status = models.ExecutionStatusInProgress
	e.enter(g, exec, g.First())

	r.changed = true
	r.started = true
	r.record(exec, exec.ExecutedBy, events.AuditExecutionStarted, events.AuditLevelInfo,
		fmt.Sprintf("Ejecución del flujo %q iniciada", r.def.Name),
		map[string]any{"disparador": exec.TriggerEvent})
	r.events = append(r.events, &events.ExecutionStarted{
		BaseEvent:    events.NewBaseEvent(events.ExecutionStartedEvent, exec.TenantID),
		ExecutionID:  exec.ID,
		DefinitionID: exec.DefinitionID,
		EntityID:     exec.EntityID,
		EntityType:   exec.EntityType,
	})
	r.notify(exec, r.policy.Notification.NotifyOnStart,
		fmt.Sprintf("Flujo iniciado: %s", r.def.Name),
		fmt.Sprintf("Se inició la ejecución %s del flujo %q.", exec.ID, r.def.Name))
}

// enter appends a pending history entry for every step of the group at order.
func (e *Engine) enter(g *graph.Graph, exec *models.Execution, order int) {
	exec.CurrentOrder = order

	for slot, step := range g.Group(order) {
		exec.History = append(exec.History, &models.StepHistory{
			StepID:   step.Key(),
			StepName: step.Name,
			Order:    order,
			Slot:     slot,
			Status:   models.StepStatusPending,
		})
	}
}

// processGroup works every unfinished entry of the current group. Parallel
// siblings run concurrently; each goroutine touches only its own entry.
func (e *Engine) processGroup(ctx context.Context, g *graph.Graph, exec *models.Execution, entries []*models.StepHistory, r *run) []entryResult {
	results := make([]entryResult, len(entries))
	steps := g.Group(exec.CurrentOrder)

	if len(entries) == 1 {
		results[0] = e.processEntry(ctx, exec, stepOf(steps, entries[0]), entries[0], r)

		return results
	}

	var wg sync.WaitGroup

	for i, h := range entries {
		if h.Status.IsTerminal() {
			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i] = e.processEntry(ctx, exec, stepOf(steps, h), h, r)
		}()
	}

	wg.Wait()

	return results
}

func (e *Engine) processEntry(ctx context.Context, exec *models.Execution, step *models.Step, h *models.StepHistory, r *run) entryResult {
	var res entryResult

	if h.Status.IsTerminal() {
		return res
	}

	if step == nil {
		failEntry(h, ErrStepUndefined, r.now)

		return entryResult{changed: true, finished: true, failure: ErrStepUndefined}
	}

	if h.Status == models.StepStatusPending {
		if ok, diagnostics := e.evaluator.All(step.Conditions, exec.Context); !ok {
			h.Status = models.StepStatusSkipped
			h.CompletedAt = &r.now

			for _, d := range diagnostics {
				h.Errors = append(h.Errors, d.String())
			}

			return entryResult{changed: true, finished: true}
		}

		startEntry(step, h, exec, r.now)

		res.changed = true
	}

	if h.Deadline != nil && !r.now.Before(*h.Deadline) {
		decision := r.policy.OnTimeout(h.Extensions, hours(step.TimeoutHours))
		if !decision.Escalate {
			failEntry(h, ErrStepTimeout, r.now)

			return entryResult{changed: true, finished: true, failure: ErrStepTimeout}
		}

		h.Extensions++
		deadline := r.now.Add(decision.Extension)
		h.Deadline = &deadline

		res.changed = true
		res.escalation = &decision
	}

	for i, action := range step.Actions {
		for len(h.Actions) <= i {
			h.Actions = append(h.Actions, newActionState(len(h.Actions), step.Actions[len(h.Actions)], r.now))
		}

		state := h.Actions[i]
		if state.Status == models.ActionStatusCompleted {
			continue
		}

		before, _ := json.Marshal(state)
		outcome := e.dispatchAction(ctx, exec, step, h.Slot, action, state, r)
		dispatch.Apply(state, outcome)

		res.notices = append(res.notices, outcome.Notices...)

		if after, _ := json.Marshal(state); !bytes.Equal(before, after) {
			res.changed = true
		}

		switch outcome.Kind {
		case dispatch.KindPending:
			return res
		case dispatch.KindFailed:
			failEntry(h, outcome.Err, r.now)

			res.changed = true
			res.finished = true
			res.failure = outcome.Err

			return res
		case dispatch.KindCompleted:
			if len(outcome.Data) > 0 {
				if h.Output == nil {
					h.Output = map[string]any{}
				}

				maps.Copy(h.Output, outcome.Data)
			}
		}
	}

	completeEntry(step, h, r.now)

	res.changed = true
	res.finished = true

	return res
}

// dispatchAction runs one attempt of an action. A retryable failure with
// attempts left leaves the action pending until its retry time; the tick loop
// picks it up again, so no pass sleeps while holding the execution.
func (e *Engine) dispatchAction(ctx context.Context, exec *models.Execution, step *models.Step, slot int, action models.Action, state *models.ActionState, r *run) dispatch.Outcome {
	if state.RetryAt != nil {
		if r.now.Before(*state.RetryAt) {
			return dispatch.Pending(state.CorrelationID, state.RetryAt)
		}

		state.RetryAt = nil
		resetFailed(state)
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.dispatch",
		attribute.String(otelhelper.ExecutionIDKey, exec.ID),
		attribute.Int(otelhelper.StepOrderKey, step.Order),
		attribute.String(otelhelper.StepNameKey, step.Name),
		attribute.String(otelhelper.ActionTypeKey, string(action.Type())),
	)
	defer span.End()

	state.Attempts++

	req := dispatch.Request{
		Action:         action,
		State:          state,
		Step:           step,
		Execution:      executionData(exec),
		Now:            r.now,
		IdempotencyKey: fmt.Sprintf("%s:%d:%d:%d:%d", exec.ID, step.Order, slot, state.Index, state.Attempts),
	}

	started := time.Now()
	outcome := e.dispatcher.Dispatch(ctx, req)
	e.metrics.RecordDispatch(string(action.Type()), outcome.Kind.String(), time.Since(started))

	if outcome.Kind == dispatch.KindFailed && dispatch.IsRetryable(outcome.Err) && uint(state.Attempts) < r.policy.MaxTries() {
		retryAt := r.now.Add(r.policy.RetryDelay(state.Attempts))
		state.RetryAt = &retryAt
		state.Error = outcome.Err.Error()

		e.metrics.RecordRetry(string(action.Type()))
		e.logger.WarnContext(ctx, "action dispatch failed, retry scheduled", "execution_id", exec.ID, "step_order", step.Order,
			"action_type", action.Type(), "attempt", state.Attempts, "retry_at", retryAt, "error", outcome.Err)

		retry := dispatch.Pending(state.CorrelationID, &retryAt)
		retry.Notices = outcome.Notices
		otelhelper.SetOutcome(span, "retry")

		return retry
	}

	otelhelper.SetOutcome(span, outcome.Kind.String())

	if outcome.Kind == dispatch.KindFailed {
		otelhelper.SetError(span, outcome.Err)
	}

	return outcome
}

// collect records the entries finished in this pass, serially, once the
// group's goroutines are done.
func (e *Engine) collect(g *graph.Graph, exec *models.Execution, entries []*models.StepHistory, results []entryResult, r *run) {
	steps := g.Group(exec.CurrentOrder)

	for i, h := range entries {
		res := results[i]
		if res.changed {
			r.changed = true
		}

		r.messages = append(r.messages, res.notices...)

		if res.escalation != nil {
			e.escalate(exec, stepOf(steps, h), h, *res.escalation, r)
		}

		if !res.finished {
			continue
		}

		r.steps = append(r.steps, h.Status)
		data := map[string]any{"pasoOrden": h.Order, "pasoId": h.StepID}

		switch h.Status {
		case models.StepStatusSkipped:
			r.record(exec, exec.ExecutedBy, events.AuditStepSkipped, events.AuditLevelInfo,
				fmt.Sprintf("Paso %q omitido: condiciones no cumplidas", h.StepName), data)
		case models.StepStatusCompleted:
			r.record(exec, exec.ExecutedBy, events.AuditStepCompleted, events.AuditLevelInfo,
				fmt.Sprintf("Paso %q completado", h.StepName), data)
		case models.StepStatusFailed:
			exec.Errors = append(exec.Errors, models.ExecutionError{
				Kind:      errorKind(res.failure),
				Message:   res.failure.Error(),
				StepOrder: h.Order,
				At:        r.now,
			})

			data["error"] = res.failure.Error()
			r.record(exec, exec.ExecutedBy, events.AuditStepFailed, events.AuditLevelError,
				fmt.Sprintf("Paso %q fallido", h.StepName), data)
		}
	}
}

// escalate notifies the escalation recipients, or the step assignees when
// none are configured, that a step deadline was extended.
func (e *Engine) escalate(exec *models.Execution, step *models.Step, h *models.StepHistory, decision policy.EscalationDecision, r *run) {
	r.escalations++
	r.record(exec, exec.ExecutedBy, events.AuditStepEscalated, events.AuditLevelWarning,
		fmt.Sprintf("Paso %q escalado por vencimiento", h.StepName),
		map[string]any{"pasoOrden": h.Order, "extensiones": h.Extensions, "fechaLimite": h.Deadline})

	recipients := decision.Recipients
	if len(recipients) == 0 && step != nil {
		recipients = step.AssignedUsers
	}

	if len(recipients) == 0 {
		return
	}

	r.messages = append(r.messages, notification.Message{
		TenantID:   exec.TenantID,
		Channel:    decision.Channel,
		Recipients: recipients,
		Subject:    fmt.Sprintf("Paso vencido: %s", h.StepName),
		Body: fmt.Sprintf("El paso %q de la ejecución %s superó su tiempo límite. Nuevo plazo: %s.",
			h.StepName, exec.ID, h.Deadline.Format(time.RFC3339)),
		Metadata: map[string]any{"ejecucionId": exec.ID, "pasoOrden": h.Order},
	})
}

// join merges the outputs of the finished group into the context. A key
// already owned by another step, or written by an earlier sibling, is kept and
// the conflict is noted on the entry.
func (e *Engine) join(exec *models.Execution, entries []*models.StepHistory) {
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}

	if exec.ContextOwners == nil {
		exec.ContextOwners = map[string]int{}
	}

	written := map[string]bool{}

	for _, h := range entries {
		if h.Status != models.StepStatusCompleted {
			continue
		}

		for _, key := range slices.Sorted(maps.Keys(h.Output)) {
			owner, owned := exec.ContextOwners[key]
			if written[key] || (owned && owner != exec.CurrentOrder) {
				h.Errors = append(h.Errors, fmt.Sprintf("context key %q is owned by step %d", key, owner))

				continue
			}

			exec.Context[key] = h.Output[key]
			exec.ContextOwners[key] = exec.CurrentOrder
			written[key] = true
		}
	}
}

// scheduleWake sets when the execution must be re-examined: the earliest step
// deadline, action deadline or global timeout.
func (e *Engine) scheduleWake(exec *models.Execution, entries []*models.StepHistory, r *run) {
	var wake *time.Time

	consider := func(t *time.Time) {
		if t != nil && (wake == nil || t.Before(*wake)) {
			v := *t
			wake = &v
		}
	}

	for _, h := range entries {
		if h.Status.IsTerminal() {
			continue
		}

		consider(h.Deadline)

		for _, state := range h.Actions {
			if !state.Terminal() {
				consider(state.Deadline)
			}
		}
	}

	if r.policy.GlobalTTL > 0 {
		deadline := exec.StartedAt.Add(r.policy.GlobalTTL)
		consider(&deadline)
	}

	if !sameTime(exec.WakeAt, wake) {
		exec.WakeAt = wake
		r.changed = true
	}
}

// expire fails an execution that exceeded its global timeout.
func (e *Engine) expire(exec *models.Execution, r *run) {
	for _, h := range exec.CurrentEntries() {
		if h.Status.IsTerminal() {
			continue
		}

		failEntry(h, ErrExecutionTimeout, r.now)
		r.steps = append(r.steps, h.Status)
	}

	exec.Errors = append(exec.Errors, models.ExecutionError{
		Kind:      ErrorKindExecutionTimeout,
		Message:   ErrExecutionTimeout.Error(),
		StepOrder: exec.CurrentOrder,
		At:        r.now,
	})

	e.finish(exec, models.ExecutionStatusFailed, r)
}

// finish moves the execution to a terminal status.
func (e *Engine) finish(exec *models.Execution, status models.ExecutionStatus, r *run) {
	exec.Status = status
	exec.CompletedAt = &r.now
	exec.WakeAt = nil
	exec.Results = summarize(exec)

	r.changed = true
	r.finished = true
	r.events = append(r.events, finishedEvent(exec))

	if status == models.ExecutionStatusCompleted {
		r.record(exec, exec.ExecutedBy, events.AuditExecutionCompleted, events.AuditLevelInfo,
			fmt.Sprintf("Ejecución del flujo %q completada", r.def.Name), map[string]any{"pasoOrden": exec.CurrentOrder})
		r.notify(exec, r.policy.Notification.NotifyOnComplete,
			fmt.Sprintf("Flujo completado: %s", r.def.Name),
			fmt.Sprintf("La ejecución %s del flujo %q finalizó correctamente.", exec.ID, r.def.Name))

		return
	}

	data := map[string]any{"pasoOrden": exec.CurrentOrder}
	if len(exec.Errors) > 0 {
		data["error"] = exec.Errors[len(exec.Errors)-1].Message
	}

	r.record(exec, exec.ExecutedBy, events.AuditExecutionFailed, events.AuditLevelError,
		fmt.Sprintf("Ejecución del flujo %q fallida", r.def.Name), data)
	r.notify(exec, r.policy.Notification.NotifyOnFailure,
		fmt.Sprintf("Flujo fallido: %s", r.def.Name),
		fmt.Sprintf("La ejecución %s del flujo %q terminó con errores.", exec.ID, r.def.Name))
}

func startEntry(step *models.Step, h *models.StepHistory, exec *models.Execution, now time.Time) {
	h.Status = models.StepStatusInProgress
	h.StartedAt = &now
	h.AssignedTo = step.AssignedUsers
	h.Input = maps.Clone(exec.Context)

	if step.TimeoutHours > 0 {
		deadline := now.Add(hours(step.TimeoutHours))
		h.Deadline = &deadline
	}

	h.Actions = make([]*models.ActionState, len(step.Actions))
	for i, action := range step.Actions {
		h.Actions[i] = newActionState(i, action, now)
	}
}

func newActionState(index int, action models.Action, now time.Time) *models.ActionState {
	return &models.ActionState{
		Index:     index,
		Type:      action.Type(),
		Status:    models.ActionStatusPending,
		StartedAt: now,
	}
}

func completeEntry(step *models.Step, h *models.StepHistory, now time.Time) {
	h.Status = models.StepStatusCompleted
	h.Result = models.StepResultCompleted

	if slices.ContainsFunc(step.Actions, func(a models.Action) bool { return a.Type() == models.ActionTypeApproval }) {
		h.Result = models.StepResultApproved
	}

	closeEntry(h, now)
}

func failEntry(h *models.StepHistory, err error, now time.Time) {
	h.Status = models.StepStatusFailed
	h.Result = models.StepResultError

	var rejection *dispatch.RejectionError
	if errors.As(err, &rejection) {
		h.Result = models.StepResultRejected
		h.ExecutedBy = rejection.ApproverID

		if rejection.Comments != "" {
			h.Comments = rejection.Comments
		}
	}

	h.Errors = append(h.Errors, err.Error())

	closeEntry(h, now)
}

func closeEntry(h *models.StepHistory, now time.Time) {
	h.CompletedAt = &now
	h.Deadline = nil

	if h.StartedAt != nil {
		h.ElapsedMs = now.Sub(*h.StartedAt).Milliseconds()
	}
}

// resetFailed re-arms failed parallel sub-actions before a retry.
func resetFailed(state *models.ActionState) {
	for _, child := range state.Children {
		if child.Status == models.ActionStatusFailed {
			child.Status = models.ActionStatusPending
			child.Error = ""
		}

		resetFailed(child)
	}
}

// stepOf returns the step an entry was entered for. Entries are bound to their
// position in the group, so siblings with equal or empty ids stay distinct.
func stepOf(group []*models.Step, h *models.StepHistory) *models.Step {
	if h.Slot < 0 || h.Slot >= len(group) {
		return nil
	}

	return group[h.Slot]
}

func executionData(exec *models.Execution) template.ExecutionData {
	return template.ExecutionData{
		ExecutionID:  exec.ID,
		DefinitionID: exec.DefinitionID,
		TenantID:     exec.TenantID,
		EntityID:     exec.EntityID,
		EntityType:   exec.EntityType,
		StepOrder:    exec.CurrentOrder,
		Context:      exec.Context,
	}
}

func summarize(exec *models.Execution) map[string]any {
	counts := map[string]any{}

	for _, h := range exec.History {
		n, _ := counts[string(h.Status)].(int)
		counts[string(h.Status)] = n + 1
	}

	return map[string]any{"pasos": counts, "pasoFinal": exec.CurrentOrder}
}

func finishedEvent(exec *models.Execution) *events.ExecutionFinished {
	var elapsed time.Duration
	if exec.CompletedAt != nil {
		elapsed = exec.CompletedAt.Sub(exec.StartedAt)
	}

	return &events.ExecutionFinished{
		BaseEvent:    events.NewBaseEvent(events.ExecutionFinishedEvent, exec.TenantID),
		ExecutionID:  exec.ID,
		DefinitionID: exec.DefinitionID,
		Status:       string(exec.Status),
		Results:      exec.Results,
		Duration:     elapsed,
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return a.Equal(*b)
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
