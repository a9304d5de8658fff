package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/lexflow/pkg/condition"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/notification"
	"github.com/dukex/lexflow/pkg/template"
)

const (
	defaultIntegrationTimeout = 30 * time.Second
	maxResponseBody           = 1 << 20
)

// Output keys written to the execution context.
const (
	KeyApproval            = "aprobacion"
	KeyDocument            = "documentoId"
	KeyForm                = "formularioId"
	KeyIntegrationResponse = "respuestaIntegracion"
)

// Request is everything needed to dispatch one action.
type Request struct {
	Action models.Action
	// State is the persisted progress of the action; parallel actions update
	// the states of their children in place
	State     *models.ActionState
	Step      *models.Step
	Execution template.ExecutionData
	Now       time.Time
	// IdempotencyKey is stable across replays of the same attempt and is sent
	// with integration calls
	IdempotencyKey string
}

// IdempotencyHeader carries Request.IdempotencyKey on integration calls.
const IdempotencyHeader = "Idempotency-Key"

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DocumentRequest asks the documents collaborator for a document.
type DocumentRequest struct {
	TenantID     string
	ExecutionID  string
	StepOrder    int
	EntityID     string
	EntityType   string
	Template     string
	AutoGenerate bool
	Data         map[string]any
}

// DocumentService accepts document requests and returns their id.
type DocumentService interface {
	RequestDocument(ctx context.Context, req DocumentRequest) (string, error)
}

// FormRequest asks the forms collaborator to capture fields.
type FormRequest struct {
	TenantID       string
	ExecutionID    string
	StepOrder      int
	RequiredFields []string
	Validations    []models.Condition
	AssignedUsers  []string
}

// FormService accepts form requests and returns their id.
type FormService interface {
	RequestForm(ctx context.Context, req FormRequest) (string, error)
}

// TemplateCatalog resolves named notification templates.
type TemplateCatalog interface {
	Lookup(name string) (subject, body string, ok bool)
}

// Collaborators are the side-effecting services actions delegate to.
type Collaborators struct {
	Notifier  notification.Notifier
	Documents DocumentService
	Forms     FormService
	HTTP      HTTPDoer
	// Templates is optional; a plantilla without a catalog entry is the
	// template text itself
	Templates TemplateCatalog
}

// ActionDispatcher dispatches every action type.
type ActionDispatcher struct {
	logger        *slog.Logger
	evaluator     *condition.Evaluator
	collaborators Collaborators
}

func NewActionDispatcher(logger *slog.Logger, collaborators Collaborators) *ActionDispatcher {
	if collaborators.HTTP == nil {
		collaborators.HTTP = &http.Client{}
	}

	return &ActionDispatcher{
		logger:        logger.With("module", "dispatcher"),
		evaluator:     condition.NewEvaluator(logger),
		collaborators: collaborators,
	}
}

// Dispatch performs the action. It never panics on malformed configuration:
// such actions fail.
func (d *ActionDispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	if req.State == nil {
		req.State = &models.ActionState{Type: req.Action.Type(), StartedAt: req.Now}
	}

	switch spec := req.Action.Spec.(type) {
	case *models.ApprovalAction:
		return d.approval(req, spec)
	case *models.NotificationAction:
		return d.notification(ctx, req, spec)
	case *models.DocumentAction:
		return d.document(ctx, req, spec)
	case *models.FormAction:
		return d.form(ctx, req, spec)
	case *models.IntegrationAction:
		return d.integration(ctx, req, spec)
	case *models.WaitAction:
		return d.wait(req, spec)
	case *models.ConditionAction:
		return d.branch(req, spec)
	case *models.ParallelAction:
		return d.parallel(ctx, req, spec)
	default:
		return Failed(fmt.Errorf("%w: %q", models.ErrUnknownActionType, req.Action.Type()))
	}
}

func (d *ActionDispatcher) approval(req Request, a *models.ApprovalAction) Outcome {
	state := req.State
	correlationID := state.CorrelationID
	deadline := state.Deadline

	var notices []notification.Message

	if correlationID == "" {
		correlationID = uuid.NewString()

		if a.TimeoutHours > 0 {
			dl := req.Now.Add(time.Duration(a.TimeoutHours * float64(time.Hour)))
			deadline = &dl
		}

		notices = append(notices, approvalRequest(req, a))
	}

	var out Outcome

	switch tally := CountDecisions(a, state.Decisions); {
	case tally.Verdict == VerdictRejected:
		out = Failed(&RejectionError{ApproverID: tally.RejectedBy.ApproverID, Comments: tally.RejectedBy.Comments})
	case tally.Verdict == VerdictApproved:
		out = Completed(map[string]any{
			KeyApproval: map[string]any{"aprobado": true, "aprobadores": tally.Approved},
		})
	case deadline != nil && !req.Now.Before(*deadline):
		out = Failed(ErrApprovalTimeout)
	default:
		out = Pending(correlationID, deadline)
	}

	out.Notices = notices

	return out
}

// approvalRequest asks the approvers for their decision. It is returned as a
// notice so it is sent only once the pending approval is persisted.
func approvalRequest(req Request, a *models.ApprovalAction) notification.Message {
	stepName := ""
	if req.Step != nil {
		stepName = req.Step.Name
	}

	return notification.Message{
		TenantID:   req.Execution.TenantID,
		Recipients: a.Approvers,
		Subject:    "Aprobación requerida",
		Body:       fmt.Sprintf("Se requiere su aprobación en el paso %q de la ejecución %s.", stepName, req.Execution.ExecutionID),
		Metadata:   map[string]any{"ejecucionId": req.Execution.ExecutionID, "pasoOrden": req.Execution.StepOrder},
	}
}

func (d *ActionDispatcher) notification(ctx context.Context, req Request, a *models.NotificationAction) Outcome {
	if d.collaborators.Notifier == nil {
		return Failed(ErrCollaboratorUnavailable)
	}

	data := req.Execution.Map()

	source, subject := a.Template, a.Subject

	if d.collaborators.Templates != nil {
		if catalogSubject, catalogBody, ok := d.collaborators.Templates.Lookup(a.Template); ok {
			source = catalogBody

			if subject == "" {
				subject = catalogSubject
			}
		}
	}

	body, err := template.RenderString(source, data)
	if err != nil {
		return Failed(err)
	}

	if subject == "" {
		subject = "Notificación de flujo de trabajo"
	}

	if subject, err = template.RenderString(subject, data); err != nil {
		return Failed(err)
	}

	recipients := make([]string, 0, len(a.Recipients))

	for _, r := range a.Recipients {
		rendered, err := template.RenderString(r, data)
		if err != nil {
			return Failed(err)
		}

		if rendered = strings.TrimSpace(rendered); rendered != "" {
			recipients = append(recipients, rendered)
		}
	}

	err = d.collaborators.Notifier.Notify(ctx, notification.Message{
		TenantID:   req.Execution.TenantID,
		Channel:    a.Channel,
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
		Metadata:   map[string]any{"ejecucionId": req.Execution.ExecutionID},
	})
	if err != nil {
		return Failed(&DispatchError{Action: models.ActionTypeNotification, Err: err})
	}

	return Completed(nil)
}

func (d *ActionDispatcher) document(ctx context.Context, req Request, a *models.DocumentAction) Outcome {
	if d.collaborators.Documents == nil {
		return Failed(ErrCollaboratorUnavailable)
	}

	id, err := d.collaborators.Documents.RequestDocument(ctx, DocumentRequest{
		TenantID:     req.Execution.TenantID,
		ExecutionID:  req.Execution.ExecutionID,
		StepOrder:    req.Execution.StepOrder,
		EntityID:     req.Execution.EntityID,
		EntityType:   req.Execution.EntityType,
		Template:     a.Template,
		AutoGenerate: a.AutoGenerate,
		Data:         req.Execution.Context,
	})
	if err != nil {
		return Failed(&DispatchError{Action: models.ActionTypeDocument, Err: err})
	}

	key := a.OutputKey
	if key == "" {
		key = KeyDocument
	}

	return Completed(map[string]any{key: id})
}

func (d *ActionDispatcher) form(ctx context.Context, req Request, a *models.FormAction) Outcome {
	if d.collaborators.Forms == nil {
		return Failed(ErrCollaboratorUnavailable)
	}

	var assigned []string
	if req.Step != nil {
		assigned = req.Step.AssignedUsers
	}

	id, err := d.collaborators.Forms.RequestForm(ctx, FormRequest{
		TenantID:       req.Execution.TenantID,
		ExecutionID:    req.Execution.ExecutionID,
		StepOrder:      req.Execution.StepOrder,
		RequiredFields: a.RequiredFields,
		Validations:    a.Validations,
		AssignedUsers:  assigned,
	})
	if err != nil {
		return Failed(&DispatchError{Action: models.ActionTypeForm, Err: err})
	}

	return Completed(map[string]any{KeyForm: id})
}

func (d *ActionDispatcher) integration(ctx context.Context, req Request, a *models.IntegrationAction) Outcome {
	data := req.Execution.Map()

	endpoint, err := template.RenderString(a.Endpoint, data)
	if err != nil {
		return Failed(err)
	}

	body, err := template.RenderString(a.Body, data)
	if err != nil {
		return Failed(err)
	}

	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodPost
	}

	timeout := defaultIntegrationTimeout
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return Failed(err)
	}

	if body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}

	for k, v := range a.Headers {
		rendered, err := template.RenderString(v, data)
		if err != nil {
			return Failed(err)
		}

		httpReq.Header.Set(k, rendered)
	}

	resp, err := d.collaborators.HTTP.Do(httpReq)
	if err != nil {
		return Failed(&DispatchError{Action: models.ActionTypeIntegration, Err: err})
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.logger.WarnContext(ctx, "failed to close integration response", "error", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Failed(&DispatchError{Action: models.ActionTypeIntegration, Err: err})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Failed(&DispatchError{Action: models.ActionTypeIntegration, StatusCode: resp.StatusCode, Body: string(raw)})
	}

	var parsed any = string(raw)

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && json.Valid(trimmed) {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			parsed = v
		}
	}

	return Completed(map[string]any{
		KeyIntegrationResponse: map[string]any{"codigoEstado": resp.StatusCode, "cuerpo": parsed},
	})
}

func (d *ActionDispatcher) wait(req Request, a *models.WaitAction) Outcome {
	if a.ExitCondition != nil {
		if ok, _ := d.evaluator.All([]models.Condition{*a.ExitCondition}, req.Execution.Context); ok {
			return Completed(nil)
		}
	}

	correlationID := req.State.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	if a.DurationHours <= 0 {
		return Pending(correlationID, nil)
	}

	start := req.State.StartedAt
	if start.IsZero() {
		start = req.Now
	}

	deadline := start.Add(time.Duration(a.DurationHours * float64(time.Hour)))
	if !req.Now.Before(deadline) {
		return Completed(nil)
	}

	return Pending(correlationID, &deadline)
}

func (d *ActionDispatcher) branch(req Request, a *models.ConditionAction) Outcome {
	ok, diagnostics := d.evaluator.All(a.Conditions, req.Execution.Context)
	if !ok {
		return Failed(&ConditionError{Diagnostics: diagnostics})
	}

	return Completed(nil)
}

func (d *ActionDispatcher) parallel(ctx context.Context, req Request, a *models.ParallelAction) Outcome {
	state := req.State
	for len(state.Children) < len(a.Actions) {
		i := len(state.Children)
		state.Children = append(state.Children, &models.ActionState{
			Index:     i,
			Type:      a.Actions[i].Type(),
			Status:    models.ActionStatusPending,
			StartedAt: req.Now,
		})
	}

	outcomes := make([]Outcome, len(a.Actions))

	var wg sync.WaitGroup

	for i := range a.Actions {
		child := state.Children[i]
		if child.Terminal() {
			outcomes[i] = FromState(child)

			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			sub := req
			sub.Action = a.Actions[i]
			sub.State = child

			if req.IdempotencyKey != "" {
				sub.IdempotencyKey = fmt.Sprintf("%s.%d", req.IdempotencyKey, i)
			}
			outcomes[i] = d.Dispatch(ctx, sub)
		}()
	}

	wg.Wait()

	var (
		merged   = map[string]any{}
		pending  bool
		deadline *time.Time
		notices  []notification.Message
	)

	for i, outcome := range outcomes {
		Apply(state.Children[i], outcome)

		notices = append(notices, outcome.Notices...)
	}

	for i, outcome := range outcomes {
		switch outcome.Kind {
		case KindFailed:
			out := Failed(fmt.Errorf("sub-action %d: %w", i, outcome.Err))
			out.Notices = notices

			return out
		case KindPending:
			pending = true

			if outcome.Deadline != nil && (deadline == nil || outcome.Deadline.Before(*deadline)) {
				deadline = outcome.Deadline
			}
		case KindCompleted:
			maps.Copy(merged, outcome.Data)
		}
	}

	if pending {
		correlationID := state.CorrelationID
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		out := Pending(correlationID, deadline)
		out.Notices = notices

		return out
	}

	out := Completed(merged)
	out.Notices = notices

	return out
}
