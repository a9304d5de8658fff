package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/lexflow/pkg/audit"
	"github.com/dukex/lexflow/pkg/auth"
	"github.com/dukex/lexflow/pkg/dispatch"
	"github.com/dukex/lexflow/pkg/engine"
	"github.com/dukex/lexflow/pkg/mocks"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence/file"
	"github.com/dukex/lexflow/pkg/scheduler"
	"github.com/dukex/lexflow/pkg/services"
	"github.com/dukex/lexflow/pkg/web"
)

type testAPI struct {
	app    *fiber.App
	tokens *auth.Manager
}

func setupTestApp(t *testing.T) *testAPI {
	t.Helper()

	notifier := &mocks.MockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()

	store := file.NewPersistence(t.TempDir())

	eng := engine.New(slog.Default(), engine.Dependencies{
		Definitions: store.Definitions(),
		Executions:  store.Executions(),
		Dispatcher:  dispatch.NewActionDispatcher(slog.Default(), dispatch.Collaborators{Notifier: notifier}),
		Notifier:    notifier,
		Audit:       &audit.Memory{},
	}, engine.Config{})

	sched := scheduler.New(slog.Default(), scheduler.Dependencies{
		Definitions: store.Definitions(),
		Schedules:   store.Schedules(),
		Starter:     eng,
		Sweeper:     eng,
	}, scheduler.Config{})

	definitions := services.NewDefinitions(slog.Default(), services.DefinitionsDependencies{
		Definitions: store.Definitions(),
		Executions:  store.Executions(),
		Schedules:   sched,
		Audit:       &audit.Memory{},
	})

	executions := services.NewExecutions(slog.Default(), services.ExecutionsDependencies{
		Definitions: definitions,
		Executions:  store.Executions(),
		Runner:      eng,
		Deferrer:    sched,
	})

	ingress := services.NewIngress(slog.Default(), services.IngressDependencies{
		Definitions: definitions,
		Runner:      eng,
	})

	handlers := web.NewAPIHandlers(definitions, executions, ingress,
		validator.New(validator.WithRequiredStructEnabled()), store)

	tokens := auth.NewManager("test-secret", time.Hour)

	app := fiber.New()
	handlers.Register(app, tokens.Middleware())

	return &testAPI{app: app, tokens: tokens}
}

func (a *testAPI) token(t *testing.T, tenantID, userID string, permissions ...string) string {
	t.Helper()

	token, err := a.tokens.Issue(auth.Identity{UserID: userID, TenantID: tenantID, Permissions: permissions})
	require.NoError(t, err)

	return token
}

func (a *testAPI) admin(t *testing.T, tenantID string) string {
	t.Helper()

	return a.token(t, tenantID, "admin", auth.AllPermissions)
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			require.NoError(t, err)
		}

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, out
}

func definitionRequest(name string, steps ...*models.Step) web.DefinitionRequest {
	if len(steps) == 0 {
		steps = []*models.Step{notifyStep("aviso", 1)}
	}

	return web.DefinitionRequest{
		Name:  name,
		Type:  models.DefinitionTypeCaseReview,
		Steps: steps,
		Tags:  []string{"casos"},
	}
}

func notifyStep(name string, order int) *models.Step {
	return &models.Step{Name: name, Order: order, Mandatory: true, Actions: []models.Action{
		{Spec: &models.NotificationAction{Recipients: []string{"abogado-1"}, Channel: "LOG", Template: "aviso"}},
	}}
}

func approvalStep(name string, order int, approvers ...string) *models.Step {
	return &models.Step{Name: name, Order: order, Mandatory: true, Actions: []models.Action{
		{Spec: &models.ApprovalAction{Approvers: approvers}},
	}}
}

// createActive creates req for the tenant of token and activates it.
func (a *testAPI) createActive(t *testing.T, token string, req web.DefinitionRequest) models.Definition {
	t.Helper()

	status, body := a.do(t, http.MethodPost, "/flujos", token, req)
	require.Equal(t, http.StatusCreated, status, string(body))

	var def models.Definition
	require.NoError(t, json.Unmarshal(body, &def))

	status, body = a.do(t, http.MethodPost, "/flujos/"+def.ID+"/estado", token,
		web.StateChangeRequest{Status: models.DefinitionStatusActive})
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &def))

	return def
}

func TestAPIHandlers_Authentication(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	reader := api.token(t, "empresa-1", "lector", auth.PermissionView)
	approver := api.token(t, "empresa-1", "socio", auth.PermissionView, auth.PermissionApprove)
	executor := api.token(t, "empresa-1", "modulo-casos", auth.PermissionExecute)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "health is public", method: http.MethodGet, path: "/health", want: http.StatusOK},
		{name: "no token", method: http.MethodGet, path: "/flujos", want: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/ejecuciones", token: "nope", want: http.StatusUnauthorized},
		{name: "reader lists", method: http.MethodGet, path: "/flujos", token: reader, want: http.StatusOK},
		{name: "reader cannot create", method: http.MethodPost, path: "/flujos", token: reader, body: definitionRequest("Revisión"), want: http.StatusForbidden},
		{name: "reader cannot start", method: http.MethodPost, path: "/ejecuciones", token: reader, body: web.StartExecutionRequest{DefinitionID: "x"}, want: http.StatusForbidden},
		{name: "reader cannot post events", method: http.MethodPost, path: "/eventos", token: reader, body: web.DomainEventRequest{Event: "CREAR_CASO"}, want: http.StatusForbidden},
		{name: "reader cannot delete", method: http.MethodDelete, path: "/flujos/x", token: reader, want: http.StatusForbidden},
		{name: "reader cannot change state", method: http.MethodPost, path: "/flujos/x/estado", token: reader, body: web.StateChangeRequest{Status: models.DefinitionStatusActive}, want: http.StatusForbidden},
		{name: "approver cannot cancel", method: http.MethodPost, path: "/ejecuciones/x/cancelar", token: approver, body: web.CancelRequest{Reason: "no"}, want: http.StatusForbidden},
		{name: "reader cannot decide", method: http.MethodPost, path: "/ejecuciones/x/aprobaciones", token: reader, body: web.ApprovalRequest{StepOrder: 1, Decision: models.DecisionApproved}, want: http.StatusForbidden},
		{name: "events need a token", method: http.MethodPost, path: "/eventos", body: web.DomainEventRequest{Event: "CREAR_CASO"}, want: http.StatusUnauthorized},
		{name: "executor posts events", method: http.MethodPost, path: "/eventos", token: executor, body: web.DomainEventRequest{Event: "CREAR_CASO"}, want: http.StatusAccepted},
	}

	for _, tt := range tests {
		status, body := api.do(t, tt.method, tt.path, tt.token, tt.body)
		assert.Equal(t, tt.want, status, "%s: %s", tt.name, body)
	}
}

func TestAPIHandlers_Definitions(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	token := api.admin(t, "empresa-1")
	other := api.admin(t, "empresa-2")

	status, body := api.do(t, http.MethodPost, "/flujos", token, definitionRequest("Revisión de caso"))
	require.Equal(t, http.StatusCreated, status, string(body))

	var def models.Definition
	require.NoError(t, json.Unmarshal(body, &def))
	assert.NotEmpty(t, def.ID)
	assert.Equal(t, "empresa-1", def.TenantID)
	assert.Equal(t, models.DefinitionStatusDraft, def.Status)
	assert.Equal(t, "admin", def.CreatedBy)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "invalid json", method: http.MethodPost, path: "/flujos", token: token, body: []byte(`{"nombre":`), want: http.StatusBadRequest},
		{name: "missing name", method: http.MethodPost, path: "/flujos", token: token, body: definitionRequest(""), want: http.StatusBadRequest},
		{name: "get", method: http.MethodGet, path: "/flujos/" + def.ID, token: token, want: http.StatusOK},
		{name: "get from other tenant", method: http.MethodGet, path: "/flujos/" + def.ID, token: other, want: http.StatusNotFound},
		{name: "get missing", method: http.MethodGet, path: "/flujos/missing", token: token, want: http.StatusNotFound},
		{name: "bad pagination", method: http.MethodGet, path: "/flujos?limit=abc", token: token, want: http.StatusBadRequest},
		{name: "limit too large", method: http.MethodGet, path: "/flujos?limit=500", token: token, want: http.StatusBadRequest},
		{name: "update draft", method: http.MethodPut, path: "/flujos/" + def.ID, token: token, body: definitionRequest("Revisión de caso v2"), want: http.StatusOK},
		{name: "draft cannot pause", method: http.MethodPost, path: "/flujos/" + def.ID + "/estado", token: token, body: web.StateChangeRequest{Status: models.DefinitionStatusPaused}, want: http.StatusConflict},
		{name: "duplicate", method: http.MethodPost, path: "/flujos/" + def.ID + "/duplicar", token: token, body: web.DuplicateRequest{Name: "Copia de revisión"}, want: http.StatusCreated},
		{name: "duplicate without body", method: http.MethodPost, path: "/flujos/" + def.ID + "/duplicar", token: token, want: http.StatusCreated},
		{name: "stats", method: http.MethodGet, path: "/flujos/" + def.ID + "/estadisticas", token: token, want: http.StatusOK},
	}

	for _, tt := range tests {
		status, body := api.do(t, tt.method, tt.path, tt.token, tt.body)
		assert.Equal(t, tt.want, status, "%s: %s", tt.name, body)
	}

	status, body = api.do(t, http.MethodGet, "/flujos?estado=borrador", token, nil)
	require.Equal(t, http.StatusOK, status)

	var list services.ListDefinitionsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.EqualValues(t, 3, list.TotalCount)

	status, body = api.do(t, http.MethodGet, "/flujos", other, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Zero(t, list.TotalCount)

	status, _ = api.do(t, http.MethodDelete, "/flujos/"+def.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = api.do(t, http.MethodGet, "/flujos/"+def.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_ExportImport(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	source := api.admin(t, "empresa-1")
	target := api.admin(t, "empresa-2")

	def := api.createActive(t, source, definitionRequest("Autorización", approvalStep("visto bueno", 1, "socio-a")))

	status, exported := api.do(t, http.MethodGet, "/flujos/"+def.ID+"/exportar", source, nil)
	require.Equal(t, http.StatusOK, status, string(exported))

	status, body := api.do(t, http.MethodPost, "/flujos/importar", target, web.ImportRequest{
		Document: exported,
		Mapping:  services.IDMapping{Users: map[string]string{"socio-a": "socio-b"}},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var imported models.Definition
	require.NoError(t, json.Unmarshal(body, &imported))
	assert.Equal(t, "empresa-2", imported.TenantID)
	assert.Equal(t, models.DefinitionStatusDraft, imported.Status)

	approval, ok := imported.Steps[0].Actions[0].Spec.(*models.ApprovalAction)
	require.True(t, ok)
	assert.Equal(t, []string{"socio-b"}, approval.Approvers)

	status, _ = api.do(t, http.MethodPost, "/flujos/importar", target, web.ImportRequest{Document: []byte(`{"version":"1.0"}`)})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_Executions(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	token := api.admin(t, "empresa-1")
	approver := api.token(t, "empresa-1", "socio-1", auth.PermissionApprove, auth.PermissionView)

	def := api.createActive(t, token, definitionRequest("Autorización de gasto",
		approvalStep("visto bueno", 1, "socio-1"),
		notifyStep("aviso", 2),
	))

	status, body := api.do(t, http.MethodPost, "/ejecuciones", token, web.StartExecutionRequest{
		DefinitionID: def.ID,
		EntityID:     "gasto-7",
		EntityType:   "GASTO",
		Context:      map[string]any{"monto": 2500},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var started models.ExecutionSummary
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, models.ExecutionStatusInProgress, started.Status)
	assert.Equal(t, 1, started.CurrentOrder)

	path := "/ejecuciones/" + started.ID

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "start unknown definition", method: http.MethodPost, path: "/ejecuciones", token: token, body: web.StartExecutionRequest{DefinitionID: "missing"}, want: http.StatusNotFound},
		{name: "start without definition", method: http.MethodPost, path: "/ejecuciones", token: token, body: web.StartExecutionRequest{}, want: http.StatusBadRequest},
		{name: "entity without type", method: http.MethodPost, path: "/ejecuciones", token: token, body: web.StartExecutionRequest{DefinitionID: def.ID, EntityID: "x"}, want: http.StatusBadRequest},
		{name: "get", method: http.MethodGet, path: path, token: approver, want: http.StatusOK},
		{name: "get from other tenant", method: http.MethodGet, path: path, token: api.admin(t, "empresa-2"), want: http.StatusNotFound},
		{name: "update owned key", method: http.MethodPatch, path: path + "/contexto", token: token, body: web.ContextUpdateRequest{Data: map[string]any{"monto": 1}}, want: http.StatusConflict},
		{name: "update empty context", method: http.MethodPatch, path: path + "/contexto", token: token, body: web.ContextUpdateRequest{}, want: http.StatusBadRequest},
		{name: "update new key", method: http.MethodPatch, path: path + "/contexto", token: token, body: web.ContextUpdateRequest{Data: map[string]any{"centroCosto": "legal"}}, want: http.StatusOK},
		{name: "decide for someone else", method: http.MethodPost, path: path + "/aprobaciones", token: approver, body: web.ApprovalRequest{StepOrder: 1, ApproverID: "socio-2", Decision: models.DecisionApproved}, want: http.StatusForbidden},
		{name: "decide on a later step", method: http.MethodPost, path: path + "/aprobaciones", token: approver, body: web.ApprovalRequest{StepOrder: 2, Decision: models.DecisionApproved}, want: http.StatusConflict},
		{name: "cancel without reason", method: http.MethodPost, path: path + "/cancelar", token: token, body: web.CancelRequest{}, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		status, body := api.do(t, tt.method, tt.path, tt.token, tt.body)
		assert.Equal(t, tt.want, status, "%s: %s", tt.name, body)
	}

	status, body = api.do(t, http.MethodPost, path+"/aprobaciones", approver, web.ApprovalRequest{
		StepOrder: 1,
		Decision:  models.DecisionApproved,
		Comments:  "conforme",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	var exec models.Execution
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "legal", exec.Context["centroCosto"])

	status, _ = api.do(t, http.MethodPost, path+"/cancelar", token, web.CancelRequest{Reason: "tarde"})
	assert.Equal(t, http.StatusConflict, status)

	status, body = api.do(t, http.MethodGet, "/ejecuciones?flujoId="+def.ID+"&estado=COMPLETADO", token, nil)
	require.Equal(t, http.StatusOK, status)

	var list services.ListExecutionsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.EqualValues(t, 1, list.TotalCount)

	status, body = api.do(t, http.MethodGet, "/flujos/"+def.ID+"/estadisticas", token, nil)
	require.Equal(t, http.StatusOK, status)

	var stats services.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.EqualValues(t, 1, stats.Total)
}

func TestAPIHandlers_CancelExecution(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	token := api.admin(t, "empresa-1")

	def := api.createActive(t, token, definitionRequest("Revisión", approvalStep("revisión", 1, "socio-1")))

	status, body := api.do(t, http.MethodPost, "/ejecuciones", token, web.StartExecutionRequest{DefinitionID: def.ID})
	require.Equal(t, http.StatusCreated, status, string(body))

	var started models.ExecutionSummary
	require.NoError(t, json.Unmarshal(body, &started))

	status, body = api.do(t, http.MethodPost, "/ejecuciones/"+started.ID+"/cancelar", token, web.CancelRequest{Reason: "cliente desistió"})
	require.Equal(t, http.StatusOK, status, string(body))

	var exec models.Execution
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)
}

func TestAPIHandlers_ScheduledStart(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	token := api.admin(t, "empresa-1")

	def := api.createActive(t, token, definitionRequest("Recordatorio"))
	later := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)

	status, body := api.do(t, http.MethodPost, "/ejecuciones", token, web.StartExecutionRequest{
		DefinitionID: def.ID,
		ScheduledFor: &later,
	})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var summary models.ExecutionSummary
	require.NoError(t, json.Unmarshal(body, &summary))
	require.NotNil(t, summary.ScheduledFor)
	assert.True(t, later.Equal(*summary.ScheduledFor))
}

func TestAPIHandlers_PostEvent(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	token := api.admin(t, "empresa-1")

	req := definitionRequest("Casos nuevos")
	req.Triggers = []*models.Trigger{{Event: models.EventCreateCase}}
	api.createActive(t, token, req)

	tests := []struct {
		name    string
		event   web.DomainEventRequest
		want    int
		started int
	}{
		{name: "matching event", event: web.DomainEventRequest{Event: "CREAR_CASO", EntityID: "caso-1", EntityType: "CASO"}, want: http.StatusAccepted, started: 1},
		{name: "other event", event: web.DomainEventRequest{Event: "CREAR_TAREA"}, want: http.StatusAccepted},
		{name: "manual is not a domain event", event: web.DomainEventRequest{Event: "MANUAL"}, want: http.StatusBadRequest},
		{name: "unknown event", event: web.DomainEventRequest{Event: "BORRAR_TODO"}, want: http.StatusBadRequest},
		{name: "missing event", event: web.DomainEventRequest{}, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		status, body := api.do(t, http.MethodPost, "/eventos", token, tt.event)
		require.Equal(t, tt.want, status, "%s: %s", tt.name, body)

		if tt.want != http.StatusAccepted {
			continue
		}

		var resp web.EventResponse
		require.NoError(t, json.Unmarshal(body, &resp), tt.name)
		assert.Len(t, resp.Started, tt.started, tt.name)
	}
}

func TestAPIHandlers_Webhook(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	token := api.admin(t, "empresa-1")

	req := definitionRequest("Radicación externa")
	req.Triggers = []*models.Trigger{{
		Event:      models.EventWebhook,
		Webhook:    &models.WebhookConfig{Secret: "s3cr3t"},
		Conditions: []models.Condition{{Field: "juzgado", Operator: models.OperatorNotEmpty}},
	}}
	def := api.createActive(t, token, req)

	tests := []struct {
		name    string
		path    string
		secret  string
		payload any
		want    int
	}{
		{name: "accepted", path: "/webhooks/" + def.ID, secret: "s3cr3t", payload: map[string]any{"juzgado": "Civil 4"}, want: http.StatusCreated},
		{name: "filtered", path: "/webhooks/" + def.ID, secret: "s3cr3t", payload: map[string]any{"otro": 1}, want: http.StatusNoContent},
		{name: "wrong secret", path: "/webhooks/" + def.ID, secret: "nope", payload: map[string]any{"juzgado": "Civil 4"}, want: http.StatusForbidden},
		{name: "unknown definition", path: "/webhooks/missing", secret: "s3cr3t", want: http.StatusNotFound},
		{name: "invalid json", path: "/webhooks/" + def.ID, secret: "s3cr3t", payload: []byte(`{"juzgado"`), want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		var body io.Reader
		if tt.payload != nil {
			raw, ok := tt.payload.([]byte)
			if !ok {
				var err error
				raw, err = json.Marshal(tt.payload)
				require.NoError(t, err)
			}

			body = bytes.NewReader(raw)
		}

		httpReq := httptest.NewRequest(http.MethodPost, tt.path, body)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(web.WebhookSecretHeader, tt.secret)

		resp, err := api.app.Test(httpReq)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, resp.StatusCode, tt.name)
		require.NoError(t, resp.Body.Close())
	}
}
