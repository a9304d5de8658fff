// Package web provides the REST API of the workflow engine.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/lexflow/pkg/auth"
	"github.com/dukex/lexflow/pkg/engine"
	"github.com/dukex/lexflow/pkg/events"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/services"
)

// WebhookSecretHeader carries the secret of a WEBHOOK trigger.
const WebhookSecretHeader = "X-Webhook-Secret"

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	definitions *services.Definitions
	executions  *services.Executions
	ingress     *services.Ingress
	validator   *validator.Validate
	health      HealthChecker
}

func NewAPIHandlers(
	definitions *services.Definitions,
	executions *services.Executions,
	ingress *services.Ingress,
	validator *validator.Validate,
	health HealthChecker,
) *APIHandlers {
	return &APIHandlers{
		definitions: definitions,
		executions:  executions,
		ingress:     ingress,
		validator:   validator,
		health:      health,
	}
}

// Register mounts the API on router. authn authenticates every route except
// the health check and webhooks, which carry their own secret.
func (h *APIHandlers) Register(router fiber.Router, authn fiber.Handler) {
	router.Get("/health", h.HealthCheck)
	router.Post("/webhooks/:flujoId", h.Webhook)

	f := router.Group("/flujos", authn)
	f.Get("/", h.ListDefinitions, auth.Require(auth.PermissionView))
	f.Post("/", h.CreateDefinition, auth.Require(auth.PermissionManage))
	f.Post("/importar", h.ImportDefinition, auth.Require(auth.PermissionManage))
	f.Get("/:id", h.GetDefinition, auth.Require(auth.PermissionView))
	f.Put("/:id", h.UpdateDefinition, auth.Require(auth.PermissionManage))
	f.Delete("/:id", h.DeleteDefinition, auth.Require(auth.PermissionManage))
	f.Post("/:id/estado", h.ChangeDefinitionState, auth.Require(auth.PermissionManage))
	f.Post("/:id/duplicar", h.DuplicateDefinition, auth.Require(auth.PermissionManage))
	f.Get("/:id/exportar", h.ExportDefinition, auth.Require(auth.PermissionView))
	f.Get("/:id/estadisticas", h.DefinitionStats, auth.Require(auth.PermissionView))

	e := router.Group("/ejecuciones", authn)
	e.Get("/", h.ListExecutions, auth.Require(auth.PermissionView))
	e.Post("/", h.StartExecution, auth.Require(auth.PermissionExecute))
	e.Get("/:id", h.GetExecution, auth.Require(auth.PermissionView))
	e.Post("/:id/cancelar", h.CancelExecution, auth.Require(auth.PermissionExecute))
	e.Post("/:id/aprobaciones", h.ResolveApproval, auth.Require(auth.PermissionApprove))
	e.Patch("/:id/contexto", h.UpdateExecutionContext, auth.Require(auth.PermissionExecute))

	router.Post("/eventos", h.PostEvent, authn, auth.Require(auth.PermissionExecute))
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	repository := "ok"

	if err := h.health.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		repository = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repository,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	limit, offset, err := pagination(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.definitions.List(c.Context(), services.ListDefinitionsRequest{
		TenantID:  identity.TenantID,
		Status:    models.DefinitionStatus(c.Query("estado")),
		Type:      models.DefinitionType(c.Query("tipo")),
		Tag:       c.Query("etiqueta"),
		Limit:     limit,
		Offset:    offset,
		SortBy:    c.Query("ordenarPor"),
		SortOrder: c.Query("orden"),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	def, err := h.definitions.Get(c.Context(), identity.TenantID, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req DefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.definitions.Create(c.Context(), identity.TenantID, identity.UserID, req.definition())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateDefinition(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req DefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.definitions.Update(c.Context(), identity.TenantID, identity.UserID, c.Params("id"), req.definition())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteDefinition(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	if err := h.definitions.Delete(c.Context(), identity.TenantID, identity.UserID, c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ChangeDefinitionState(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req StateChangeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	def, err := h.definitions.ChangeState(c.Context(), services.StateChangeRequest{
		TenantID:      identity.TenantID,
		DefinitionID:  c.Params("id"),
		UserID:        identity.UserID,
		Status:        req.Status,
		Reason:        req.Reason,
		Observations:  req.Observations,
		EffectiveDate: req.EffectiveDate,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) DuplicateDefinition(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req DuplicateRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format: "+err.Error())
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	cp, err := h.definitions.Duplicate(c.Context(), identity.TenantID, identity.UserID, c.Params("id"), req.Name)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(cp)
}

func (h *APIHandlers) ExportDefinition(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	doc, err := h.definitions.Export(c.Context(), identity.TenantID, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(doc)
}

func (h *APIHandlers) ImportDefinition(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req ImportRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	def, err := h.definitions.Import(c.Context(), identity.TenantID, identity.UserID, req.Document, req.Mapping)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(def)
}

func (h *APIHandlers) DefinitionStats(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	stats, err := h.executions.Stats(c.Context(), identity.TenantID, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(stats)
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	limit, offset, err := pagination(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.executions.List(c.Context(), services.ListExecutionsRequest{
		TenantID:     identity.TenantID,
		DefinitionID: c.Query("flujoId"),
		Status:       models.ExecutionStatus(c.Query("estado")),
		EntityID:     c.Query("entidadId"),
		EntityType:   c.Query("tipoEntidad"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	exec, err := h.executions.Get(c.Context(), identity.TenantID, c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.executions.Start(c.Context(), services.StartRequest{
		TenantID:     identity.TenantID,
		DefinitionID: req.DefinitionID,
		EntityID:     req.EntityID,
		EntityType:   req.EntityType,
		Context:      req.Context,
		UserID:       identity.UserID,
		Roles:        identity.Roles,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	status := fiber.StatusCreated
	if result.Scheduled != nil {
		status = fiber.StatusAccepted
	}

	return c.Status(status).JSON(result.Summary())
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req CancelRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	exec, err := h.executions.Cancel(c.Context(), identity.TenantID, c.Params("id"), req.Reason, identity.UserID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

// ResolveApproval records a decision. Only callers holding every permission
// may decide on behalf of another approver.
func (h *APIHandlers) ResolveApproval(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req ApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	approver := identity.UserID
	if req.ApproverID != "" && req.ApproverID != identity.UserID {
		if !identity.Can(auth.AllPermissions) {
			return forbidden(c, "cannot decide on behalf of "+req.ApproverID)
		}

		approver = req.ApproverID
	}

	exec, err := h.executions.Decide(c.Context(), identity.TenantID, engine.Decision{
		ExecutionID: c.Params("id"),
		StepOrder:   req.StepOrder,
		ApproverID:  approver,
		Decision:    req.Decision,
		Comments:    req.Comments,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) UpdateExecutionContext(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req ContextUpdateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	exec, err := h.executions.UpdateContext(c.Context(), identity.TenantID, c.Params("id"), req.Data, identity.UserID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

// PostEvent handles a domain event synchronously and reports the executions it
// started.
func (h *APIHandlers) PostEvent(c fiber.Ctx) error {
	identity, _ := auth.FromContext(c)

	var req DomainEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	started, err := h.ingress.HandleEvent(c.Context(), &events.DomainEventReceived{
		BaseEvent:  events.NewBaseEvent(events.DomainEventReceivedEvent, identity.TenantID),
		Event:      req.Event,
		Context:    req.Context,
		EntityID:   req.EntityID,
		EntityType: req.EntityType,
		UserID:     identity.UserID,
	})
	if err != nil && len(started) == 0 {
		return handleServiceError(c, err)
	}

	resp := EventResponse{Started: make([]models.ExecutionSummary, 0, len(started))}
	for _, exec := range started {
		resp.Started = append(resp.Started, exec.Summary())
	}

	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func (h *APIHandlers) Webhook(c fiber.Ctx) error {
	var payload map[string]any
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "Invalid JSON format: "+err.Error())
		}
	}

	exec, err := h.ingress.Webhook(c.Context(), c.Params("flujoId"), c.Get(WebhookSecretHeader), payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	if exec == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.Status(fiber.StatusCreated).JSON(exec.Summary())
}

func pagination(c fiber.Ctx) (int, int, error) {
	var limit, offset int

	if limitStr := c.Query("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}

		limit = l
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}

		offset = o
	}

	return limit, offset, nil
}
