package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukex/lexflow/pkg/engine"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
	"github.com/dukex/lexflow/pkg/trigger"
)

// Runner is the part of the engine the services drive.
type Runner interface {
	Start(ctx context.Context, def *models.Definition, req engine.StartRequest) (*models.Execution, error)
	Cancel(ctx context.Context, executionID, reason, userID string) (*models.Execution, error)
	ResolveApproval(ctx context.Context, d engine.Decision) (*models.Execution, error)
	UpdateContext(ctx context.Context, executionID string, data map[string]any, userID string) (*models.Execution, error)
}

// Deferrer stores start requests due in the future.
type Deferrer interface {
	Defer(ctx context.Context, start *models.ScheduledStart) error
}

type ExecutionsDependencies struct {
	Definitions *Definitions
	Executions  persistence.ExecutionRepository
	Runner      Runner
	Deferrer    Deferrer
	Now         func() time.Time
}

// Executions starts, queries and steers executions on behalf of users.
type Executions struct {
	logger      *slog.Logger
	definitions *Definitions
	executions  persistence.ExecutionRepository
	runner      Runner
	deferrer    Deferrer
	validate    *validator.Validate
	now         func() time.Time
}

func NewExecutions(logger *slog.Logger, deps ExecutionsDependencies) *Executions {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Executions{
		logger:      logger.With("module", "executions"),
		definitions: deps.Definitions,
		executions:  deps.Executions,
		runner:      deps.Runner,
		deferrer:    deps.Deferrer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         deps.Now,
	}
}

// StartRequest is a manual start, possibly deferred to ScheduledFor.
type StartRequest struct {
	TenantID     string `validate:"required"`
	DefinitionID string `validate:"required"`
	EntityID     string
	EntityType   string `validate:"required_with=EntityID"`
	Context      map[string]any
	UserID       string `validate:"required"`
	Roles        []string
	ScheduledFor *time.Time
}

// StartResult carries the started execution, or the stored request when the
// start was deferred.
type StartResult struct {
	Execution *models.Execution
	Scheduled *models.ScheduledStart
}

// Summary returns the execution summary of the result.
func (r *StartResult) Summary() models.ExecutionSummary {
	if r.Execution != nil {
		return r.Execution.Summary()
	}

	return models.ExecutionSummary{
		ID:           r.Scheduled.ID,
		DefinitionID: r.Scheduled.DefinitionID,
		Status:       models.ExecutionStatusStarted,
		StartedAt:    r.Scheduled.CreatedAt,
		ScheduledFor: &r.Scheduled.DueAt,
	}
}

// Start authorizes the caller against the MANUAL triggers of the definition
// and starts it now, or stores the request when ScheduledFor is in the future.
func (e *Executions) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, NewValidationError("start", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	def, err := e.definitions.Get(ctx, req.TenantID, req.DefinitionID)
	if err != nil {
		return nil, err
	}

	if err := trigger.AuthorizeManual(def, trigger.Caller{UserID: req.UserID, Roles: req.Roles}); err != nil {
		return nil, err
	}

	if def.Status != models.DefinitionStatusActive {
		return nil, &engine.DefinitionStateError{DefinitionID: def.ID, Status: def.Status}
	}

	if req.ScheduledFor != nil && req.ScheduledFor.After(e.now()) {
		if e.deferrer == nil {
			return nil, NewValidationError("start", "SCHEDULING_DISABLED", "deferred starts are not available", ErrInvalidRequest)
		}

		start := &models.ScheduledStart{
			ID:           uuid.New().String(),
			TenantID:     req.TenantID,
			DefinitionID: def.ID,
			EntityID:     req.EntityID,
			EntityType:   req.EntityType,
			Context:      req.Context,
			RequestedBy:  req.UserID,
			DueAt:        req.ScheduledFor.UTC(),
		}

		if err := e.deferrer.Defer(ctx, start); err != nil {
			return nil, fmt.Errorf("failed to schedule start: %w", err)
		}

		e.logger.InfoContext(ctx, "start deferred", "definition_id", def.ID, "scheduled_start_id", start.ID, "due_at", start.DueAt)

		return &StartResult{Scheduled: start}, nil
	}

	exec, err := e.runner.Start(ctx, def, engine.StartRequest{
		EntityID:   req.EntityID,
		EntityType: req.EntityType,
		Context:    req.Context,
		ExecutedBy: req.UserID,
		Trigger:    models.EventManual,
	})
	if err != nil {
		return nil, err
	}

	return &StartResult{Execution: exec}, nil
}

// Get returns an execution of tenantID.
func (e *Executions) Get(ctx context.Context, tenantID, id string) (*models.Execution, error) {
	exec, err := e.executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if exec.TenantID != tenantID {
		return nil, persistence.NewExecutionError("get", id, persistence.ErrExecutionNotFound)
	}

	return exec, nil
}

// ListExecutionsRequest contains options for listing executions.
type ListExecutionsRequest struct {
	TenantID     string `validate:"required"`
	DefinitionID string
	Status       models.ExecutionStatus
	EntityID     string
	EntityType   string
	Limit        int `validate:"min=0,max=100"`
	Offset       int `validate:"min=0"`
}

// ListExecutionsResponse contains the result of listing executions.
type ListExecutionsResponse struct {
	Executions  []*models.Execution `json:"ejecuciones"`
	TotalCount  int64               `json:"total"`
	HasNextPage bool                `json:"hayMas"`
}

func (e *Executions) List(ctx context.Context, req ListExecutionsRequest) (*ListExecutionsResponse, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, NewValidationError("list", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	result, err := e.executions.List(ctx, persistence.ListExecutionsOptions{
		TenantID:     req.TenantID,
		DefinitionID: req.DefinitionID,
		Status:       req.Status,
		EntityID:     req.EntityID,
		EntityType:   req.EntityType,
		Limit:        req.Limit,
		Offset:       req.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return &ListExecutionsResponse{
		Executions:  result.Executions,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

// Cancel cancels an in-progress execution of tenantID.
func (e *Executions) Cancel(ctx context.Context, tenantID, id, reason, userID string) (*models.Execution, error) {
	if _, err := e.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}

	return e.runner.Cancel(ctx, id, reason, userID)
}

// Decide records an approver decision on an execution of tenantID.
func (e *Executions) Decide(ctx context.Context, tenantID string, d engine.Decision) (*models.Execution, error) {
	if _, err := e.Get(ctx, tenantID, d.ExecutionID); err != nil {
		return nil, err
	}

	return e.runner.ResolveApproval(ctx, d)
}

// UpdateContext writes keys into the context of an execution of tenantID.
func (e *Executions) UpdateContext(ctx context.Context, tenantID, id string, data map[string]any, userID string) (*models.Execution, error) {
	if len(data) == 0 {
		return nil, NewValidationError("updateContext", "EMPTY_CONTEXT", "no context data given", ErrInvalidRequest)
	}

	if _, err := e.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}

	return e.runner.UpdateContext(ctx, id, data, userID)
}

// Stats summarizes the executions of a definition.
type Stats struct {
	DefinitionID      string                         `json:"flujoId"`
	Total             int                            `json:"total"`
	ByStatus          map[models.ExecutionStatus]int `json:"porEstado"`
	AverageDurationMs int64                          `json:"duracionPromedioMs"`
	SuccessRate       float64                        `json:"tasaExito"`
}

// Stats counts the executions of a definition by status and averages the
// duration of the finished ones.
func (e *Executions) Stats(ctx context.Context, tenantID, definitionID string) (*Stats, error) {
	if _, err := e.definitions.Get(ctx, tenantID, definitionID); err != nil {
		return nil, err
	}

	stats := &Stats{DefinitionID: definitionID, ByStatus: map[models.ExecutionStatus]int{}}

	var (
		finished int
		elapsed  time.Duration
	)

	for offset := 0; ; offset += persistence.MaxPageSize {
		page, err := e.executions.List(ctx, persistence.ListExecutionsOptions{
			TenantID:     tenantID,
			DefinitionID: definitionID,
			Limit:        persistence.MaxPageSize,
			Offset:       offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list executions: %w", err)
		}

		for _, exec := range page.Executions {
			stats.Total++
			stats.ByStatus[exec.Status]++

			if exec.CompletedAt != nil {
				finished++
				elapsed += exec.CompletedAt.Sub(exec.StartedAt)
			}
		}

		if !page.HasNextPage {
			break
		}
	}

	if finished > 0 {
		stats.AverageDurationMs = (elapsed / time.Duration(finished)).Milliseconds()
		stats.SuccessRate = float64(stats.ByStatus[models.ExecutionStatusCompleted]) / float64(finished)
	}

	return stats, nil
}
