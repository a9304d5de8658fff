package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukex/lexflow/pkg/audit"
	"github.com/dukex/lexflow/pkg/cache"
	"github.com/dukex/lexflow/pkg/events"
	"github.com/dukex/lexflow/pkg/graph"
	"github.com/dukex/lexflow/pkg/metrics"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
	"github.com/dukex/lexflow/pkg/policy"
)

// InitialVersion is the version of a newly created definition.
const InitialVersion = "1.0.0"

// ScheduleSyncer keeps PROGRAMADO schedules in step with definitions.
type ScheduleSyncer interface {
	Sync(ctx context.Context, def *models.Definition) error
	Remove(ctx context.Context, definitionID string) error
}

type DefinitionsDependencies struct {
	Definitions persistence.DefinitionRepository
	Executions  persistence.ExecutionRepository
	Cache       cache.DefinitionCache
	Policies    *policy.Table
	Schedules   ScheduleSyncer
	Audit       audit.Emitter
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Definitions manages workflow definitions of every tenant.
type Definitions struct {
	logger      *slog.Logger
	definitions persistence.DefinitionRepository
	executions  persistence.ExecutionRepository
	active      *cache.ActiveDefinitions
	policies    *policy.Table
	schedules   ScheduleSyncer
	audit       audit.Emitter
	validate    *validator.Validate
	now         func() time.Time
}

func NewDefinitions(logger *slog.Logger, deps DefinitionsDependencies) *Definitions {
	logger = logger.With("module", "definitions")

	if deps.Cache == nil {
		deps.Cache = cache.NewMemory(cache.DefaultTTL, nil)
	}

	if deps.Audit == nil {
		deps.Audit = audit.NewLogEmitter(logger)
	}

	if deps.Policies == nil {
		deps.Policies = policy.NewTable()
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	d := &Definitions{
		logger:      logger,
		definitions: deps.Definitions,
		executions:  deps.Executions,
		policies:    deps.Policies,
		schedules:   deps.Schedules,
		audit:       deps.Audit,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         deps.Now,
	}

	d.active = cache.NewActiveDefinitions(logger, deps.Cache, d.loadActive, deps.Metrics)

	return d
}

// Get returns a definition of tenantID. Definitions of other tenants are
// reported as not found.
func (d *Definitions) Get(ctx context.Context, tenantID, id string) (*models.Definition, error) {
	def, err := d.definitions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if def.TenantID != tenantID {
		return nil, persistence.NewDefinitionError("get", id, persistence.ErrDefinitionNotFound)
	}

	return def, nil
}

// ListDefinitionsRequest contains options for listing definitions.
type ListDefinitionsRequest struct {
	TenantID string `validate:"required"`
	Status   models.DefinitionStatus
	Type     models.DefinitionType
	Tag      string

	Limit     int `validate:"min=0,max=100"`
	Offset    int `validate:"min=0"`
	SortBy    string
	SortOrder string
}

// ListDefinitionsResponse contains the result of listing definitions.
type ListDefinitionsResponse struct {
	Definitions []*models.Definition `json:"flujos"`
	TotalCount  int64                `json:"total"`
	HasNextPage bool                 `json:"hayMas"`
}

// List retrieves definitions with filtering, sorting, and pagination.
func (d *Definitions) List(ctx context.Context, req ListDefinitionsRequest) (*ListDefinitionsResponse, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, NewValidationError("list", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	if req.Status != "" && !slices.Contains(definitionStatuses, req.Status) {
		return nil, NewValidationError("list", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", req.Status), ErrInvalidStatus)
	}

	result, err := d.definitions.List(ctx, persistence.ListDefinitionsOptions{
		TenantID:  req.TenantID,
		Status:    req.Status,
		Type:      req.Type,
		Tag:       req.Tag,
		SortBy:    req.SortBy,
		SortOrder: persistence.SortOrder(strings.ToLower(req.SortOrder)),
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
	if err != nil {
		if persistence.IsInvalidSortField(err) {
			return nil, NewValidationError("list", "INVALID_SORT_FIELD", fmt.Sprintf("invalid sort '%s %s'", req.SortBy, req.SortOrder), ErrInvalidSortField)
		}

		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}

	return &ListDefinitionsResponse{
		Definitions: result.Definitions,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

// Create validates def and stores it as a new draft of tenantID.
func (d *Definitions) Create(ctx context.Context, tenantID, userID string, def *models.Definition) (*models.Definition, error) {
	def.ID = uuid.New().String()
	def.TenantID = tenantID
	def.Status = models.DefinitionStatusDraft
	def.Active = false
	def.Version = InitialVersion
	def.CreatedBy = userID
	def.StateHistory = nil

	if err := d.check(def); err != nil {
		return nil, err
	}

	if err := d.definitions.Save(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to create definition: %w", err)
	}

	d.logger.InfoContext(ctx, "definition created", "definition_id", def.ID, "tenant_id", tenantID)
	d.emit(ctx, def, userID, events.AuditDefinitionCreated, fmt.Sprintf("Flujo %q creado", def.Name), nil)

	return def, nil
}

// Update replaces the editable content of a definition. Only drafts and paused
// definitions without running executions may change; the version is bumped.
func (d *Definitions) Update(ctx context.Context, tenantID, userID, id string, def *models.Definition) (*models.Definition, error) {
	existing, err := d.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if !existing.Status.Editable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotEditable, id, existing.Status)
	}

	if err := d.ensureIdle(ctx, id); err != nil {
		return nil, err
	}

	def.ID = existing.ID
	def.TenantID = existing.TenantID
	def.Status = existing.Status
	def.Active = existing.Active
	def.StateHistory = existing.StateHistory
	def.CreatedBy = existing.CreatedBy
	def.CreatedAt = existing.CreatedAt
	def.Version = BumpVersion(existing.Version)

	if err := d.check(def); err != nil {
		return nil, err
	}

	if err := d.definitions.Save(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to update definition: %w", err)
	}

	d.changed(ctx, def)
	d.emit(ctx, def, userID, events.AuditDefinitionUpdated, fmt.Sprintf("Flujo %q actualizado", def.Name), map[string]any{"version": def.Version})

	return def, nil
}

// Delete removes a definition that has no running executions.
func (d *Definitions) Delete(ctx context.Context, tenantID, userID, id string) error {
	def, err := d.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	if err := d.ensureIdle(ctx, id); err != nil {
		return err
	}

	if err := d.definitions.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}

	if d.schedules != nil {
		if err := d.schedules.Remove(ctx, id); err != nil {
			d.logger.WarnContext(ctx, "failed to remove schedules", "definition_id", id, "error", err)
		}
	}

	d.policies.Forget(id)
	d.active.Invalidate(ctx, tenantID)
	d.emit(ctx, def, userID, events.AuditDefinitionDeleted, fmt.Sprintf("Flujo %q eliminado", def.Name), nil)

	return nil
}

// StateChangeRequest is a state-change command on a definition.
type StateChangeRequest struct {
	TenantID      string                  `validate:"required"`
	DefinitionID  string                  `validate:"required"`
	UserID        string                  `validate:"required"`
	Status        models.DefinitionStatus `validate:"required"`
	Reason        string
	Observations  string
	EffectiveDate *time.Time
}

var definitionStatuses = []models.DefinitionStatus{
	models.DefinitionStatusDraft,
	models.DefinitionStatusActive,
	models.DefinitionStatusPaused,
	models.DefinitionStatusCompleted,
	models.DefinitionStatusCancelled,
	models.DefinitionStatusArchived,
}

var transitions = map[models.DefinitionStatus][]models.DefinitionStatus{
	models.DefinitionStatusDraft:  {models.DefinitionStatusActive},
	models.DefinitionStatusActive: {models.DefinitionStatusPaused, models.DefinitionStatusArchived, models.DefinitionStatusCancelled},
	models.DefinitionStatusPaused: {models.DefinitionStatusActive, models.DefinitionStatusArchived, models.DefinitionStatusCancelled},
}

// CanTransition reports whether a definition may move from one state to another.
func CanTransition(from, to models.DefinitionStatus) bool {
	return slices.Contains(transitions[from], to)
}

// ChangeState moves a definition through its lifecycle and records the change
// in its state history.
func (d *Definitions) ChangeState(ctx context.Context, req StateChangeRequest) (*models.Definition, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, NewValidationError("changeState", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	if !slices.Contains(definitionStatuses, req.Status) {
		return nil, NewValidationError("changeState", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", req.Status), ErrInvalidStatus)
	}

	def, err := d.Get(ctx, req.TenantID, req.DefinitionID)
	if err != nil {
		return nil, err
	}

	if !CanTransition(def.Status, req.Status) {
		return nil, &TransitionError{DefinitionID: def.ID, From: def.Status, To: req.Status}
	}

	if req.Status == models.DefinitionStatusActive {
		if err := graph.Validate(def.Steps); err != nil {
			return nil, err
		}
	}

	from := def.Status
	def.Status = req.Status
	def.Active = req.Status == models.DefinitionStatusActive
	def.StateHistory = append(def.StateHistory, models.StateChange{
		From:          from,
		To:            req.Status,
		Reason:        req.Reason,
		Observations:  req.Observations,
		EffectiveDate: req.EffectiveDate,
		ChangedBy:     req.UserID,
		ChangedAt:     d.now().UTC(),
	})

	if err := d.definitions.Save(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to change definition state: %w", err)
	}

	d.changed(ctx, def)
	d.emit(ctx, def, req.UserID, events.AuditDefinitionState,
		fmt.Sprintf("Flujo %q pasó de %s a %s", def.Name, from, req.Status),
		map[string]any{"estadoAnterior": from, "estadoNuevo": req.Status, "motivo": req.Reason})

	return def, nil
}

// Duplicate copies a definition into a new draft of the same tenant.
func (d *Definitions) Duplicate(ctx context.Context, tenantID, userID, id, name string) (*models.Definition, error) {
	source, err := d.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	cp, err := cloneDefinition(source)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = source.Name + " (copia)"
	}

	cp.Name = name
	cp.ValidFrom = nil
	cp.ValidUntil = nil

	return d.Create(ctx, tenantID, userID, cp)
}

// ActiveForTenant returns the active definitions of tenantID, cached.
func (d *Definitions) ActiveForTenant(ctx context.Context, tenantID string) ([]*models.Definition, error) {
	return d.active.ForTenant(ctx, tenantID)
}

func (d *Definitions) loadActive(ctx context.Context, tenantID string) ([]*models.Definition, error) {
	var out []*models.Definition

	for offset := 0; ; offset += persistence.MaxPageSize {
		page, err := d.definitions.List(ctx, persistence.ListDefinitionsOptions{
			TenantID: tenantID,
			Status:   models.DefinitionStatusActive,
			Limit:    persistence.MaxPageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, err
		}

		out = append(out, page.Definitions...)

		if !page.HasNextPage {
			return out, nil
		}
	}
}

// check validates field constraints, triggers and the step graph, filling in
// missing step and trigger ids.
func (d *Definitions) check(def *models.Definition) error {
	for _, step := range def.Steps {
		if step != nil && step.ID == "" {
			step.ID = uuid.New().String()
		}
	}

	for _, t := range def.Triggers {
		if t != nil && t.ID == "" {
			t.ID = uuid.New().String()
		}
	}

	if def.Priority == 0 {
		def.Priority = 5
	}

	if err := d.validate.Struct(def); err != nil {
		return NewValidationError("validate", "INVALID_DEFINITION", err.Error(), ErrInvalidRequest)
	}

	var errs []error

	for _, t := range def.Triggers {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if def.ValidFrom != nil && def.ValidUntil != nil && def.ValidUntil.Before(*def.ValidFrom) {
		errs = append(errs, errors.New("fechaFin is before fechaInicio"))
	}

	if len(errs) > 0 {
		return NewValidationError("validate", "INVALID_TRIGGER", errors.Join(errs...).Error(), ErrInvalidRequest)
	}

	return graph.Validate(def.Steps)
}

func (d *Definitions) ensureIdle(ctx context.Context, id string) error {
	active, err := d.executions.CountActive(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count executions: %w", err)
	}

	if active > 0 {
		return fmt.Errorf("%w: %d running", ErrActiveExecutions, active)
	}

	return nil
}

// changed drops derived state of a stored definition.
func (d *Definitions) changed(ctx context.Context, def *models.Definition) {
	d.policies.Forget(def.ID)
	d.active.Invalidate(ctx, def.TenantID)

	if d.schedules != nil {
		if err := d.schedules.Sync(ctx, def); err != nil {
			d.logger.WarnContext(ctx, "failed to sync schedules", "definition_id", def.ID, "error", err)
		}
	}
}

func (d *Definitions) emit(ctx context.Context, def *models.Definition, userID, kind, description string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}

	data["flujoId"] = def.ID

	if err := d.audit.Emit(ctx, events.NewAuditRecord(kind, def.TenantID, userID, description, events.AuditLevelInfo, data)); err != nil {
		d.logger.WarnContext(ctx, "failed to emit audit record", "definition_id", def.ID, "kind", kind, "error", err)
	}
}

// BumpVersion increments the minor component of a major.minor.patch version.
// Unparseable versions restart at InitialVersion.
func BumpVersion(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return InitialVersion
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return InitialVersion
	}

	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return InitialVersion
	}

	return fmt.Sprintf("%d.%d.0", major, minor+1)
}

func cloneDefinition(def *models.Definition) (*models.Definition, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}

	var cp models.Definition
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}

	return &cp, nil
}
