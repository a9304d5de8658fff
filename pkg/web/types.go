package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/services"
)

// DefinitionRequest is the body of create and update calls.
type DefinitionRequest struct {
	Name        string                `json:"nombre"       validate:"required,min=3,max=200"`
	Description string                `json:"descripcion"`
	Type        models.DefinitionType `json:"tipo"         validate:"required"`
	Priority    int                   `json:"prioridad"    validate:"omitempty,min=1,max=10"`
	Steps       []*models.Step        `json:"pasos"        validate:"required,min=1"`
	Triggers    []*models.Trigger     `json:"disparadores"`
	Config      models.GlobalConfig   `json:"configuracion"`
	Tags        []string              `json:"etiquetas"`
	ValidFrom   *time.Time            `json:"fechaInicio,omitempty"`
	ValidUntil  *time.Time            `json:"fechaFin,omitempty"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
}

func (r *DefinitionRequest) definition() *models.Definition {
	return &models.Definition{
		Name:        r.Name,
		Description: r.Description,
		Type:        r.Type,
		Priority:    r.Priority,
		Steps:       r.Steps,
		Triggers:    r.Triggers,
		Config:      r.Config,
		Tags:        r.Tags,
		ValidFrom:   r.ValidFrom,
		ValidUntil:  r.ValidUntil,
		Metadata:    r.Metadata,
	}
}

// StateChangeRequest moves a definition through its lifecycle.
type StateChangeRequest struct {
	Status        models.DefinitionStatus `json:"estado"        validate:"required"`
	Reason        string                  `json:"motivo"`
	Observations  string                  `json:"observaciones"`
	EffectiveDate *time.Time              `json:"fechaVigencia,omitempty"`
}

// DuplicateRequest names the copy of a definition.
type DuplicateRequest struct {
	Name string `json:"nombre" validate:"omitempty,min=3,max=200"`
}

// ImportRequest carries an export document and the id mapping for the
// importing tenant.
type ImportRequest struct {
	Document json.RawMessage    `json:"documento" validate:"required"`
	Mapping  services.IDMapping `json:"mapeo"`
}

// StartExecutionRequest is a manual start.
type StartExecutionRequest struct {
	DefinitionID string         `json:"flujoId"     validate:"required"`
	EntityID     string         `json:"entidadId"`
	EntityType   string         `json:"tipoEntidad" validate:"required_with=EntityID"`
	Context      map[string]any `json:"datosContexto"`
	ScheduledFor *time.Time     `json:"fechaProgramada,omitempty"`
}

// ApprovalRequest is the decision of an approver on the current step.
type ApprovalRequest struct {
	StepOrder  int                          `json:"pasoOrden"   validate:"required,min=1"`
	ApproverID string                       `json:"aprobadorId"`
	Decision   models.ApprovalDecisionValue `json:"decision"    validate:"required"`
	Comments   string                       `json:"comentarios"`
}

// CancelRequest explains a cancellation.
type CancelRequest struct {
	Reason string `json:"motivo" validate:"required"`
}

// ContextUpdateRequest merges keys into the context of an execution.
type ContextUpdateRequest struct {
	Data map[string]any `json:"datos" validate:"required,min=1"`
}

// DomainEventRequest is a domain event posted by a backend module.
type DomainEventRequest struct {
	Event      string         `json:"evento"        validate:"required"`
	Context    map[string]any `json:"datosContexto"`
	EntityID   string         `json:"entidadId"`
	EntityType string         `json:"tipoEntidad"`
}

// EventResponse lists the executions started by an event.
type EventResponse struct {
	Started []models.ExecutionSummary `json:"ejecuciones"`
}
