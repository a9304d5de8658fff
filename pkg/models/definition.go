// Package models defines the core domain models for legal-practice workflow automation
package models

import (
	"slices"
	"time"
)

// DefinitionType classifies what a workflow definition automates.
type DefinitionType string

const (
	DefinitionTypeLegalProcess      DefinitionType = "PROCESO_LEGAL"
	DefinitionTypeDocumentApproval  DefinitionType = "APROBACION_DOCUMENTO"
	DefinitionTypeCaseReview        DefinitionType = "REVISION_CASO"
	DefinitionTypeExpenseApproval   DefinitionType = "AUTORIZACION_GASTO"
	DefinitionTypeInvoiceValidation DefinitionType = "VALIDACION_FACTURA"
	DefinitionTypeClientOnboarding  DefinitionType = "ONBOARDING_CLIENTE"
	DefinitionTypeProjectTracking   DefinitionType = "SEGUIMIENTO_PROYECTO"
	DefinitionTypeDisciplinary      DefinitionType = "PROCESO_DISCIPLINARIO"
	DefinitionTypeInternalAudit     DefinitionType = "AUDITORIA_INTERNA"
	DefinitionTypeCustom            DefinitionType = "PERSONALIZADO"
)

// DefinitionStatus represents the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft     DefinitionStatus = "borrador"   // Editable, never matched
	DefinitionStatusActive    DefinitionStatus = "activo"     // Matched against events
	DefinitionStatusPaused    DefinitionStatus = "pausado"    // Editable, running executions continue
	DefinitionStatusCompleted DefinitionStatus = "completado" // Kept for history
	DefinitionStatusCancelled DefinitionStatus = "cancelado"  // Terminal
	DefinitionStatusArchived  DefinitionStatus = "archivado"  // Terminal
)

// IsTerminal reports whether no further state change is allowed.
func (s DefinitionStatus) IsTerminal() bool {
	return s == DefinitionStatusArchived || s == DefinitionStatusCancelled
}

// Editable reports whether steps and configuration may be changed.
func (s DefinitionStatus) Editable() bool {
	return s == DefinitionStatusDraft || s == DefinitionStatusPaused
}

// Definition is a tenant-scoped workflow template: an ordered list of steps
// started by one or more triggers.
type Definition struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"empresaId"`
	Name         string           `json:"nombre"                validate:"required,min=3,max=200"`
	Description  string           `json:"descripcion"`
	Type         DefinitionType   `json:"tipo"                  validate:"required"`
	Status       DefinitionStatus `json:"estado"`
	Priority     int              `json:"prioridad"             validate:"min=1,max=10"`
	Active       bool             `json:"activo"`
	ValidFrom    *time.Time       `json:"fechaInicio,omitempty"`
	ValidUntil   *time.Time       `json:"fechaFin,omitempty"`
	Tags         []string         `json:"etiquetas"`
	Version      string           `json:"version"`
	Config       GlobalConfig     `json:"configuracion"`
	Steps        []*Step          `json:"pasos"                 validate:"required,min=1,dive"`
	Triggers     []*Trigger       `json:"disparadores"          validate:"dive"`
	StateHistory []StateChange    `json:"historialEstados,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	CreatedBy    string           `json:"creadoPor"`
	CreatedAt    time.Time        `json:"fechaCreacion"`
	UpdatedAt    time.Time        `json:"fechaActualizacion"`
}

// InValidityWindow reports whether now falls inside [ValidFrom, ValidUntil].
func (d *Definition) InValidityWindow(now time.Time) bool {
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return false
	}

	if d.ValidUntil != nil && now.After(*d.ValidUntil) {
		return false
	}

	return true
}

// TriggersFor returns the definition triggers listening to the given event.
func (d *Definition) TriggersFor(event EventName) []*Trigger {
	var out []*Trigger

	for _, t := range d.Triggers {
		if t != nil && t.Event == event {
			out = append(out, t)
		}
	}

	return out
}

// HasTag reports whether the definition carries tag.
func (d *Definition) HasTag(tag string) bool {
	return slices.Contains(d.Tags, tag)
}

// GlobalConfig groups the execution-wide policies of a definition.
type GlobalConfig struct {
	Notifications      NotificationPolicy `json:"notificaciones"`
	Retries            RetryPolicy        `json:"reintentos"`
	GlobalTimeoutHours float64            `json:"timeoutGlobalHoras,omitempty" validate:"min=0"`
	Escalation         EscalationPolicy   `json:"escalamiento"`
	Audit              AuditPolicy        `json:"auditoria"`
}

// NotificationPolicy controls lifecycle notifications of an execution.
type NotificationPolicy struct {
	Enabled          bool     `json:"habilitado"`
	Channel          string   `json:"canal,omitempty"`
	Recipients       []string `json:"destinatarios,omitempty"`
	NotifyOnStart    bool     `json:"alIniciar"`
	NotifyOnComplete bool     `json:"alCompletar"`
	NotifyOnFailure  bool     `json:"alFallar"`
}

// RetryPolicy describes how failed integration dispatches are retried.
type RetryPolicy struct {
	Enabled         bool    `json:"habilitado"`
	MaxAttempts     int     `json:"maxIntentos"        validate:"min=0,max=20"`
	IntervalSeconds float64 `json:"intervaloSegundos"  validate:"min=0"`
	Multiplier      float64 `json:"multiplicador"      validate:"min=0"`
	MaxIntervalSecs float64 `json:"intervaloMaximoSegundos,omitempty" validate:"min=0"`
}

// EscalationPolicy describes what happens when a step timeout elapses.
type EscalationPolicy struct {
	Enabled        bool     `json:"habilitado"`
	Recipients     []string `json:"destinatarios,omitempty"`
	Channel        string   `json:"canal,omitempty"`
	ExtensionHours float64  `json:"extensionHoras,omitempty" validate:"min=0"`
	MaxExtensions  int      `json:"maxExtensiones,omitempty" validate:"min=0"`
}

// AuditPolicy controls the payload of audit records.
type AuditPolicy struct {
	IncludeContext bool   `json:"incluirContexto"`
	Level          string `json:"nivel,omitempty"`
}

// StateChange records one lifecycle transition of a definition.
type StateChange struct {
	From          DefinitionStatus `json:"estadoAnterior"`
	To            DefinitionStatus `json:"estadoNuevo"`
	Reason        string           `json:"motivo,omitempty"`
	Observations  string           `json:"observaciones,omitempty"`
	EffectiveDate *time.Time       `json:"fechaVigencia,omitempty"`
	ChangedBy     string           `json:"usuarioId"`
	ChangedAt     time.Time        `json:"fecha"`
}
