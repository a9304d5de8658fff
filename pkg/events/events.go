// Package events defines the messages exchanged over the event bus: domain
// events consumed by the engine and audit, lifecycle and collaborator requests
// it produces.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukex/lexflow/pkg/models"
)

type EventType string

// Topic carries every lexflow message; consumers filter on the event type
// metadata.
const Topic = "lexflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Ingress.
	DomainEventReceivedEvent EventType = "dominio.evento"

	// Produced by the engine.
	AuditRecordedEvent         EventType = "bitacora.registro"
	ExecutionStartedEvent      EventType = "flujo.ejecucion.iniciada"
	ExecutionFinishedEvent     EventType = "flujo.ejecucion.finalizada"
	NotificationRequestedEvent EventType = "notificacion.solicitada"
	DocumentRequestedEvent     EventType = "documento.solicitado"
	FormRequestedEvent         EventType = "formulario.solicitado"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"empresaId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
	}
}

// DomainEventReceived is raised by a backend module (cases, expenses,
// documents...) and may start executions.
type DomainEventReceived struct {
	BaseEvent

	Event      string         `json:"evento"`
	Context    map[string]any `json:"datosContexto"`
	EntityID   string         `json:"entidadId,omitempty"`
	EntityType string         `json:"tipoEntidad,omitempty"`
	UserID     string         `json:"usuarioId,omitempty"`
}

func (e DomainEventReceived) GetType() EventType {
	return DomainEventReceivedEvent
}

// AuditLevel is the severity of an audit record.
type AuditLevel string

const (
	AuditLevelInfo     AuditLevel = "INFO"
	AuditLevelWarning  AuditLevel = "ADVERTENCIA"
	AuditLevelError    AuditLevel = "ERROR"
	AuditLevelCritical AuditLevel = "CRITICO"
)

// AuditModule identifies this engine in the audit log.
const AuditModule = "FLUJOS_TRABAJO"

// Audit record kinds.
const (
	AuditExecutionStarted   = "EJECUCION_INICIADA"
	AuditExecutionCompleted = "EJECUCION_COMPLETADA"
	AuditExecutionFailed    = "EJECUCION_FALLIDA"
	AuditExecutionCancelled = "EJECUCION_CANCELADA"
	AuditStepCompleted      = "PASO_COMPLETADO"
	AuditStepFailed         = "PASO_FALLIDO"
	AuditStepSkipped        = "PASO_OMITIDO"
	AuditStepEscalated      = "PASO_ESCALADO"
	AuditApprovalRecorded   = "APROBACION_REGISTRADA"
	AuditDefinitionCreated  = "FLUJO_CREADO"
	AuditDefinitionUpdated  = "FLUJO_ACTUALIZADO"
	AuditDefinitionState    = "FLUJO_ESTADO_CAMBIADO"
	AuditDefinitionDeleted  = "FLUJO_ELIMINADO"
	AuditDefinitionImported = "FLUJO_IMPORTADO"
)

// AuditRecorded is one entry for the audit-log collaborator.
type AuditRecorded struct {
	BaseEvent

	Kind        string         `json:"tipoEvento"`
	Module      string         `json:"modulo"`
	Description string         `json:"descripcion"`
	Level       AuditLevel     `json:"nivel"`
	UserID      string         `json:"usuarioId,omitempty"`
	Data        map[string]any `json:"datosAdicionales,omitempty"`
}

func (e AuditRecorded) GetType() EventType {
	return AuditRecordedEvent
}

// NewAuditRecord builds an audit record of this module.
func NewAuditRecord(kind, tenantID, userID, description string, level AuditLevel, data map[string]any) *AuditRecorded {
	return &AuditRecorded{
		BaseEvent:   NewBaseEvent(AuditRecordedEvent, tenantID),
		Kind:        kind,
		Module:      AuditModule,
		Description: description,
		Level:       level,
		UserID:      userID,
		Data:        data,
	}
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID  string `json:"ejecucionId"`
	DefinitionID string `json:"flujoId"`
	EntityID     string `json:"entidadId,omitempty"`
	EntityType   string `json:"tipoEntidad,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionFinished struct {
	BaseEvent

	ExecutionID  string         `json:"ejecucionId"`
	DefinitionID string         `json:"flujoId"`
	Status       string         `json:"estado"`
	Results      map[string]any `json:"resultados,omitempty"`
	Duration     time.Duration  `json:"duracion"`
}

func (e ExecutionFinished) GetType() EventType {
	return ExecutionFinishedEvent
}

// NotificationRequested asks the in-app notification module to deliver a
// message.
type NotificationRequested struct {
	BaseEvent

	Recipients []string `json:"destinatarios"`
	Channel    string   `json:"canal"`
	Subject    string   `json:"asunto,omitempty"`
	Body       string   `json:"mensaje"`
}

func (e NotificationRequested) GetType() EventType {
	return NotificationRequestedEvent
}

// DocumentRequested asks the documents module to produce a document.
type DocumentRequested struct {
	BaseEvent

	RequestID    string         `json:"solicitudId"`
	ExecutionID  string         `json:"ejecucionId"`
	StepOrder    int            `json:"pasoOrden"`
	Template     string         `json:"plantilla"`
	AutoGenerate bool           `json:"generarAutomaticamente"`
	EntityID     string         `json:"entidadId,omitempty"`
	EntityType   string         `json:"tipoEntidad,omitempty"`
	Data         map[string]any `json:"datos,omitempty"`
}

func (e DocumentRequested) GetType() EventType {
	return DocumentRequestedEvent
}

// FormRequested asks the forms module to collect fields from users.
type FormRequested struct {
	BaseEvent

	RequestID      string             `json:"solicitudId"`
	ExecutionID    string             `json:"ejecucionId"`
	StepOrder      int                `json:"pasoOrden"`
	RequiredFields []string           `json:"camposRequeridos"`
	AssignedUsers  []string           `json:"usuariosAsignados,omitempty"`
	Validations    []models.Condition `json:"validaciones,omitempty"`
}

func (e FormRequested) GetType() EventType {
	return FormRequestedEvent
}
