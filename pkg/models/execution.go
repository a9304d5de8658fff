package models

import (
	"encoding/json"
	"maps"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusStarted    ExecutionStatus = "INICIADO"
	ExecutionStatusInProgress ExecutionStatus = "EN_PROGRESO"
	ExecutionStatusCompleted  ExecutionStatus = "COMPLETADO"
	ExecutionStatusFailed     ExecutionStatus = "FALLIDO"
	ExecutionStatusCancelled  ExecutionStatus = "CANCELADO"
)

// IsTerminal reports whether the execution can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus is the state of one step instance in the history.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pendiente"
	StepStatusInProgress StepStatus = "en_progreso"
	StepStatusCompleted  StepStatus = "completado"
	StepStatusFailed     StepStatus = "fallido"
	StepStatusSkipped    StepStatus = "omitido"
)

// IsTerminal reports whether the step instance is finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// StepResult summarizes how a finished step ended.
type StepResult string

const (
	StepResultApproved  StepResult = "aprobado"
	StepResultRejected  StepResult = "rechazado"
	StepResultCompleted StepResult = "completado"
	StepResultError     StepResult = "error"
)

// ActionStatus is the state of one action inside a step instance.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pendiente"
	ActionStatusCompleted ActionStatus = "completado"
	ActionStatusFailed    ActionStatus = "fallido"
)

// ApprovalDecisionValue is an approver's answer.
type ApprovalDecisionValue string

const (
	DecisionApproved ApprovalDecisionValue = "APROBADO"
	DecisionRejected ApprovalDecisionValue = "RECHAZADO"
)

// ApprovalDecision records one approver callback.
type ApprovalDecision struct {
	ApproverID string                `json:"aprobadorId"`
	Decision   ApprovalDecisionValue `json:"decision"`
	Comments   string                `json:"comentarios,omitempty"`
	DecidedAt  time.Time             `json:"fecha"`
}

// ActionState tracks the progress of one action of a step instance.
type ActionState struct {
	Index         int                `json:"indice"`
	Type          ActionType         `json:"tipo"`
	Status        ActionStatus       `json:"estado"`
	CorrelationID string             `json:"correlacionId,omitempty"`
	StartedAt     time.Time          `json:"fechaInicio"`
	Deadline      *time.Time         `json:"fechaLimite,omitempty"`
	Attempts      int                `json:"intentos"`
	RetryAt       *time.Time         `json:"reintentoEn,omitempty"`
	Decisions     []ApprovalDecision `json:"decisiones,omitempty"`
	Output        map[string]any     `json:"salida,omitempty"`
	Error         string             `json:"error,omitempty"`
	Children      []*ActionState     `json:"subacciones,omitempty"`
}

// Terminal reports whether the action finished.
func (a *ActionState) Terminal() bool {
	return a.Status == ActionStatusCompleted || a.Status == ActionStatusFailed
}

// StepHistory is the record of one step instance. It is frozen once the step
// reaches a terminal status.
type StepHistory struct {
	StepID      string         `json:"pasoId"`
	StepName    string         `json:"nombre"`
	Order       int            `json:"orden"`
	Slot        int            `json:"posicion"`
	Status      StepStatus     `json:"estado"`
	StartedAt   *time.Time     `json:"fechaInicio,omitempty"`
	CompletedAt *time.Time     `json:"fechaCompletado,omitempty"`
	Deadline    *time.Time     `json:"fechaLimite,omitempty"`
	Extensions  int            `json:"extensiones,omitempty"`
	AssignedTo  []string       `json:"usuariosAsignados,omitempty"`
	ExecutedBy  string         `json:"usuarioEjecutor,omitempty"`
	Result      StepResult     `json:"resultado,omitempty"`
	Comments    string         `json:"comentarios,omitempty"`
	Input       map[string]any `json:"datosEntrada,omitempty"`
	Output      map[string]any `json:"datosSalida,omitempty"`
	Errors      []string       `json:"errores,omitempty"`
	ElapsedMs   int64          `json:"tiempoTranscurridoMs"`
	Actions     []*ActionState `json:"acciones,omitempty"`
}

// ExecutionError is an error recorded against an execution.
type ExecutionError struct {
	Kind      string    `json:"tipo"`
	Message   string    `json:"mensaje"`
	StepOrder int       `json:"pasoOrden,omitempty"`
	At        time.Time `json:"fecha"`
}

// Execution is one run of a definition against an entity.
type Execution struct {
	ID                string            `json:"id"`
	DefinitionID      string            `json:"flujoId"`
	DefinitionVersion string            `json:"versionFlujo"`
	TenantID          string            `json:"empresaId"`
	EntityID          string            `json:"entidadId,omitempty"`
	EntityType        string            `json:"tipoEntidad,omitempty"`
	TriggerEvent      EventName         `json:"eventoDisparador,omitempty"`
	Status            ExecutionStatus   `json:"estado"`
	CurrentOrder      int               `json:"pasoActual"`
	Context           map[string]any    `json:"datosContexto"`
	ContextOwners     map[string]int    `json:"propietariosContexto,omitempty"`
	ExecutedBy        string            `json:"usuarioEjecutor,omitempty"`
	StartedAt         time.Time         `json:"fechaInicio"`
	CompletedAt       *time.Time        `json:"fechaCompletado,omitempty"`
	WakeAt            *time.Time        `json:"proximaRevision,omitempty"`
	Errors            []ExecutionError  `json:"errores,omitempty"`
	Results           map[string]any    `json:"resultados,omitempty"`
	History           []*StepHistory    `json:"historial"`
	CancelReason      string            `json:"motivoCancelacion,omitempty"`
	Version           int64             `json:"version"`
	UpdatedAt         time.Time         `json:"fechaActualizacion"`
}

// CurrentEntries returns the non-frozen history entries of the current order.
func (e *Execution) CurrentEntries() []*StepHistory {
	var out []*StepHistory

	for i := len(e.History) - 1; i >= 0; i-- {
		h := e.History[i]
		if h.Order != e.CurrentOrder {
			break
		}

		out = append([]*StepHistory{h}, out...)
	}

	return out
}

// Clone returns a deep copy, so a caller can mutate it without affecting a
// concurrently held instance.
func (e *Execution) Clone() *Execution {
	data, err := json.Marshal(e)
	if err != nil {
		cp := *e
		cp.Context = maps.Clone(e.Context)

		return &cp
	}

	var cp Execution
	if err := json.Unmarshal(data, &cp); err != nil {
		shallow := *e

		return &shallow
	}

	return &cp
}

// ExecutionSummary is returned by start endpoints.
type ExecutionSummary struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"flujoId"`
	Status       ExecutionStatus `json:"estado"`
	CurrentOrder int             `json:"pasoActual"`
	StartedAt    time.Time       `json:"fechaInicio"`
	ScheduledFor *time.Time      `json:"fechaProgramada,omitempty"`
}

// Summary builds the start response of the execution.
func (e *Execution) Summary() ExecutionSummary {
	return ExecutionSummary{
		ID:           e.ID,
		DefinitionID: e.DefinitionID,
		Status:       e.Status,
		CurrentOrder: e.CurrentOrder,
		StartedAt:    e.StartedAt,
	}
}
