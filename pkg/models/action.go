package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ActionType is the discriminator of an action.
type ActionType string

const (
	ActionTypeApproval     ActionType = "APROBACION"
	ActionTypeNotification ActionType = "NOTIFICACION"
	ActionTypeDocument     ActionType = "DOCUMENTO"
	ActionTypeForm         ActionType = "FORMULARIO"
	ActionTypeIntegration  ActionType = "INTEGRACION"
	ActionTypeWait         ActionType = "ESPERA"
	ActionTypeCondition    ActionType = "CONDICION"
	ActionTypeParallel     ActionType = "PARALELO"
)

var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrInvalidAction     = errors.New("invalid action configuration")
)

// ActionSpec is implemented by every action variant. Each variant carries only
// the fields relevant to its type.
type ActionSpec interface {
	ActionType() ActionType
	Validate() error
}

// Action is a side effect performed by a step.
type Action struct {
	ID   string
	Name string
	Spec ActionSpec
}

// Type returns the discriminator of the wrapped variant.
func (a Action) Type() ActionType {
	if a.Spec == nil {
		return ""
	}

	return a.Spec.ActionType()
}

// Validate checks the wrapped variant.
func (a Action) Validate() error {
	if a.Spec == nil {
		return fmt.Errorf("%w: missing configuration", ErrInvalidAction)
	}

	return a.Spec.Validate()
}

type actionDocument struct {
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"nombre,omitempty"`
	Type   ActionType      `json:"tipo"`
	Config json.RawMessage `json:"configuracion,omitempty"`
}

// MarshalJSON writes the action as {id, nombre, tipo, configuracion}.
func (a Action) MarshalJSON() ([]byte, error) {
	doc := actionDocument{ID: a.ID, Name: a.Name, Type: a.Type()}

	if a.Spec != nil {
		config, err := json.Marshal(a.Spec)
		if err != nil {
			return nil, err
		}

		doc.Config = config
	}

	return json.Marshal(doc)
}

// UnmarshalJSON selects the variant from the tipo discriminator.
func (a *Action) UnmarshalJSON(data []byte) error {
	var doc actionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	spec, err := newActionSpec(doc.Type)
	if err != nil {
		return err
	}

	if len(doc.Config) > 0 && string(doc.Config) != "null" {
		if err := json.Unmarshal(doc.Config, spec); err != nil {
			return fmt.Errorf("action %s: %w", doc.Type, err)
		}
	}

	a.ID = doc.ID
	a.Name = doc.Name
	a.Spec = spec

	return nil
}

func newActionSpec(t ActionType) (ActionSpec, error) {
	switch t {
	case ActionTypeApproval:
		return &ApprovalAction{}, nil
	case ActionTypeNotification:
		return &NotificationAction{}, nil
	case ActionTypeDocument:
		return &DocumentAction{}, nil
	case ActionTypeForm:
		return &FormAction{}, nil
	case ActionTypeIntegration:
		return &IntegrationAction{}, nil
	case ActionTypeWait:
		return &WaitAction{}, nil
	case ActionTypeCondition:
		return &ConditionAction{}, nil
	case ActionTypeParallel:
		return &ParallelAction{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}
}

// ApprovalAction waits for decisions of the listed approvers.
type ApprovalAction struct {
	Approvers    []string `json:"aprobadores"`
	RequireAll   bool     `json:"requiereTodos"`
	TimeoutHours float64  `json:"timeoutHoras,omitempty"`
}

func (*ApprovalAction) ActionType() ActionType { return ActionTypeApproval }

func (a *ApprovalAction) Validate() error {
	if len(a.Approvers) == 0 {
		return fmt.Errorf("%w: approval requires at least one approver", ErrInvalidAction)
	}

	if a.TimeoutHours < 0 {
		return fmt.Errorf("%w: negative approval timeout", ErrInvalidAction)
	}

	return nil
}

// NotificationAction sends a rendered template to recipients over a channel.
type NotificationAction struct {
	Recipients []string `json:"destinatarios"`
	Channel    string   `json:"canal"`
	Template   string   `json:"plantilla"`
	Subject    string   `json:"asunto,omitempty"`
}

func (*NotificationAction) ActionType() ActionType { return ActionTypeNotification }

func (a *NotificationAction) Validate() error {
	if len(a.Recipients) == 0 {
		return fmt.Errorf("%w: notification requires recipients", ErrInvalidAction)
	}

	if a.Template == "" {
		return fmt.Errorf("%w: notification requires a template", ErrInvalidAction)
	}

	return nil
}

// DocumentAction asks the documents collaborator to produce a document.
type DocumentAction struct {
	Template     string `json:"plantilla"`
	AutoGenerate bool   `json:"generarAutomaticamente"`
	OutputKey    string `json:"claveSalida,omitempty"`
}

func (*DocumentAction) ActionType() ActionType { return ActionTypeDocument }

func (a *DocumentAction) Validate() error {
	if a.Template == "" {
		return fmt.Errorf("%w: document requires a template", ErrInvalidAction)
	}

	return nil
}

// FormAction requests data capture from the assigned users.
type FormAction struct {
	RequiredFields []string    `json:"camposRequeridos"`
	Validations    []Condition `json:"validaciones,omitempty"`
}

func (*FormAction) ActionType() ActionType { return ActionTypeForm }

func (a *FormAction) Validate() error {
	if len(a.RequiredFields) == 0 {
		return fmt.Errorf("%w: form requires at least one field", ErrInvalidAction)
	}

	return validateConditions(ErrInvalidAction, a.Validations)
}

// IntegrationAction calls an external HTTP endpoint.
type IntegrationAction struct {
	Endpoint       string            `json:"endpoint"`
	Method         string            `json:"metodo"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"cuerpo,omitempty"`
	TimeoutSeconds int               `json:"timeoutSegundos,omitempty"`
}

func (*IntegrationAction) ActionType() ActionType { return ActionTypeIntegration }

func (a *IntegrationAction) Validate() error {
	if a.Endpoint == "" {
		return fmt.Errorf("%w: integration requires an endpoint", ErrInvalidAction)
	}

	switch strings.ToUpper(a.Method) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return nil
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidAction, a.Method)
	}
}

// WaitAction pauses the step for a duration or until a condition holds.
type WaitAction struct {
	DurationHours float64    `json:"duracionHoras,omitempty"`
	ExitCondition *Condition `json:"condicionSalida,omitempty"`
}

func (*WaitAction) ActionType() ActionType { return ActionTypeWait }

func (a *WaitAction) Validate() error {
	if a.DurationHours <= 0 && a.ExitCondition == nil {
		return fmt.Errorf("%w: wait requires a duration or an exit condition", ErrInvalidAction)
	}

	if a.ExitCondition != nil {
		return a.ExitCondition.Validate()
	}

	return nil
}

// ConditionAction is an inline branch: it completes when every condition holds
// and fails otherwise, so the step follows its success or failure successor.
type ConditionAction struct {
	Conditions []Condition `json:"condiciones"`
}

func (*ConditionAction) ActionType() ActionType { return ActionTypeCondition }

func (a *ConditionAction) Validate() error {
	if len(a.Conditions) == 0 {
		return fmt.Errorf("%w: condition action requires conditions", ErrInvalidAction)
	}

	return validateConditions(ErrInvalidAction, a.Conditions)
}

// ParallelAction dispatches its sub-actions concurrently.
type ParallelAction struct {
	Actions []Action `json:"acciones"`
}

func (*ParallelAction) ActionType() ActionType { return ActionTypeParallel }

func (a *ParallelAction) Validate() error {
	if len(a.Actions) == 0 {
		return fmt.Errorf("%w: parallel action requires sub-actions", ErrInvalidAction)
	}

	for i := range a.Actions {
		if err := a.Actions[i].Validate(); err != nil {
			return fmt.Errorf("sub-action %d: %w", i, err)
		}
	}

	return nil
}

// validateConditions reports the first invalid condition as kind.
func validateConditions(kind error, conditions []Condition) error {
	for i := range conditions {
		if err := conditions[i].Validate(); err != nil {
			return fmt.Errorf("%w: %w", kind, err)
		}
	}

	return nil
}
