package models

import (
	"encoding/json"
	"fmt"
)

// Step is one unit of work inside a definition. Steps sharing an order and
// flagged Parallel form a group that is dispatched concurrently and joined.
type Step struct {
	ID            string         `json:"id"`
	Name          string         `json:"nombre"                       validate:"required"`
	Description   string         `json:"descripcion,omitempty"`
	Order         int            `json:"orden"                        validate:"min=1"`
	Actions       []Action       `json:"acciones"                     validate:"required,min=1"`
	Conditions    []Condition    `json:"condiciones,omitempty"`
	Mandatory     bool           `json:"obligatorio"`
	TimeoutHours  float64        `json:"timeoutHoras,omitempty"       validate:"min=0"`
	AssignedUsers []string       `json:"usuariosAsignados,omitempty"`
	AllowedRoles  []string       `json:"rolesPermitidos,omitempty"`
	Parallel      bool           `json:"ejecutarEnParalelo"`
	OnSuccess     *int           `json:"pasoSiguienteExito,omitempty"`
	OnFailure     *int           `json:"pasoSiguienteFallo,omitempty"`
	Config        map[string]any `json:"configuracion,omitempty"`
}

// Key returns the stable identity of the step inside its definition.
func (s *Step) Key() string {
	if s.ID != "" {
		return s.ID
	}

	return fmt.Sprintf("paso-%d", s.Order)
}

// UnmarshalJSON defaults obligatorio to true when the document omits it.
func (s *Step) UnmarshalJSON(data []byte) error {
	type alias Step

	aux := struct {
		*alias
		Mandatory *bool `json:"obligatorio"`
	}{alias: (*alias)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.Mandatory = aux.Mandatory == nil || *aux.Mandatory

	return nil
}

// StepRef returns a pointer to order, for successor fields.
func StepRef(order int) *int {
	return &order
}
