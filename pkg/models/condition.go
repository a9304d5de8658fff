package models

import (
	"errors"
	"fmt"
)

// ConditionType hints how operands are coerced before comparison.
type ConditionType string

const (
	ConditionTypeField  ConditionType = "CAMPO"
	ConditionTypeAmount ConditionType = "MONTO"
	ConditionTypeDate   ConditionType = "FECHA"
	ConditionTypeStatus ConditionType = "ESTADO"
	ConditionTypeUser   ConditionType = "USUARIO"
	ConditionTypeRole   ConditionType = "ROL"
	ConditionTypeCustom ConditionType = "PERSONALIZADO"
)

// Operator is a comparison applied between a context field and a value.
type Operator string

const (
	OperatorGreater        Operator = ">"
	OperatorLess           Operator = "<"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLessOrEqual    Operator = "<="
	OperatorEqual          Operator = "=="
	OperatorNotEqual       Operator = "!="
	OperatorContains       Operator = "contains"
	OperatorNotContains    Operator = "not_contains"
	OperatorIn             Operator = "in"
	OperatorNotIn          Operator = "not_in"
	OperatorEmpty          Operator = "vacio"
	OperatorNotEmpty       Operator = "no_vacio"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OperatorGreater, OperatorLess, OperatorGreaterOrEqual, OperatorLessOrEqual,
	OperatorEqual, OperatorNotEqual, OperatorContains, OperatorNotContains,
	OperatorIn, OperatorNotIn, OperatorEmpty, OperatorNotEmpty,
}

var ErrInvalidCondition = errors.New("invalid condition")

// Condition is a boolean predicate over context or payload data. Field is a
// dotted path into nested maps.
type Condition struct {
	Type        ConditionType `json:"tipo,omitempty"`
	Field       string        `json:"campo"`
	Operator    Operator      `json:"operador"`
	Value       any           `json:"valor,omitempty"`
	Description string        `json:"descripcion,omitempty"`
}

// Validate checks the operator is known. Operand shapes are checked at
// evaluation time.
func (c Condition) Validate() error {
	for _, op := range Operators {
		if c.Operator == op {
			return nil
		}
	}

	return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
}
