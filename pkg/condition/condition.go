// Package condition evaluates step guards, trigger filters and wait exit
// conditions against context data.
package condition

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/lexflow/pkg/models"
)

// Diagnostic explains why a condition evaluated to false for a reason other
// than a plain mismatch: an absent field or an operand of the wrong shape.
type Diagnostic struct {
	Field    string          `json:"campo"`
	Operator models.Operator `json:"operador"`
	Reason   string          `json:"motivo"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("condition %q %s: %s", d.Field, d.Operator, d.Reason)
}

// Evaluator wraps Evaluate and EvaluateAll with diagnostic logging.
type Evaluator struct {
	logger *slog.Logger
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// All evaluates conditions as a conjunction and logs any diagnostics.
func (e *Evaluator) All(conditions []models.Condition, data map[string]any) (bool, []Diagnostic) {
	ok, diagnostics := EvaluateAll(conditions, data)

	for _, d := range diagnostics {
		e.logger.Warn("condition diagnostic", "field", d.Field, "operator", d.Operator, "reason", d.Reason)
	}

	return ok, diagnostics
}

// EvaluateAll is the conjunction of conditions. An empty list holds. Every
// condition is evaluated so all diagnostics are reported.
func EvaluateAll(conditions []models.Condition, data map[string]any) (bool, []Diagnostic) {
	result := true

	var diagnostics []Diagnostic

	for _, c := range conditions {
		ok, diag := Evaluate(c, data)
		if diag != nil {
			diagnostics = append(diagnostics, *diag)
		}

		result = result && ok
	}

	return result, diagnostics
}

// Evaluate applies a single condition. It never fails: malformed operands
// evaluate to false with a diagnostic.
func Evaluate(c models.Condition, data map[string]any) (bool, *Diagnostic) {
	diag := func(reason string) *Diagnostic {
		return &Diagnostic{Field: c.Field, Operator: c.Operator, Reason: reason}
	}

	value, found := Lookup(data, c.Field)

	switch c.Operator {
	case models.OperatorEmpty:
		return !found || isEmpty(value), nil
	case models.OperatorNotEmpty:
		return found && !isEmpty(value), nil
	}

	if !found {
		return false, diag("field not present")
	}

	switch c.Operator {
	case models.OperatorGreater, models.OperatorLess, models.OperatorGreaterOrEqual, models.OperatorLessOrEqual:
		cmp, err := compareOrdered(c.Type, value, c.Value)
		if err != nil {
			return false, diag(err.Error())
		}

		switch c.Operator {
		case models.OperatorGreater:
			return cmp > 0, nil
		case models.OperatorLess:
			return cmp < 0, nil
		case models.OperatorGreaterOrEqual:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case models.OperatorEqual:
		return equal(value, c.Value), nil
	case models.OperatorNotEqual:
		return !equal(value, c.Value), nil
	case models.OperatorContains, models.OperatorNotContains:
		has, err := contains(value, c.Value)
		if err != nil {
			return false, diag(err.Error())
		}

		if c.Operator == models.OperatorContains {
			return has, nil
		}

		return !has, nil
	case models.OperatorIn, models.OperatorNotIn:
		items, ok := sequence(c.Value)
		if !ok {
			return false, diag("value is not a sequence")
		}

		member := false

		for _, item := range items {
			if equal(value, item) {
				member = true

				break
			}
		}

		if c.Operator == models.OperatorIn {
			return member, nil
		}

		return !member, nil
	default:
		return false, diag("unknown operator")
	}
}

// Lookup resolves a field by exact key first, then as a dotted path through
// nested maps.
func Lookup(data map[string]any, path string) (any, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}

	if !strings.Contains(path, ".") {
		return nil, false
	}

	var current any = data

	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		if current, ok = m[part]; !ok {
			return nil, false
		}
	}

	return current, true
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}

	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil
	default:
		return 0, false
	}
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", time.DateOnly}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}

		return *t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}

	return time.Time{}, false
}

func compareOrdered(kind models.ConditionType, left, right any) (int, error) {
	if kind == models.ConditionTypeDate {
		l, lok := toTime(left)
		r, rok := toTime(right)

		if !lok || !rok {
			return 0, fmt.Errorf("operands are not dates")
		}

		return l.Compare(r), nil
	}

	l, lok := toNumber(left)
	r, rok := toNumber(right)

	if !lok || !rok {
		return 0, fmt.Errorf("operands are not numeric")
	}

	switch {
	case l < r:
		return -1, nil
	case l > r:
		return 1, nil
	default:
		return 0, nil
	}
}

func equal(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}

	if l, ok := toNumber(left); ok {
		if r, ok := toNumber(right); ok {
			return l == r
		}
	}

	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)

		return ok && lb == rb
	}

	if ls, ok := left.(string); ok {
		rs, ok := right.(string)

		return ok && ls == rs
	}

	return reflect.DeepEqual(left, right)
}

func sequence(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}

	if items, ok := v.([]any); ok {
		return items, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}

	return items, true
}

func contains(haystack, needle any) (bool, error) {
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("value is not a string")
		}

		return strings.Contains(s, n), nil
	}

	items, ok := sequence(haystack)
	if !ok {
		return false, fmt.Errorf("field is neither a string nor a sequence")
	}

	for _, item := range items {
		if equal(item, needle) {
			return true, nil
		}
	}

	return false, nil
}
