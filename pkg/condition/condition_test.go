package condition

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/lexflow/pkg/models"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"monto":     1500.0,
		"moneda":    "COP",
		"etiquetas": []any{"urgente", "laboral"},
		"cliente":   map[string]any{"tipo": "corporativo", "casos": 3},
		"vacio":     "",
		"fecha":     "2025-02-01T10:00:00Z",
		"aprobado":  true,
	}

	tests := []struct {
		name     string
		cond     models.Condition
		want     bool
		wantDiag bool
	}{
		{"greater", models.Condition{Field: "monto", Operator: ">", Value: 1000}, true, false},
		{"greater numeric string", models.Condition{Field: "monto", Operator: ">", Value: "2000"}, false, false},
		{"less or equal", models.Condition{Field: "monto", Operator: "<=", Value: 1500}, true, false},
		{"nested path", models.Condition{Field: "cliente.tipo", Operator: "==", Value: "corporativo"}, true, false},
		{"nested numeric", models.Condition{Field: "cliente.casos", Operator: ">=", Value: 3}, true, false},
		{"not equal", models.Condition{Field: "moneda", Operator: "!=", Value: "USD"}, true, false},
		{"bool equal", models.Condition{Field: "aprobado", Operator: "==", Value: true}, true, false},
		{"string contains", models.Condition{Field: "moneda", Operator: "contains", Value: "CO"}, true, false},
		{"sequence contains", models.Condition{Field: "etiquetas", Operator: "contains", Value: "urgente"}, true, false},
		{"sequence not contains", models.Condition{Field: "etiquetas", Operator: "not_contains", Value: "penal"}, true, false},
		{"in", models.Condition{Field: "moneda", Operator: "in", Value: []any{"USD", "COP"}}, true, false},
		{"in typed slice", models.Condition{Field: "moneda", Operator: "in", Value: []string{"USD", "EUR"}}, false, false},
		{"not in", models.Condition{Field: "moneda", Operator: "not_in", Value: []any{"USD"}}, true, false},
		{"in non sequence", models.Condition{Field: "moneda", Operator: "in", Value: "COP"}, false, true},
		{"numeric on string", models.Condition{Field: "moneda", Operator: ">", Value: 3}, false, true},
		{"date comparison", models.Condition{Type: models.ConditionTypeDate, Field: "fecha", Operator: "<", Value: "2025-03-01"}, true, false},
		{"date on garbage", models.Condition{Type: models.ConditionTypeDate, Field: "moneda", Operator: "<", Value: "2025-03-01"}, false, true},
		{"empty string is vacio", models.Condition{Field: "vacio", Operator: "vacio"}, true, false},
		{"present is no_vacio", models.Condition{Field: "moneda", Operator: "no_vacio"}, true, false},
		{"absent vacio", models.Condition{Field: "ausente", Operator: "vacio"}, true, false},
		{"absent no_vacio", models.Condition{Field: "ausente", Operator: "no_vacio"}, false, false},
		{"absent equality", models.Condition{Field: "ausente", Operator: "==", Value: 1}, false, true},
		{"absent not equal", models.Condition{Field: "ausente", Operator: "!=", Value: 1}, false, true},
		{"absent not_in", models.Condition{Field: "ausente", Operator: "not_in", Value: []any{1}}, false, true},
		{"unknown operator", models.Condition{Field: "monto", Operator: "~="}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, diag := Evaluate(tt.cond, data)
			assert.Equal(t, tt.want, got)

			if tt.wantDiag {
				require.NotNil(t, diag)
				assert.Equal(t, tt.cond.Field, diag.Field)
			} else {
				assert.Nil(t, diag)
			}
		})
	}
}

func TestEvaluate_EmptyConditionOnEmptyData(t *testing.T) {
	got, diag := Evaluate(models.Condition{Operator: models.OperatorEmpty}, map[string]any{})
	assert.True(t, got)
	assert.Nil(t, diag)
}

func TestEvaluate_EqualityRoundTrip(t *testing.T) {
	t.Parallel()

	values := []any{0, 1, -7, 3.25, "texto", "", true, false, "con.punto", int64(42), uint8(9)}
	fields := []string{"campo", "a.b", "x", ""}

	for _, field := range fields {
		for _, value := range values {
			ok, diag := Evaluate(models.Condition{Field: field, Operator: models.OperatorEqual, Value: value}, map[string]any{field: value})
			assert.True(t, ok, "field %q value %#v", field, value)
			assert.Nil(t, diag)
		}
	}
}

func TestEvaluateAll(t *testing.T) {
	data := map[string]any{"monto": 50}

	ok, diags := EvaluateAll(nil, data)
	assert.True(t, ok)
	assert.Empty(t, diags)

	ok, diags = EvaluateAll([]models.Condition{
		{Field: "monto", Operator: ">", Value: 10},
		{Field: "area", Operator: "==", Value: "penal"},
	}, data)
	assert.False(t, ok)
	require.Len(t, diags, 1)
	assert.Equal(t, "area", diags[0].Field)
}

func TestEvaluator_All(t *testing.T) {
	evaluator := NewEvaluator(slog.Default())

	ok, diags := evaluator.All([]models.Condition{{Field: "a", Operator: "==", Value: 1}}, map[string]any{"a": 1.0})
	assert.True(t, ok)
	assert.Empty(t, diags)
}

func TestLookup(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}, "a.b": "literal"}

	v, ok := Lookup(data, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = Lookup(data, "a.b")
	assert.True(t, ok)
	assert.Equal(t, "literal", v)

	_, ok = Lookup(data, "a.x")
	assert.False(t, ok)

	_, ok = Lookup(data, "a.b.c.d")
	assert.False(t, ok)
}
