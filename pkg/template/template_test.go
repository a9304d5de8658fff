package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleExpression(t *testing.T) {
	data := map[string]any{
		"nombre":  "Ana",
		"monto":   30,
		"urgente": true,
	}

	result, err := Render("{{ .nombre }}", data)
	require.NoError(t, err)
	assert.Equal(t, "Ana", result)

	result, err = Render("{{ .urgente }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	// numbers always map to float
	result, err = Render("{{ .monto }}", data)
	require.NoError(t, err)
	assert.Equal(t, 30.0, result)
}

func TestRender_ObjectConstruction(t *testing.T) {
	data := map[string]any{
		"cliente": map[string]any{"nombre": "Acme"},
		"casos":   []any{"c-1", "c-2"},
	}

	result, err := Render(`{"cliente": "{{ .cliente.nombre }}", "total": {{ len .casos }}}`, data)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Acme", resultMap["cliente"])
	assert.Equal(t, 2.0, resultMap["total"])
}

func TestRender_ErrorHandling(t *testing.T) {
	_, err := Render("{ invalid..expression }", map[string]any{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse json")

	_, err = Render("{{ nonexistent.field }}", map[string]any{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "function \"nonexistent\" not defined")
}

func TestRenderString_ExecutionData(t *testing.T) {
	data := ExecutionData{
		ExecutionID: "x-1",
		EntityID:    "gasto-9",
		StepOrder:   2,
		Context:     map[string]any{"monto": 1500, "abogado": map[string]any{"nombre": "Luis"}},
	}

	result, err := RenderString("Gasto {{.monto}} de {{.abogado.nombre}} ({{.ejecucion.entidadId}}, paso {{.ejecucion.pasoActual}})", data.Map())
	require.NoError(t, err)
	assert.Equal(t, "Gasto 1500 de Luis (gasto-9, paso 2)", result)

	result, err = RenderString("{{.datos.monto}} {{.ausente}}", data.Map())
	require.NoError(t, err)
	assert.Equal(t, "1500 ", result)

	result, err = RenderString("sin plantilla", nil)
	require.NoError(t, err)
	assert.Equal(t, "sin plantilla", result)
}

func TestRenderString_JSONFunc(t *testing.T) {
	result, err := RenderString(`{{ json .etiquetas }}`, map[string]any{"etiquetas": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, result)
}
