// Package template renders notification bodies, document templates and
// integration requests from execution data.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// ExecutionData is the view of an execution exposed to templates. Context keys
// are available at the top level and under .datos; execution fields live under
// .ejecucion.
type ExecutionData struct {
	ExecutionID  string
	DefinitionID string
	TenantID     string
	EntityID     string
	EntityType   string
	StepOrder    int
	Context      map[string]any
}

// Map flattens the view into template data.
func (d ExecutionData) Map() map[string]any {
	data := maps.Clone(d.Context)
	if data == nil {
		data = map[string]any{}
	}

	data["datos"] = d.Context
	data["ejecucion"] = map[string]any{
		"id":          d.ExecutionID,
		"flujoId":     d.DefinitionID,
		"empresaId":   d.TenantID,
		"entidadId":   d.EntityID,
		"tipoEntidad": d.EntityType,
		"pasoActual":  d.StepOrder,
	}

	return data
}

func parse(templateStr string) (*template.Template, error) {
	return template.
		New("lexflow").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}
				num := make([]byte, 1)
				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)

				return string(b), err
			},
		}).Parse(templateStr)
}

// RenderString executes templateStr and returns the text output.
func RenderString(templateStr string, data any) (string, error) {
	if !strings.Contains(templateStr, "{{") {
		return templateStr, nil
	}

	tmpl, err := parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// Render executes templateStr and converts the output to JSON, a number or a
// boolean when it looks like one.
func Render(templateStr string, data any) (any, error) {
	result, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	result = strings.TrimSpace(result)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}
