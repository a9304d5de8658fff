// Package config loads file based configuration of lexflow.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrEmptyTemplate = errors.New("template has no body")

// TemplatesFile is the structure of the templates YAML file:
//
//	plantillas:
//	  aviso:
//	    asunto: "Nuevo caso {{.ejecucion.entidadId}}"
//	    cuerpo: "Se abrió el caso de {{.cliente}}"
type TemplatesFile struct {
	Templates map[string]TemplateConfig `yaml:"plantillas"`
}

// TemplateConfig is a named notification template.
type TemplateConfig struct {
	Subject string `yaml:"asunto"`
	Body    string `yaml:"cuerpo"`
}

// Templates resolves notification actions whose plantilla names a catalog
// entry. Lookups are case insensitive.
type Templates struct {
	entries map[string]TemplateConfig
}

// LoadTemplates reads and validates a templates file.
func LoadTemplates(path string) (*Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file %s: %w", path, err)
	}

	return ParseTemplates(data)
}

// ParseTemplates parses the YAML content of a templates file.
func ParseTemplates(data []byte) (*Templates, error) {
	var file TemplatesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML templates: %w", err)
	}

	entries := make(map[string]TemplateConfig, len(file.Templates))

	for name, tmpl := range file.Templates {
		if strings.TrimSpace(tmpl.Body) == "" {
			return nil, fmt.Errorf("template %q: %w", name, ErrEmptyTemplate)
		}

		entries[strings.ToLower(name)] = tmpl
	}

	return &Templates{entries: entries}, nil
}

func (t *Templates) Lookup(name string) (string, string, bool) {
	if t == nil {
		return "", "", false
	}

	tmpl, ok := t.entries[strings.ToLower(name)]

	return tmpl.Subject, tmpl.Body, ok
}

func (t *Templates) Len() int {
	if t == nil {
		return 0
	}

	return len(t.entries)
}
