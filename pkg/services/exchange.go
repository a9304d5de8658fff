package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/lexflow/pkg/events"
	"github.com/dukex/lexflow/pkg/models"
)

// ExportFormatVersion is written into every exported document.
const ExportFormatVersion = "1.0"

// ExportDocument is the portable form of a definition.
type ExportDocument struct {
	Version  string         `json:"version"`
	Flow     ExportedFlow   `json:"flujo"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ExportedFlow struct {
	Name        string                `json:"nombre"`
	Description string                `json:"descripcion"`
	Type        models.DefinitionType `json:"tipo"`
	Steps       []*models.Step        `json:"pasos"`
	Config      models.GlobalConfig   `json:"configuracion"`
	Tags        []string              `json:"etiquetas"`
	Triggers    []*models.Trigger     `json:"disparadores,omitempty"`
}

// IDMapping translates user and role ids of another tenant on import. Ids
// missing from the maps are kept.
type IDMapping struct {
	Users map[string]string `json:"usuarios,omitempty"`
	Roles map[string]string `json:"roles,omitempty"`
}

const exportSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "flujo"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "metadata": {"type": "object"},
    "flujo": {
      "type": "object",
      "required": ["nombre", "tipo", "pasos"],
      "properties": {
        "nombre": {"type": "string", "minLength": 3, "maxLength": 200},
        "descripcion": {"type": "string"},
        "tipo": {"type": "string", "minLength": 1},
        "etiquetas": {"type": ["array", "null"], "items": {"type": "string"}},
        "configuracion": {"type": "object"},
        "disparadores": {"type": ["array", "null"]},
        "pasos": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["nombre", "orden", "acciones"],
            "properties": {
              "nombre": {"type": "string", "minLength": 1},
              "orden": {"type": "integer", "minimum": 1},
              "acciones": {
                "type": "array",
                "minItems": 1,
                "items": {"type": "object", "required": ["tipo"]}
              }
            }
          }
        }
      }
    }
  }
}`

var exportSchemaLoader = gojsonschema.NewStringLoader(exportSchema)

// Export returns the portable document of a definition. Webhook secrets stay
// with the source tenant.
func (d *Definitions) Export(ctx context.Context, tenantID, id string) (*ExportDocument, error) {
	def, err := d.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	cp, err := cloneDefinition(def)
	if err != nil {
		return nil, err
	}

	for _, t := range cp.Triggers {
		if t.Webhook != nil {
			t.Webhook.Secret = ""
		}
	}

	return &ExportDocument{
		Version: ExportFormatVersion,
		Flow: ExportedFlow{
			Name:        cp.Name,
			Description: cp.Description,
			Type:        cp.Type,
			Steps:       cp.Steps,
			Config:      cp.Config,
			Tags:        cp.Tags,
			Triggers:    cp.Triggers,
		},
		Metadata: map[string]any{
			"flujoId":        def.ID,
			"empresaOrigen":  def.TenantID,
			"versionFlujo":   def.Version,
			"fechaExportado": d.now().UTC(),
		},
	}, nil
}

// Import checks a raw export document against its schema, remaps embedded
// user and role ids, and creates it as a new draft of tenantID. Webhook
// triggers without a secret receive a fresh one.
func (d *Definitions) Import(ctx context.Context, tenantID, userID string, raw []byte, mapping IDMapping) (*models.Definition, error) {
	result, err := gojsonschema.Validate(exportSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, NewValidationError("import", "INVALID_DOCUMENT", err.Error(), ErrInvalidImport)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return nil, NewValidationError("import", "INVALID_DOCUMENT",
			fmt.Sprintf("validation errors: %s", strings.Join(problems, "; ")), ErrInvalidImport)
	}

	var doc ExportDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, NewValidationError("import", "INVALID_DOCUMENT", err.Error(), ErrInvalidImport)
	}

	def := &models.Definition{
		Name:        doc.Flow.Name,
		Description: doc.Flow.Description,
		Type:        doc.Flow.Type,
		Steps:       doc.Flow.Steps,
		Config:      doc.Flow.Config,
		Tags:        doc.Flow.Tags,
		Triggers:    doc.Flow.Triggers,
		Metadata:    map[string]any{"importado": doc.Metadata},
	}

	mapping.apply(def)

	for _, t := range def.Triggers {
		if t != nil && t.Event == models.EventWebhook && (t.Webhook == nil || t.Webhook.Secret == "") {
			t.Webhook = &models.WebhookConfig{Secret: uuid.NewString()}
		}
	}

	created, err := d.Create(ctx, tenantID, userID, def)
	if err != nil {
		return nil, err
	}

	d.emit(ctx, created, userID, events.AuditDefinitionImported, fmt.Sprintf("Flujo %q importado", created.Name), nil)

	return created, nil
}

func (m IDMapping) apply(def *models.Definition) {
	users := func(ids []string) {
		for i, id := range ids {
			if mapped, ok := m.Users[id]; ok {
				ids[i] = mapped
			}
		}
	}

	roles := func(ids []string) {
		for i, id := range ids {
			if mapped, ok := m.Roles[id]; ok {
				ids[i] = mapped
			}
		}
	}

	users(def.Config.Notifications.Recipients)
	users(def.Config.Escalation.Recipients)

	for _, step := range def.Steps {
		users(step.AssignedUsers)
		roles(step.AllowedRoles)

		for i := range step.Actions {
			m.applyAction(&step.Actions[i], users)
		}
	}

	for _, t := range def.Triggers {
		if t.Manual != nil {
			users(t.Manual.AuthorizedUsers)
			roles(t.Manual.AuthorizedRoles)
		}
	}
}

func (m IDMapping) applyAction(action *models.Action, users func([]string)) {
	switch spec := action.Spec.(type) {
	case *models.ApprovalAction:
		users(spec.Approvers)
	case *models.NotificationAction:
		users(spec.Recipients)
	case *models.ParallelAction:
		for i := range spec.Actions {
			m.applyAction(&spec.Actions[i], users)
		}
	}
}
