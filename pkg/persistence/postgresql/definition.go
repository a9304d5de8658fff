package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
)

var definitionSortColumns = map[string]string{
	"fechaCreacion":      "created_at",
	"fechaActualizacion": "updated_at",
	"nombre":             "name",
	"prioridad":          "priority",
}

// DefinitionRepository handles definition-related database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.Definition, error) {
	var raw []byte

	err := r.db.QueryRowContext(ctx, `SELECT document FROM definitions WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("GetByID", id, persistence.ErrDefinitionNotFound)
		}

		return nil, persistence.NewDefinitionError("GetByID", id, err)
	}

	var def models.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, persistence.NewDefinitionError("GetByID", id, err)
	}

	return &def, nil
}

func (r *DefinitionRepository) List(ctx context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)

	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if opts.TenantID != "" {
		add("tenant_id = $%d", opts.TenantID)
	}

	if opts.Status != "" {
		add("status = $%d", string(opts.Status))
	}

	if opts.Type != "" {
		add("type = $%d", string(opts.Type))
	}

	if opts.Tag != "" {
		add("tags ? $%d", opts.Tag)
	}

	if opts.ActiveOnly {
		where = append(where, "active")
	}

	filter := ""
	if len(where) > 0 {
		filter = "WHERE " + strings.Join(where, " AND ")
	}

	var total int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM definitions "+filter, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count definitions: %w", err)
	}

	// sort column and order come from allowlists
	query := fmt.Sprintf(
		"SELECT document FROM definitions %s ORDER BY %s %s, id ASC LIMIT %d OFFSET %d",
		filter, definitionSortColumns[opts.SortBy], strings.ToUpper(string(opts.SortOrder)), opts.Limit, opts.Offset,
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defs, err := scanDocuments[models.Definition](ctx, r.logger, rows)
	if err != nil {
		return nil, err
	}

	return &persistence.DefinitionListResult{
		Definitions: defs,
		TotalCount:  total,
		HasNextPage: int64(opts.Offset+len(defs)) < total,
	}, nil
}

func (r *DefinitionRepository) Save(ctx context.Context, def *models.Definition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	document, err := json.Marshal(def)
	if err != nil {
		return persistence.NewDefinitionError("Save", def.ID, err)
	}

	tags := def.Tags
	if tags == nil {
		tags = []string{}
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return persistence.NewDefinitionError("Save", def.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO definitions (
			id, tenant_id, name, type, status, active, priority, tags, document, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			active = EXCLUDED.active,
			priority = EXCLUDED.priority,
			tags = EXCLUDED.tags,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`,
		def.ID,
		def.TenantID,
		def.Name,
		string(def.Type),
		string(def.Status),
		def.Active,
		def.Priority,
		tagsJSON,
		document,
		def.CreatedAt,
		def.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to save definition", "definition_id", def.ID, "error", err)

		return persistence.NewDefinitionError("Save", def.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = $1`, id)
	if err != nil {
		return persistence.NewDefinitionError("Delete", id, err)
	}

	return nil
}
