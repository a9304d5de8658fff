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

	"github.com/lib/pq"

	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
)

const uniqueViolation = "23505"

// ExecutionRepository handles execution-related database operations. Save is
// a compare-and-swap on the version column.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution) error {
	exec.Version = 1
	exec.UpdatedAt = time.Now().UTC()

	document, err := json.Marshal(exec)
	if err != nil {
		return persistence.NewExecutionError("Create", exec.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, definition_id, tenant_id, status, entity_id, entity_type, started_at, wake_at, version, document, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		exec.ID,
		exec.DefinitionID,
		exec.TenantID,
		string(exec.Status),
		nullString(exec.EntityID),
		nullString(exec.EntityType),
		exec.StartedAt,
		exec.WakeAt,
		exec.Version,
		document,
		exec.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewExecutionError("Create", exec.ID, persistence.ErrExecutionAlreadyExists)
		}

		return persistence.NewExecutionError("Create", exec.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) Save(ctx context.Context, exec *models.Execution) error {
	next := *exec
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	document, err := json.Marshal(&next)
	if err != nil {
		return persistence.NewExecutionError("Save", exec.ID, err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE executions SET
			status = $2,
			entity_id = $3,
			entity_type = $4,
			wake_at = $5,
			version = $6,
			document = $7,
			updated_at = $8
		WHERE id = $1 AND version = $9
	`,
		exec.ID,
		string(next.Status),
		nullString(next.EntityID),
		nullString(next.EntityType),
		next.WakeAt,
		next.Version,
		document,
		next.UpdatedAt,
		exec.Version,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", exec.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Save", exec.ID, err)
	}

	if affected == 0 {
		var exists bool

		err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM executions WHERE id = $1)`, exec.ID).Scan(&exists)
		if err != nil {
			return persistence.NewExecutionError("Save", exec.ID, err)
		}

		if !exists {
			return persistence.NewExecutionError("Save", exec.ID, persistence.ErrExecutionNotFound)
		}

		return persistence.NewConflictError("Save", exec.ID, exec.Version)
	}

	exec.Version = next.Version
	exec.UpdatedAt = next.UpdatedAt

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	var raw []byte

	err := r.db.QueryRowContext(ctx, `SELECT document FROM executions WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	var exec models.Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return &exec, nil
}

func (r *ExecutionRepository) List(ctx context.Context, opts persistence.ListExecutionsOptions) (*persistence.ExecutionListResult, error) {
	opts.Normalize()

	var (
		where []string
		args  []any
	)

	add := func(column, value string) {
		if value == "" {
			return
		}

		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	add("tenant_id", opts.TenantID)
	add("definition_id", opts.DefinitionID)
	add("status", string(opts.Status))
	add("entity_id", opts.EntityID)
	add("entity_type", opts.EntityType)

	filter := ""
	if len(where) > 0 {
		filter = "WHERE " + strings.Join(where, " AND ")
	}

	var total int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions "+filter, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT document FROM executions %s ORDER BY started_at DESC, id ASC LIMIT %d OFFSET %d",
		filter, opts.Limit, opts.Offset,
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	execs, err := scanDocuments[models.Execution](ctx, r.logger, rows)
	if err != nil {
		return nil, err
	}

	return &persistence.ExecutionListResult{
		Executions:  execs,
		TotalCount:  total,
		HasNextPage: int64(opts.Offset+len(execs)) < total,
	}, nil
}

func (r *ExecutionRepository) CountActive(ctx context.Context, definitionID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE definition_id = $1 AND status NOT IN ($2, $3, $4)
	`,
		definitionID,
		string(models.ExecutionStatusCompleted),
		string(models.ExecutionStatusFailed),
		string(models.ExecutionStatusCancelled),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active executions: %w", err)
	}

	return count, nil
}

func (r *ExecutionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = persistence.MaxPageSize
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT document FROM executions
		WHERE status = $1 AND wake_at IS NOT NULL AND wake_at <= $2
		ORDER BY wake_at ASC
		LIMIT $3
	`, string(models.ExecutionStatusInProgress), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due executions: %w", err)
	}

	return scanDocuments[models.Execution](ctx, r.logger, rows)
}
