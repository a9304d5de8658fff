package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/lexflow/pkg/models"
)

// ScheduleRepository handles cron schedules and deferred starts.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// SaveSchedule saves or updates a schedule in the database.
func (r *ScheduleRepository) SaveSchedule(ctx context.Context, schedule *models.Schedule) error {
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}

	schedule.UpdatedAt = now

	document, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, definition_id, tenant_id, next_due_at, active, document, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET
			next_due_at = EXCLUDED.next_due_at,
			active = EXCLUDED.active,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`,
		schedule.ID,
		schedule.DefinitionID,
		schedule.TenantID,
		schedule.NextDueAt,
		schedule.Active,
		document,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to save schedule", "schedule_id", schedule.ID, "error", err)

		return fmt.Errorf("failed to save schedule: %w", err)
	}

	r.logger.DebugContext(ctx, "Schedule saved successfully", "schedule_id", schedule.ID)

	return nil
}

func (r *ScheduleRepository) SchedulesByDefinition(ctx context.Context, definitionID string) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document FROM schedules WHERE definition_id = $1 ORDER BY created_at ASC
	`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	return scanDocuments[models.Schedule](ctx, r.logger, rows)
}

// DueSchedules returns active schedules due at or before the given time.
func (r *ScheduleRepository) DueSchedules(ctx context.Context, before time.Time) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document FROM schedules
		WHERE active AND next_due_at <= $1
		ORDER BY next_due_at ASC
	`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}

	return scanDocuments[models.Schedule](ctx, r.logger, rows)
}

func (r *ScheduleRepository) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	return nil
}

func (r *ScheduleRepository) SaveScheduledStart(ctx context.Context, start *models.ScheduledStart) error {
	if start.CreatedAt.IsZero() {
		start.CreatedAt = time.Now().UTC()
	}

	document, err := json.Marshal(start)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled start: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_starts (id, definition_id, status, due_at, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id)
		DO UPDATE SET
			status = EXCLUDED.status,
			due_at = EXCLUDED.due_at,
			document = EXCLUDED.document
	`,
		start.ID,
		start.DefinitionID,
		string(start.Status),
		start.DueAt,
		document,
		start.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save scheduled start: %w", err)
	}

	return nil
}

func (r *ScheduleRepository) DueScheduledStarts(ctx context.Context, before time.Time) ([]*models.ScheduledStart, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document FROM scheduled_starts
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC
	`, string(models.ScheduledStartPending), before)
	if err != nil {
		return nil, fmt.Errorf("failed to query due scheduled starts: %w", err)
	}

	return scanDocuments[models.ScheduledStart](ctx, r.logger, rows)
}
