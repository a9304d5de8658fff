package file

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/lexflow/pkg/models"
)

// ScheduleRepository handles cron schedules and deferred starts.
type ScheduleRepository struct {
	store *store
}

func (r *ScheduleRepository) SaveSchedule(_ context.Context, schedule *models.Schedule) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}

	schedule.UpdatedAt = now

	if err := r.store.write(schedulesDir, schedule.ID, schedule); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

func (r *ScheduleRepository) schedules() ([]*models.Schedule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return readAll[models.Schedule](r.store, schedulesDir)
}

func (r *ScheduleRepository) SchedulesByDefinition(_ context.Context, definitionID string) ([]*models.Schedule, error) {
	all, err := r.schedules()
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(all, func(s *models.Schedule) bool { return s.DefinitionID != definitionID }), nil
}

func (r *ScheduleRepository) DueSchedules(_ context.Context, before time.Time) ([]*models.Schedule, error) {
	all, err := r.schedules()
	if err != nil {
		return nil, err
	}

	due := slices.DeleteFunc(all, func(s *models.Schedule) bool { return !s.IsDue(before) })
	slices.SortFunc(due, func(a, b *models.Schedule) int { return a.NextDueAt.Compare(b.NextDueAt) })

	return due, nil
}

func (r *ScheduleRepository) DeleteSchedule(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.remove(schedulesDir, id)
}

func (r *ScheduleRepository) SaveScheduledStart(_ context.Context, start *models.ScheduledStart) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if start.CreatedAt.IsZero() {
		start.CreatedAt = time.Now().UTC()
	}

	if err := r.store.write(scheduledStartsDir, start.ID, start); err != nil {
		return fmt.Errorf("failed to save scheduled start: %w", err)
	}

	return nil
}

func (r *ScheduleRepository) DueScheduledStarts(_ context.Context, before time.Time) ([]*models.ScheduledStart, error) {
	r.store.mu.RLock()
	all, err := readAll[models.ScheduledStart](r.store, scheduledStartsDir)
	r.store.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	due := slices.DeleteFunc(all, func(s *models.ScheduledStart) bool {
		return s.Status != models.ScheduledStartPending || s.DueAt.After(before)
	})
	slices.SortFunc(due, func(a, b *models.ScheduledStart) int { return a.DueAt.Compare(b.DueAt) })

	return due, nil
}
