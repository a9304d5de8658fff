// Package scheduler starts executions of PROGRAMADO triggers and deferred
// start requests, and drives the engine's timer sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dukex/lexflow/pkg/engine"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
)

// SystemUser is recorded as executor of executions started by the scheduler.
const SystemUser = "sistema"

const DefaultInterval = 30 * time.Second

// Starter starts executions. *engine.Engine satisfies it.
type Starter interface {
	Start(ctx context.Context, def *models.Definition, req engine.StartRequest) (*models.Execution, error)
}

// Sweeper re-advances executions whose wake time passed.
type Sweeper interface {
	Tick(ctx context.Context) (int, error)
}

type Dependencies struct {
	Definitions persistence.DefinitionRepository
	Schedules   persistence.ScheduleRepository
	Starter     Starter
	Sweeper     Sweeper
}

type Config struct {
	Interval time.Duration
	Now      func() time.Time
}

// Scheduler polls persisted schedules instead of holding one timer per cron
// expression, so any number of workers can share the same store.
type Scheduler struct {
	logger      *slog.Logger
	definitions persistence.DefinitionRepository
	schedules   persistence.ScheduleRepository
	starter     Starter
	sweeper     Sweeper
	interval    time.Duration
	now         func() time.Time

	mu      sync.Mutex
	running bool
}

func New(logger *slog.Logger, deps Dependencies, config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	return &Scheduler{
		logger:      logger.With("module", "scheduler"),
		definitions: deps.Definitions,
		schedules:   deps.Schedules,
		starter:     deps.Starter,
		sweeper:     deps.Sweeper,
		interval:    config.Interval,
		now:         config.Now,
	}
}

// Sync reconciles the schedules of a definition with its PROGRAMADO triggers.
// Active definitions get one active schedule per trigger; an unchanged cron
// expression keeps its next due time. Schedules of removed triggers are
// deleted and those of inactive definitions are paused.
func (s *Scheduler) Sync(ctx context.Context, def *models.Definition) error {
	existing, err := s.schedules.SchedulesByDefinition(ctx, def.ID)
	if err != nil {
		return fmt.Errorf("failed to load schedules of definition %s: %w", def.ID, err)
	}

	byID := make(map[string]*models.Schedule, len(existing))
	for _, schedule := range existing {
		byID[schedule.ID] = schedule
	}

	now := s.now().UTC()
	active := def.Status == models.DefinitionStatusActive

	var errs []error

	for _, trigger := range def.Triggers {
		if trigger.Event != models.EventScheduled || trigger.Schedule == nil {
			continue
		}

		id := models.ScheduleID(def.ID, trigger.ID)
		current, found := byID[id]
		delete(byID, id)

		switch {
		case !found:
			if !active {
				continue
			}

			schedule, err := models.NewSchedule(def, trigger, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("trigger %s: %w", trigger.ID, err))

				continue
			}

			errs = append(errs, s.schedules.SaveSchedule(ctx, schedule))

			s.logger.InfoContext(ctx, "Created schedule", "schedule_id", schedule.ID, "cron", schedule.CronExpression, "next_due_at", schedule.NextDueAt)
		case current.CronExpression != trigger.Schedule.Cron || current.Timezone != trigger.Schedule.Timezone || current.Active != active:
			current.CronExpression = trigger.Schedule.Cron
			current.Timezone = trigger.Schedule.Timezone
			current.Active = active

			if err := current.Advance(now); err != nil {
				errs = append(errs, fmt.Errorf("trigger %s: %w", trigger.ID, err))

				continue
			}

			errs = append(errs, s.schedules.SaveSchedule(ctx, current))

			s.logger.InfoContext(ctx, "Updated schedule", "schedule_id", current.ID, "active", active, "next_due_at", current.NextDueAt)
		}
	}

	for id := range byID {
		errs = append(errs, s.schedules.DeleteSchedule(ctx, id))

		s.logger.InfoContext(ctx, "Removed schedule", "schedule_id", id)
	}

	return errors.Join(errs...)
}

// Remove deletes every schedule of a definition.
func (s *Scheduler) Remove(ctx context.Context, definitionID string) error {
	existing, err := s.schedules.SchedulesByDefinition(ctx, definitionID)
	if err != nil {
		return err
	}

	var errs []error
	for _, schedule := range existing {
		errs = append(errs, s.schedules.DeleteSchedule(ctx, schedule.ID))
	}

	return errors.Join(errs...)
}

// Defer stores a start request to be run at its due time.
func (s *Scheduler) Defer(ctx context.Context, start *models.ScheduledStart) error {
	start.Status = models.ScheduledStartPending
	start.CreatedAt = s.now().UTC()

	return s.schedules.SaveScheduledStart(ctx, start)
}

// Report counts what a RunDue pass did.
type Report struct {
	Schedules int
	Starts    int
	Failed    int
	Advanced  int
}

// RunDue starts the executions of due schedules and deferred starts, then
// sweeps executions with passed wake times.
func (s *Scheduler) RunDue(ctx context.Context) (Report, error) {
	var report Report

	now := s.now().UTC()

	schedules, err := s.schedules.DueSchedules(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to get due schedules: %w", err)
	}

	if len(schedules) > 0 {
		s.logger.InfoContext(ctx, "Processing due schedules", "count", len(schedules))
	}

	for _, schedule := range schedules {
		if s.runSchedule(ctx, schedule, now) {
			report.Schedules++
		} else {
			report.Failed++
		}
	}

	starts, err := s.schedules.DueScheduledStarts(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to get due scheduled starts: %w", err)
	}

	for _, start := range starts {
		if s.runScheduledStart(ctx, start) {
			report.Starts++
		} else {
			report.Failed++
		}
	}

	if s.sweeper != nil {
		report.Advanced, err = s.sweeper.Tick(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to sweep executions: %w", err)
		}
	}

	return report, nil
}

func (s *Scheduler) runSchedule(ctx context.Context, schedule *models.Schedule, now time.Time) bool {
	logger := s.logger.With("schedule_id", schedule.ID, "definition_id", schedule.DefinitionID)

	def, err := s.definitions.GetByID(ctx, schedule.DefinitionID)
	if persistence.IsDefinitionNotFound(err) {
		logger.WarnContext(ctx, "Definition of schedule no longer exists, removing schedule")

		if err := s.schedules.DeleteSchedule(ctx, schedule.ID); err != nil {
			logger.ErrorContext(ctx, "Failed to remove schedule", "error", err)
		}

		return false
	}

	if err != nil {
		logger.ErrorContext(ctx, "Failed to load definition of schedule", "error", err)

		return false
	}

	started := false

	if trigger := findTrigger(def, schedule.TriggerID); trigger != nil && def.InValidityWindow(now) {
		data := map[string]any{}
		if trigger.Schedule != nil {
			maps.Copy(data, trigger.Schedule.Context)
		}

		data["programacion"] = map[string]any{
			"disparadorId": schedule.TriggerID,
			"cron":         schedule.CronExpression,
			"fechaDebida":  schedule.NextDueAt,
		}

		exec, err := s.starter.Start(ctx, def, engine.StartRequest{
			Context:    data,
			ExecutedBy: SystemUser,
			Trigger:    models.EventScheduled,
		})
		if err != nil {
			logger.ErrorContext(ctx, "Failed to start scheduled execution", "error", err)
		} else {
			started = true
			schedule.LastStartedAt = &now

			logger.InfoContext(ctx, "Started scheduled execution", "execution_id", exec.ID)
		}
	}

	// missed activations are not replayed
	if err := schedule.Advance(now); err != nil {
		logger.ErrorContext(ctx, "Failed to compute next due time", "error", err)

		schedule.Active = false
	}

	if err := s.schedules.SaveSchedule(ctx, schedule); err != nil {
		logger.ErrorContext(ctx, "Failed to update schedule", "error", err)
	}

	return started
}

func (s *Scheduler) runScheduledStart(ctx context.Context, start *models.ScheduledStart) bool {
	logger := s.logger.With("scheduled_start_id", start.ID, "definition_id", start.DefinitionID)

	exec, err := s.startDeferred(ctx, start)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to run scheduled start", "error", err)

		start.Status = models.ScheduledStartFailed
		start.Error = err.Error()
	} else {
		logger.InfoContext(ctx, "Started deferred execution", "execution_id", exec.ID)

		start.Status = models.ScheduledStartStarted
		start.ExecutionID = exec.ID
	}

	if err := s.schedules.SaveScheduledStart(ctx, start); err != nil {
		logger.ErrorContext(ctx, "Failed to update scheduled start", "error", err)
	}

	return err == nil
}

func (s *Scheduler) startDeferred(ctx context.Context, start *models.ScheduledStart) (*models.Execution, error) {
	def, err := s.definitions.GetByID(ctx, start.DefinitionID)
	if err != nil {
		return nil, err
	}

	return s.starter.Start(ctx, def, engine.StartRequest{
		EntityID:   start.EntityID,
		EntityType: start.EntityType,
		Context:    start.Context,
		ExecutedBy: start.RequestedBy,
		Trigger:    models.EventManual,
	})
}

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()

		return errors.New("scheduler already running")
	}

	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.InfoContext(ctx, "Starting scheduler", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		report, err := s.RunDue(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Scheduler pass failed", "error", err)
		} else if report != (Report{}) {
			s.logger.InfoContext(ctx, "Scheduler pass finished",
				"schedules", report.Schedules,
				"starts", report.Starts,
				"failed", report.Failed,
				"advanced", report.Advanced)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopped")

			return nil
		case <-ticker.C:
		}
	}
}

func findTrigger(def *models.Definition, id string) *models.Trigger {
	for _, trigger := range def.Triggers {
		if trigger.ID == id && trigger.Event == models.EventScheduled {
			return trigger
		}
	}

	return nil
}
