package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a standard 5-field cron expression (or a @descriptor).
func ParseCron(expression string) (cron.Schedule, error) {
	return cronParser.Parse(expression)
}

// Schedule is the persisted due-time of a PROGRAMADO trigger. It contains the
// cron expression and the precomputed next start so the scheduler can query due
// entries without keeping individual timers.
type Schedule struct {
	// ID is derived from the definition and trigger ids
	ID string `json:"id" validate:"required"`

	TenantID     string `json:"empresaId"  validate:"required"`
	DefinitionID string `json:"flujoId"    validate:"required"`
	TriggerID    string `json:"disparadorId"`

	// CronExpression uses standard 5-field format (minute hour day month weekday)
	CronExpression string `json:"cron" validate:"required"`
	Timezone       string `json:"zonaHoraria,omitempty"`

	// NextDueAt is the precomputed next start time
	NextDueAt time.Time `json:"proximaEjecucion"`

	LastStartedAt *time.Time `json:"ultimaEjecucion,omitempty"`
	CreatedAt     time.Time  `json:"fechaCreacion"`
	UpdatedAt     time.Time  `json:"fechaActualizacion"`

	// Active schedules are the only ones the poller considers
	Active bool `json:"activo"`
}

// ScheduleID returns the id of the schedule backing a trigger.
func ScheduleID(definitionID, triggerID string) string {
	return definitionID + ":" + triggerID
}

// NewSchedule creates an active schedule with its first due time after now.
func NewSchedule(def *Definition, trigger *Trigger, now time.Time) (*Schedule, error) {
	if trigger.Schedule == nil {
		return nil, ErrInvalidSchedule
	}

	schedule := &Schedule{
		ID:             ScheduleID(def.ID, trigger.ID),
		TenantID:       def.TenantID,
		DefinitionID:   def.ID,
		TriggerID:      trigger.ID,
		CronExpression: trigger.Schedule.Cron,
		Timezone:       trigger.Schedule.Timezone,
		CreatedAt:      now,
		Active:         true,
	}

	if err := schedule.Advance(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// Advance moves NextDueAt to the first activation strictly after reference.
func (s *Schedule) Advance(reference time.Time) error {
	parsed, err := ParseCron(s.CronExpression)
	if err != nil {
		return err
	}

	loc := time.UTC
	if s.Timezone != "" {
		if loc, err = time.LoadLocation(s.Timezone); err != nil {
			return err
		}
	}

	s.NextDueAt = parsed.Next(reference.In(loc)).UTC()
	s.UpdatedAt = reference

	return nil
}

// IsDue checks if this schedule is due at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}

// Validate performs validation on the schedule fields.
func (s *Schedule) Validate() error {
	if s.ID == "" || s.DefinitionID == "" || s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	_, err := ParseCron(s.CronExpression)

	return err
}

// ScheduledStartStatus tracks a deferred manual start.
type ScheduledStartStatus string

const (
	ScheduledStartPending ScheduledStartStatus = "PENDIENTE"
	ScheduledStartStarted ScheduledStartStatus = "INICIADO"
	ScheduledStartFailed  ScheduledStartStatus = "FALLIDO"
)

// ScheduledStart is a start request with fechaProgramada in the future.
type ScheduledStart struct {
	ID           string               `json:"id"`
	TenantID     string               `json:"empresaId"`
	DefinitionID string               `json:"flujoId"`
	EntityID     string               `json:"entidadId,omitempty"`
	EntityType   string               `json:"tipoEntidad,omitempty"`
	Context      map[string]any       `json:"datosContexto,omitempty"`
	RequestedBy  string               `json:"usuarioEjecutor"`
	DueAt        time.Time            `json:"fechaProgramada"`
	Status       ScheduledStartStatus `json:"estado"`
	ExecutionID  string               `json:"ejecucionId,omitempty"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"fechaCreacion"`
}

var (
	// ErrInvalidSchedule is returned when schedule validation fails
	ErrInvalidSchedule = errors.New("invalid schedule configuration")
)
