// Package persistence provides the storage abstraction for definitions,
// executions and schedules.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/lexflow/pkg/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Persistence interface {
	Definitions() DefinitionRepository
	Executions() ExecutionRepository
	Schedules() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores workflow definitions.
type DefinitionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Definition, error)
	List(ctx context.Context, opts ListDefinitionsOptions) (*DefinitionListResult, error)
	// Save inserts or replaces the definition, stamping its timestamps.
	Save(ctx context.Context, def *models.Definition) error
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository stores executions under optimistic versioning: Save
// succeeds only when the stored version equals the caller's, and increments it.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *models.Execution) error
	Save(ctx context.Context, exec *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	List(ctx context.Context, opts ListExecutionsOptions) (*ExecutionListResult, error)
	// CountActive returns how many non-terminal executions a definition has.
	CountActive(ctx context.Context, definitionID string) (int, error)
	// ListDue returns in-progress executions whose wake time is at or before now,
	// earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)
}

// ScheduleRepository stores cron schedules of PROGRAMADO triggers and
// deferred start requests.
type ScheduleRepository interface {
	SaveSchedule(ctx context.Context, schedule *models.Schedule) error
	SchedulesByDefinition(ctx context.Context, definitionID string) ([]*models.Schedule, error)
	DueSchedules(ctx context.Context, before time.Time) ([]*models.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	SaveScheduledStart(ctx context.Context, start *models.ScheduledStart) error
	DueScheduledStarts(ctx context.Context, before time.Time) ([]*models.ScheduledStart, error)
}

// SortOrder of list queries.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListDefinitionsOptions filters and paginates definition listings.
type ListDefinitionsOptions struct {
	TenantID string
	Status   models.DefinitionStatus
	Type     models.DefinitionType
	Tag      string
	// ActiveOnly keeps definitions whose activo flag is set
	ActiveOnly bool

	SortBy    string
	SortOrder SortOrder
	Limit     int
	Offset    int
}

// DefinitionListResult is a page of definitions.
type DefinitionListResult struct {
	Definitions []*models.Definition
	TotalCount  int64
	HasNextPage bool
}

// ListExecutionsOptions filters and paginates execution listings.
type ListExecutionsOptions struct {
	TenantID     string
	DefinitionID string
	Status       models.ExecutionStatus
	EntityID     string
	EntityType   string

	Limit  int
	Offset int
}

// ExecutionListResult is a page of executions, newest first.
type ExecutionListResult struct {
	Executions  []*models.Execution
	TotalCount  int64
	HasNextPage bool
}

var definitionSorts = map[string]bool{
	"fechaCreacion":      true,
	"fechaActualizacion": true,
	"nombre":             true,
	"prioridad":          true,
}

// Normalize applies defaults and rejects unknown sort fields.
func (o *ListDefinitionsOptions) Normalize() error {
	if o.SortBy == "" {
		o.SortBy = "fechaCreacion"
	}

	if !definitionSorts[o.SortBy] {
		return ErrInvalidSortField
	}

	switch o.SortOrder {
	case "":
		o.SortOrder = SortDesc
	case SortAsc, SortDesc:
	default:
		return ErrInvalidSortField
	}

	o.Limit, o.Offset = page(o.Limit, o.Offset)

	return nil
}

// Normalize applies pagination defaults.
func (o *ListExecutionsOptions) Normalize() {
	o.Limit, o.Offset = page(o.Limit, o.Offset)
}

func page(limit, offset int) (int, int) {
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}

	if offset < 0 {
		offset = 0
	}

	return limit, offset
}

// Paginate slices items for the given window and reports whether more remain.
func Paginate[T any](items []T, limit, offset int) ([]T, bool) {
	if offset >= len(items) {
		return []T{}, false
	}

	end := min(offset+limit, len(items))

	return items[offset:end], end < len(items)
}
