package file

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
)

func definition(id, tenant string, status models.DefinitionStatus, priority int, tags ...string) *models.Definition {
	return &models.Definition{
		ID:       id,
		TenantID: tenant,
		Name:     "Flujo " + id,
		Type:     models.DefinitionTypeExpenseApproval,
		Status:   status,
		Active:   status == models.DefinitionStatusActive,
		Priority: priority,
		Tags:     tags,
		Steps: []*models.Step{{
			Name:      "Aviso",
			Order:     1,
			Mandatory: true,
			Actions:   []models.Action{{Spec: &models.NotificationAction{Recipients: []string{"u-1"}, Template: "hola"}}},
		}},
	}
}

func TestPersistence_HealthCheck(t *testing.T) {
	p := NewPersistence("file://" + t.TempDir())
	assert.NoError(t, p.HealthCheck(context.Background()))

	missing := NewPersistence(t.TempDir() + "/nope")
	assert.Error(t, missing.HealthCheck(context.Background()))
}

func TestDefinitionRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).Definitions()

	_, err := repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsDefinitionNotFound(err))

	def := definition("d1", "e1", models.DefinitionStatusDraft, 3)
	require.NoError(t, repo.Save(ctx, def))
	assert.False(t, def.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Flujo d1", got.Name)

	_, ok := got.Steps[0].Actions[0].Spec.(*models.NotificationAction)
	assert.True(t, ok, "tagged action survives storage")

	require.NoError(t, repo.Delete(ctx, "d1"))
	require.NoError(t, repo.Delete(ctx, "d1"), "deleting twice is not an error")

	_, err = repo.GetByID(ctx, "d1")
	assert.True(t, persistence.IsDefinitionNotFound(err))
}

func TestDefinitionRepository_RejectsUnsafeIDs(t *testing.T) {
	repo := NewPersistence(t.TempDir()).Definitions()

	for _, id := range []string{"", "../etc/passwd", "a/b", `a\b`} {
		_, err := repo.GetByID(context.Background(), id)
		assert.ErrorIs(t, err, persistence.ErrInvalidID, "id %q", id)
	}
}

func TestDefinitionRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).Definitions()

	for _, def := range []*models.Definition{
		definition("a", "e1", models.DefinitionStatusActive, 2, "gastos"),
		definition("b", "e1", models.DefinitionStatusActive, 9),
		definition("c", "e1", models.DefinitionStatusDraft, 5, "gastos"),
		definition("d", "e2", models.DefinitionStatusActive, 7),
	} {
		require.NoError(t, repo.Save(ctx, def))
	}

	tests := []struct {
		name      string
		opts      persistence.ListDefinitionsOptions
		wantIDs   []string
		wantTotal int64
		wantMore  bool
	}{
		{
			name:      "tenant by priority",
			opts:      persistence.ListDefinitionsOptions{TenantID: "e1", SortBy: "prioridad"},
			wantIDs:   []string{"b", "c", "a"},
			wantTotal: 3,
		},
		{
			name:      "status filter",
			opts:      persistence.ListDefinitionsOptions{TenantID: "e1", Status: models.DefinitionStatusActive, SortBy: "nombre", SortOrder: persistence.SortAsc},
			wantIDs:   []string{"a", "b"},
			wantTotal: 2,
		},
		{
			name:      "tag filter",
			opts:      persistence.ListDefinitionsOptions{Tag: "gastos", SortBy: "nombre", SortOrder: persistence.SortAsc},
			wantIDs:   []string{"a", "c"},
			wantTotal: 2,
		},
		{
			name:      "active only",
			opts:      persistence.ListDefinitionsOptions{TenantID: "e2", ActiveOnly: true},
			wantIDs:   []string{"d"},
			wantTotal: 1,
		},
		{
			name:      "paginated",
			opts:      persistence.ListDefinitionsOptions{TenantID: "e1", SortBy: "prioridad", Limit: 2},
			wantIDs:   []string{"b", "c"},
			wantTotal: 3,
			wantMore:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.opts)
			require.NoError(t, err)

			ids := make([]string, 0, len(result.Definitions))
			for _, d := range result.Definitions {
				ids = append(ids, d.ID)
			}

			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantTotal, result.TotalCount)
			assert.Equal(t, tt.wantMore, result.HasNextPage)
		})
	}

	_, err := repo.List(ctx, persistence.ListDefinitionsOptions{SortBy: "id; DROP"})
	assert.True(t, persistence.IsInvalidSortField(err))
}

func execution(id, definitionID string, status models.ExecutionStatus, startedAt time.Time) *models.Execution {
	return &models.Execution{
		ID:           id,
		DefinitionID: definitionID,
		TenantID:     "e1",
		Status:       status,
		CurrentOrder: 1,
		Context:      map[string]any{"monto": 100.0},
		StartedAt:    startedAt,
	}
}

func TestExecutionRepository_OptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).Executions()

	exec := execution("x1", "d1", models.ExecutionStatusInProgress, time.Now())
	require.NoError(t, repo.Create(ctx, exec))
	assert.Equal(t, int64(1), exec.Version)

	err := repo.Create(ctx, exec)
	assert.ErrorIs(t, err, persistence.ErrExecutionAlreadyExists)

	first, err := repo.GetByID(ctx, "x1")
	require.NoError(t, err)

	second, err := repo.GetByID(ctx, "x1")
	require.NoError(t, err)

	first.CurrentOrder = 2
	require.NoError(t, repo.Save(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = models.ExecutionStatusCancelled
	err = repo.Save(ctx, second)
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrencyConflict(err))
	assert.Equal(t, int64(1), second.Version, "a conflicting save leaves the caller's copy untouched")

	stored, err := repo.GetByID(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentOrder)
	assert.Equal(t, models.ExecutionStatusInProgress, stored.Status)

	err = repo.Save(ctx, execution("ghost", "d1", models.ExecutionStatusInProgress, time.Now()))
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionRepository_ConcurrentSavesOneWins(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).Executions()

	require.NoError(t, repo.Create(ctx, execution("x1", "d1", models.ExecutionStatusInProgress, time.Now())))

	const writers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			exec := execution("x1", "d1", models.ExecutionStatusInProgress, time.Now())
			exec.Version = 1
			exec.CurrentOrder = i + 2

			if err := repo.Save(ctx, exec); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestExecutionRepository_Queries(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).Executions()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, status := range []models.ExecutionStatus{
		models.ExecutionStatusInProgress,
		models.ExecutionStatusInProgress,
		models.ExecutionStatusCompleted,
		models.ExecutionStatusFailed,
	} {
		exec := execution(fmt.Sprintf("x%d", i), "d1", status, base.Add(time.Duration(i)*time.Minute))
		exec.EntityID = fmt.Sprintf("gasto-%d", i%2)
		require.NoError(t, repo.Create(ctx, exec))
	}

	require.NoError(t, repo.Create(ctx, execution("other", "d2", models.ExecutionStatusInProgress, base)))

	active, err := repo.CountActive(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	result, err := repo.List(ctx, persistence.ListExecutionsOptions{DefinitionID: "d1"})
	require.NoError(t, err)
	require.Len(t, result.Executions, 4)
	assert.Equal(t, "x3", result.Executions[0].ID, "newest first")

	result, err = repo.List(ctx, persistence.ListExecutionsOptions{DefinitionID: "d1", EntityID: "gasto-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalCount)

	result, err = repo.List(ctx, persistence.ListExecutionsOptions{Status: models.ExecutionStatusCompleted})
	require.NoError(t, err)
	require.Len(t, result.Executions, 1)
	assert.Equal(t, "x2", result.Executions[0].ID)
}

func TestExecutionRepository_ListDue(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).Executions()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	wake := func(exec *models.Execution, at time.Time) *models.Execution {
		exec.WakeAt = &at

		return exec
	}

	require.NoError(t, repo.Create(ctx, wake(execution("late", "d", models.ExecutionStatusInProgress, now), now.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, wake(execution("now", "d", models.ExecutionStatusInProgress, now), now)))
	require.NoError(t, repo.Create(ctx, wake(execution("future", "d", models.ExecutionStatusInProgress, now), now.Add(time.Hour))))
	require.NoError(t, repo.Create(ctx, wake(execution("done", "d", models.ExecutionStatusCompleted, now), now.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, execution("idle", "d", models.ExecutionStatusInProgress, now)))

	due, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "late", due[0].ID)
	assert.Equal(t, "now", due[1].ID)

	due, err = repo.ListDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestScheduleRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).Schedules()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	due := &models.Schedule{ID: "d1:t1", TenantID: "e1", DefinitionID: "d1", CronExpression: "0 7 * * *", NextDueAt: now.Add(-time.Hour), Active: true}
	later := &models.Schedule{ID: "d1:t2", TenantID: "e1", DefinitionID: "d1", CronExpression: "0 9 * * *", NextDueAt: now.Add(time.Hour), Active: true}
	inactive := &models.Schedule{ID: "d2:t1", TenantID: "e1", DefinitionID: "d2", CronExpression: "0 7 * * *", NextDueAt: now.Add(-time.Hour)}

	for _, s := range []*models.Schedule{due, later, inactive} {
		require.NoError(t, repo.SaveSchedule(ctx, s))
	}

	got, err := repo.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1:t1", got[0].ID)

	byDef, err := repo.SchedulesByDefinition(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, byDef, 2)

	require.NoError(t, repo.DeleteSchedule(ctx, "d1:t1"))

	byDef, err = repo.SchedulesByDefinition(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, byDef, 1)

	pending := &models.ScheduledStart{ID: "s1", DefinitionID: "d1", DueAt: now.Add(-time.Minute), Status: models.ScheduledStartPending}
	started := &models.ScheduledStart{ID: "s2", DefinitionID: "d1", DueAt: now.Add(-time.Minute), Status: models.ScheduledStartStarted}
	future := &models.ScheduledStart{ID: "s3", DefinitionID: "d1", DueAt: now.Add(time.Minute), Status: models.ScheduledStartPending}

	for _, s := range []*models.ScheduledStart{pending, started, future} {
		require.NoError(t, repo.SaveScheduledStart(ctx, s))
	}

	starts, err := repo.DueScheduledStarts(ctx, now)
	require.NoError(t, err)
	require.Len(t, starts, 1)
	assert.Equal(t, "s1", starts[0].ID)
}
