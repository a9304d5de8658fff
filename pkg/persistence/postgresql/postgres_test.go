package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
	"github.com/dukex/lexflow/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"scheduled_starts", "schedules", "executions", "definitions", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres tests in short mode")
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("lexflow_test"),
			postgres.WithUsername("lexflow"),
			postgres.WithPassword("lexflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	for _, table := range []string{"definitions", "executions", "schedules", "scheduled_starts"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestNewPersistence_ConcurrentMigrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	errs := make(chan error, 3)

	for range 3 {
		go func() {
			p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
			if err == nil {
				err = p.Close(ctx)
			}

			errs <- err
		}()
	}

	for range 3 {
		require.NoError(t, <-errs)
	}

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	var applied int

	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&applied)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
}

func TestDefinitionRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Definitions()

	for i, id := range []string{"a", "b", "c"} {
		def := &models.Definition{
			ID:       id,
			TenantID: "e1",
			Name:     "Flujo " + id,
			Type:     models.DefinitionTypeCaseReview,
			Status:   models.DefinitionStatusActive,
			Active:   id != "c",
			Priority: i + 1,
			Tags:     []string{"casos"},
			Steps: []*models.Step{{
				Name:      "Revisión",
				Order:     1,
				Mandatory: true,
				Actions:   []models.Action{{Spec: &models.ApprovalAction{Approvers: []string{"u-1"}}}},
			}},
		}
		require.NoError(t, repo.Save(ctx, def))
	}

	got, err := repo.GetByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "Flujo b", got.Name)
	assert.IsType(t, &models.ApprovalAction{}, got.Steps[0].Actions[0].Spec)

	result, err := repo.List(ctx, persistence.ListDefinitionsOptions{
		TenantID:   "e1",
		Tag:        "casos",
		ActiveOnly: true,
		SortBy:     "prioridad",
		Limit:      1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalCount)
	assert.True(t, result.HasNextPage)
	require.Len(t, result.Definitions, 1)
	assert.Equal(t, "b", result.Definitions[0].ID)

	require.NoError(t, repo.Delete(ctx, "b"))

	_, err = repo.GetByID(ctx, "b")
	assert.True(t, persistence.IsDefinitionNotFound(err))
}

func TestExecutionRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Executions()
	now := time.Now().UTC().Truncate(time.Second)
	wake := now.Add(-time.Minute)

	exec := &models.Execution{
		ID:           "x1",
		DefinitionID: "d1",
		TenantID:     "e1",
		EntityID:     "caso-1",
		Status:       models.ExecutionStatusInProgress,
		CurrentOrder: 1,
		Context:      map[string]any{"monto": 10.0},
		StartedAt:    now,
		WakeAt:       &wake,
	}
	require.NoError(t, repo.Create(ctx, exec))
	assert.ErrorIs(t, repo.Create(ctx, exec), persistence.ErrExecutionAlreadyExists)

	stale, err := repo.GetByID(ctx, "x1")
	require.NoError(t, err)

	exec.CurrentOrder = 2
	require.NoError(t, repo.Save(ctx, exec))
	assert.Equal(t, int64(2), exec.Version)

	err = repo.Save(ctx, stale)
	assert.True(t, persistence.IsConcurrencyConflict(err))

	due, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].CurrentOrder)

	active, err := repo.CountActive(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	result, err := repo.List(ctx, persistence.ListExecutionsOptions{EntityID: "caso-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.TotalCount)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestScheduleRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Schedules()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.SaveSchedule(ctx, &models.Schedule{
		ID: "d1:t1", TenantID: "e1", DefinitionID: "d1", CronExpression: "0 * * * *", NextDueAt: now.Add(-time.Minute), Active: true,
	}))
	require.NoError(t, repo.SaveSchedule(ctx, &models.Schedule{
		ID: "d1:t2", TenantID: "e1", DefinitionID: "d1", CronExpression: "0 * * * *", NextDueAt: now.Add(time.Hour), Active: true,
	}))

	due, err := repo.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "d1:t1", due[0].ID)

	require.NoError(t, repo.DeleteSchedule(ctx, "d1:t1"))

	all, err := repo.SchedulesByDefinition(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	start := &models.ScheduledStart{ID: "s1", DefinitionID: "d1", DueAt: now.Add(-time.Second), Status: models.ScheduledStartPending}
	require.NoError(t, repo.SaveScheduledStart(ctx, start))

	starts, err := repo.DueScheduledStarts(ctx, now)
	require.NoError(t, err)
	assert.Len(t, starts, 1)

	start.Status = models.ScheduledStartStarted
	require.NoError(t, repo.SaveScheduledStart(ctx, start))

	starts, err = repo.DueScheduledStarts(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, starts)
}
