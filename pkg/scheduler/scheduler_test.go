package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/lexflow/pkg/engine"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence/file"
)

type mockStarter struct {
	mock.Mock
}

func (m *mockStarter) Start(ctx context.Context, def *models.Definition, req engine.StartRequest) (*models.Execution, error) {
	args := m.Called(ctx, def, req)

	exec, _ := args.Get(0).(*models.Execution)

	return exec, args.Error(1)
}

type mockSweeper struct {
	mock.Mock

	ticks atomic.Int32
}

func (m *mockSweeper) Tick(ctx context.Context) (int, error) {
	m.ticks.Add(1)
	args := m.Called(ctx)

	return args.Int(0), args.Error(1)
}

var now = time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

func scheduledDefinition(status models.DefinitionStatus, cron string) *models.Definition {
	return &models.Definition{
		ID:       "flujo-1",
		TenantID: "empresa-1",
		Name:     "Informe semanal",
		Status:   status,
		Steps: []*models.Step{{Name: "aviso", Order: 1, Mandatory: true, Actions: []models.Action{
			{Spec: &models.NotificationAction{Recipients: []string{"socio"}, Template: "informe"}},
		}}},
		Triggers: []*models.Trigger{
			{ID: "t1", Event: models.EventScheduled, Schedule: &models.ScheduleConfig{Cron: cron, Context: map[string]any{"tipo": "semanal"}}},
			{ID: "t2", Event: models.EventCreateCase},
		},
	}
}

func newScheduler(t *testing.T, starter Starter, sweeper Sweeper, clock *time.Time) (*Scheduler, *file.Persistence) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())

	return New(slog.Default(), Dependencies{
		Definitions: store.Definitions(),
		Schedules:   store.Schedules(),
		Starter:     starter,
		Sweeper:     sweeper,
	}, Config{Now: func() time.Time { return *clock }}), store
}

func TestSync(t *testing.T) {
	clock := now
	s, store := newScheduler(t, &mockStarter{}, nil, &clock)
	ctx := context.Background()

	def := scheduledDefinition(models.DefinitionStatusActive, "0 9 * * *")
	require.NoError(t, s.Sync(ctx, def))

	schedules, err := store.Schedules().SchedulesByDefinition(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, schedules, 1, "only PROGRAMADO triggers get a schedule")
	assert.Equal(t, "flujo-1:t1", schedules[0].ID)
	assert.True(t, schedules[0].Active)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), schedules[0].NextDueAt)

	clock = now.Add(10 * time.Minute)
	require.NoError(t, s.Sync(ctx, def))

	schedules, err = store.Schedules().SchedulesByDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), schedules[0].NextDueAt, "unchanged cron keeps its due time")

	def.Status = models.DefinitionStatusPaused
	require.NoError(t, s.Sync(ctx, def))

	schedules, err = store.Schedules().SchedulesByDefinition(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.False(t, schedules[0].Active)

	def.Triggers = def.Triggers[1:]
	require.NoError(t, s.Sync(ctx, def))

	schedules, err = store.Schedules().SchedulesByDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestSync_InactiveDefinitionCreatesNothing(t *testing.T) {
	clock := now
	s, store := newScheduler(t, &mockStarter{}, nil, &clock)

	def := scheduledDefinition(models.DefinitionStatusDraft, "0 9 * * *")
	require.NoError(t, s.Sync(context.Background(), def))

	schedules, err := store.Schedules().SchedulesByDefinition(context.Background(), def.ID)
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestRunDue_StartsDueSchedules(t *testing.T) {
	clock := now
	starter := &mockStarter{}
	sweeper := &mockSweeper{}
	s, store := newScheduler(t, starter, sweeper, &clock)
	ctx := context.Background()

	def := scheduledDefinition(models.DefinitionStatusActive, "0 9 * * *")
	require.NoError(t, store.Definitions().Save(ctx, def))
	require.NoError(t, s.Sync(ctx, def))

	sweeper.On("Tick", mock.Anything).Return(2, nil)

	report, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Advanced: 2}, report, "nothing is due before 09:00")

	starter.On("Start", mock.Anything, mock.MatchedBy(func(d *models.Definition) bool { return d.ID == def.ID }),
		mock.MatchedBy(func(req engine.StartRequest) bool {
			return req.Trigger == models.EventScheduled && req.ExecutedBy == SystemUser && req.Context["tipo"] == "semanal"
		})).
		Return(&models.Execution{ID: "x1"}, nil).Once()

	clock = time.Date(2025, 3, 10, 9, 0, 30, 0, time.UTC)

	report, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Schedules)
	starter.AssertExpectations(t)

	schedules, err := store.Schedules().SchedulesByDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), schedules[0].NextDueAt)
	require.NotNil(t, schedules[0].LastStartedAt)
	assert.Equal(t, clock, *schedules[0].LastStartedAt)

	report, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Schedules, "an activation starts once")
}

func TestRunDue_RemovesOrphanSchedules(t *testing.T) {
	clock := now
	starter := &mockStarter{}
	s, store := newScheduler(t, starter, nil, &clock)
	ctx := context.Background()

	def := scheduledDefinition(models.DefinitionStatusActive, "0 9 * * *")
	require.NoError(t, s.Sync(ctx, def))

	clock = now.Add(2 * time.Hour)

	report, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	starter.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)

	schedules, err := store.Schedules().SchedulesByDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestRunDue_DeferredStarts(t *testing.T) {
	clock := now
	starter := &mockStarter{}
	s, store := newScheduler(t, starter, nil, &clock)
	ctx := context.Background()

	def := scheduledDefinition(models.DefinitionStatusActive, "0 9 * * *")
	def.Triggers = nil
	require.NoError(t, store.Definitions().Save(ctx, def))

	ok := &models.ScheduledStart{ID: "p1", TenantID: "empresa-1", DefinitionID: def.ID, EntityID: "caso-7", EntityType: "CASO", RequestedBy: "u1", DueAt: now.Add(time.Hour)}
	broken := &models.ScheduledStart{ID: "p2", TenantID: "empresa-1", DefinitionID: def.ID, RequestedBy: "u2", DueAt: now.Add(time.Hour)}
	later := &models.ScheduledStart{ID: "p3", TenantID: "empresa-1", DefinitionID: def.ID, RequestedBy: "u3", DueAt: now.Add(48 * time.Hour)}

	for _, start := range []*models.ScheduledStart{ok, broken, later} {
		require.NoError(t, s.Defer(ctx, start))
	}

	starter.On("Start", mock.Anything, mock.Anything, mock.MatchedBy(func(req engine.StartRequest) bool { return req.ExecutedBy == "u1" })).
		Return(&models.Execution{ID: "x1"}, nil).Once()
	starter.On("Start", mock.Anything, mock.Anything, mock.MatchedBy(func(req engine.StartRequest) bool { return req.ExecutedBy == "u2" })).
		Return(nil, errors.New("boom")).Once()

	clock = now.Add(2 * time.Hour)

	report, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Starts)
	assert.Equal(t, 1, report.Failed)
	starter.AssertExpectations(t)

	due, err := store.Schedules().DueScheduledStarts(ctx, now.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1, "handled starts leave the pending set")
	assert.Equal(t, "p3", due[0].ID)
}

func TestRun_StopsWithContext(t *testing.T) {
	clock := now
	sweeper := &mockSweeper{}
	sweeper.On("Tick", mock.Anything).Return(0, nil)

	s, _ := newScheduler(t, &mockStarter{}, sweeper, &clock)
	s.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)

	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sweeper.ticks.Load() >= 2
	}, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
