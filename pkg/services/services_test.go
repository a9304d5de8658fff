package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/lexflow/pkg/audit"
	"github.com/dukex/lexflow/pkg/dispatch"
	"github.com/dukex/lexflow/pkg/engine"
	"github.com/dukex/lexflow/pkg/mocks"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence/file"
	"github.com/dukex/lexflow/pkg/scheduler"
)

var now = time.Date(2025, 4, 7, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store       *file.Persistence
	audit       *audit.Memory
	engine      *engine.Engine
	scheduler   *scheduler.Scheduler
	definitions *Definitions
	executions  *Executions
	ingress     *Ingress
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := func() time.Time { return now }

	notifier := &mocks.MockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()

	f := &fixture{
		store: file.NewPersistence(t.TempDir()),
		audit: &audit.Memory{},
	}

	f.engine = engine.New(slog.Default(), engine.Dependencies{
		Definitions: f.store.Definitions(),
		Executions:  f.store.Executions(),
		Dispatcher:  dispatch.NewActionDispatcher(slog.Default(), dispatch.Collaborators{Notifier: notifier}),
		Notifier:    notifier,
		Audit:       &audit.Memory{},
	}, engine.Config{Now: clock})

	f.scheduler = scheduler.New(slog.Default(), scheduler.Dependencies{
		Definitions: f.store.Definitions(),
		Schedules:   f.store.Schedules(),
		Starter:     f.engine,
		Sweeper:     f.engine,
	}, scheduler.Config{Now: clock})

	f.definitions = NewDefinitions(slog.Default(), DefinitionsDependencies{
		Definitions: f.store.Definitions(),
		Executions:  f.store.Executions(),
		Schedules:   f.scheduler,
		Audit:       f.audit,
		Now:         clock,
	})

	f.executions = NewExecutions(slog.Default(), ExecutionsDependencies{
		Definitions: f.definitions,
		Executions:  f.store.Executions(),
		Runner:      f.engine,
		Deferrer:    f.scheduler,
		Now:         clock,
	})

	f.ingress = NewIngress(slog.Default(), IngressDependencies{
		Definitions: f.definitions,
		Runner:      f.engine,
		Now:         clock,
	})

	return f
}

func newDraft(name string, steps ...*models.Step) *models.Definition {
	if len(steps) == 0 {
		steps = []*models.Step{notifyStep("aviso", 1, "abogado-1")}
	}

	return &models.Definition{
		Name:  name,
		Type:  models.DefinitionTypeCaseReview,
		Steps: steps,
		Tags:  []string{"casos"},
	}
}

func notifyStep(name string, order int, recipients ...string) *models.Step {
	return &models.Step{Name: name, Order: order, Mandatory: true, Actions: []models.Action{
		{Spec: &models.NotificationAction{Recipients: recipients, Channel: "LOG", Template: "aviso"}},
	}}
}

func approvalStep(name string, order int, approvers ...string) *models.Step {
	return &models.Step{Name: name, Order: order, Mandatory: true, Actions: []models.Action{
		{Spec: &models.ApprovalAction{Approvers: approvers}},
	}}
}

// activate creates def for tenantID and moves it to activo.
func (f *fixture) activate(t *testing.T, tenantID string, def *models.Definition) *models.Definition {
	t.Helper()

	ctx := context.Background()

	created, err := f.definitions.Create(ctx, tenantID, "admin", def)
	require.NoError(t, err)

	active, err := f.definitions.ChangeState(ctx, StateChangeRequest{
		TenantID:     tenantID,
		DefinitionID: created.ID,
		UserID:       "admin",
		Status:       models.DefinitionStatusActive,
	})
	require.NoError(t, err)

	return active
}
