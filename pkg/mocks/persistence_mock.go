package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
)

// MockPersistence is a mock implementation of persistence.Persistence.
type MockPersistence struct {
	mock.Mock

	DefinitionRepo *MockDefinitionRepository
	ExecutionRepo  *MockExecutionRepository
	ScheduleRepo   *MockScheduleRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		DefinitionRepo: &MockDefinitionRepository{},
		ExecutionRepo:  &MockExecutionRepository{},
		ScheduleRepo:   &MockScheduleRepository{},
	}
}

func (m *MockPersistence) Definitions() persistence.DefinitionRepository {
	return m.DefinitionRepo
}

func (m *MockPersistence) Executions() persistence.ExecutionRepository {
	return m.ExecutionRepo
}

func (m *MockPersistence) Schedules() persistence.ScheduleRepository {
	return m.ScheduleRepo
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockDefinitionRepository is a mock implementation of persistence.DefinitionRepository.
type MockDefinitionRepository struct {
	mock.Mock
}

func (m *MockDefinitionRepository) GetByID(ctx context.Context, id string) (*models.Definition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Definition), args.Error(1)
}

func (m *MockDefinitionRepository) List(ctx context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.DefinitionListResult), args.Error(1)
}

func (m *MockDefinitionRepository) Save(ctx context.Context, def *models.Definition) error {
	args := m.Called(ctx, def)

	return args.Error(0)
}

func (m *MockDefinitionRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockExecutionRepository is a mock implementation of persistence.ExecutionRepository.
type MockExecutionRepository struct {
	mock.Mock
}

func (m *MockExecutionRepository) Create(ctx context.Context, exec *models.Execution) error {
	args := m.Called(ctx, exec)

	return args.Error(0)
}

func (m *MockExecutionRepository) Save(ctx context.Context, exec *models.Execution) error {
	args := m.Called(ctx, exec)

	return args.Error(0)
}

func (m *MockExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Execution), args.Error(1)
}

func (m *MockExecutionRepository) List(ctx context.Context, opts persistence.ListExecutionsOptions) (*persistence.ExecutionListResult, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.ExecutionListResult), args.Error(1)
}

func (m *MockExecutionRepository) CountActive(ctx context.Context, definitionID string) (int, error) {
	args := m.Called(ctx, definitionID)

	return args.Int(0), args.Error(1)
}

func (m *MockExecutionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Execution), args.Error(1)
}

// MockScheduleRepository is a mock implementation of persistence.ScheduleRepository.
type MockScheduleRepository struct {
	mock.Mock
}

func (m *MockScheduleRepository) SaveSchedule(ctx context.Context, schedule *models.Schedule) error {
	args := m.Called(ctx, schedule)

	return args.Error(0)
}

func (m *MockScheduleRepository) SchedulesByDefinition(ctx context.Context, definitionID string) ([]*models.Schedule, error) {
	args := m.Called(ctx, definitionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Schedule), args.Error(1)
}

func (m *MockScheduleRepository) DueSchedules(ctx context.Context, before time.Time) ([]*models.Schedule, error) {
	args := m.Called(ctx, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Schedule), args.Error(1)
}

func (m *MockScheduleRepository) DeleteSchedule(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockScheduleRepository) SaveScheduledStart(ctx context.Context, start *models.ScheduledStart) error {
	args := m.Called(ctx, start)

	return args.Error(0)
}

func (m *MockScheduleRepository) DueScheduledStarts(ctx context.Context, before time.Time) ([]*models.ScheduledStart, error) {
	args := m.Called(ctx, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ScheduledStart), args.Error(1)
}
