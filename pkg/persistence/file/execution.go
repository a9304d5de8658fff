package file

import (
	"cmp"
	"context"
	"errors"
	"io/fs"
	"slices"
	"time"

	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
)

// ExecutionRepository handles execution documents. The version check and the
// write happen under the store lock.
type ExecutionRepository struct {
	store *store
}

func (r *ExecutionRepository) Create(_ context.Context, exec *models.Execution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var existing models.Execution

	err := r.store.read(executionsDir, exec.ID, &existing)
	switch {
	case err == nil:
		return persistence.NewExecutionError("Create", exec.ID, persistence.ErrExecutionAlreadyExists)
	case !errors.Is(err, fs.ErrNotExist):
		return persistence.NewExecutionError("Create", exec.ID, err)
	}

	exec.Version = 1
	exec.UpdatedAt = time.Now().UTC()

	if err := r.store.write(executionsDir, exec.ID, exec); err != nil {
		return persistence.NewExecutionError("Create", exec.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) Save(_ context.Context, exec *models.Execution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var stored models.Execution
	if err := r.store.read(executionsDir, exec.ID, &stored); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = persistence.ErrExecutionNotFound
		}

		return persistence.NewExecutionError("Save", exec.ID, err)
	}

	if stored.Version != exec.Version {
		return persistence.NewConflictError("Save", exec.ID, exec.Version)
	}

	next := *exec
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	if err := r.store.write(executionsDir, exec.ID, &next); err != nil {
		return persistence.NewExecutionError("Save", exec.ID, err)
	}

	exec.Version = next.Version
	exec.UpdatedAt = next.UpdatedAt

	return nil
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var exec models.Execution
	if err := r.store.read(executionsDir, id, &exec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = persistence.ErrExecutionNotFound
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return &exec, nil
}

func (r *ExecutionRepository) all() ([]*models.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return readAll[models.Execution](r.store, executionsDir)
}

func (r *ExecutionRepository) List(_ context.Context, opts persistence.ListExecutionsOptions) (*persistence.ExecutionListResult, error) {
	opts.Normalize()

	all, err := r.all()
	if err != nil {
		return nil, err
	}

	filtered := slices.DeleteFunc(all, func(e *models.Execution) bool {
		switch {
		case opts.TenantID != "" && e.TenantID != opts.TenantID:
			return true
		case opts.DefinitionID != "" && e.DefinitionID != opts.DefinitionID:
			return true
		case opts.Status != "" && e.Status != opts.Status:
			return true
		case opts.EntityID != "" && e.EntityID != opts.EntityID:
			return true
		case opts.EntityType != "" && e.EntityType != opts.EntityType:
			return true
		default:
			return false
		}
	})

	slices.SortStableFunc(filtered, func(a, b *models.Execution) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	page, more := persistence.Paginate(filtered, opts.Limit, opts.Offset)

	return &persistence.ExecutionListResult{
		Executions:  page,
		TotalCount:  int64(len(filtered)),
		HasNextPage: more,
	}, nil
}

func (r *ExecutionRepository) CountActive(_ context.Context, definitionID string) (int, error) {
	all, err := r.all()
	if err != nil {
		return 0, err
	}

	count := 0

	for _, e := range all {
		if e.DefinitionID == definitionID && !e.Status.IsTerminal() {
			count++
		}
	}

	return count, nil
}

func (r *ExecutionRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}

	due := slices.DeleteFunc(all, func(e *models.Execution) bool {
		return e.Status != models.ExecutionStatusInProgress || e.WakeAt == nil || e.WakeAt.After(now)
	})

	slices.SortFunc(due, func(a, b *models.Execution) int {
		return a.WakeAt.Compare(*b.WakeAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}
