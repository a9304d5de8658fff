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

// DefinitionRepository handles definition documents.
type DefinitionRepository struct {
	store *store
}

func (r *DefinitionRepository) GetByID(_ context.Context, id string) (*models.Definition, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var def models.Definition
	if err := r.store.read(definitionsDir, id, &def); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = persistence.ErrDefinitionNotFound
		}

		return nil, persistence.NewDefinitionError("GetByID", id, err)
	}

	return &def, nil
}

// List filters and sorts in memory.
func (r *DefinitionRepository) List(_ context.Context, opts persistence.ListDefinitionsOptions) (*persistence.DefinitionListResult, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	all, err := readAll[models.Definition](r.store, definitionsDir)
	r.store.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	filtered := slices.DeleteFunc(all, func(d *models.Definition) bool {
		return !matchesDefinition(d, opts)
	})

	sortDefinitions(filtered, opts.SortBy, opts.SortOrder)

	page, more := persistence.Paginate(filtered, opts.Limit, opts.Offset)

	return &persistence.DefinitionListResult{
		Definitions: page,
		TotalCount:  int64(len(filtered)),
		HasNextPage: more,
	}, nil
}

func matchesDefinition(d *models.Definition, opts persistence.ListDefinitionsOptions) bool {
	switch {
	case opts.TenantID != "" && d.TenantID != opts.TenantID:
		return false
	case opts.Status != "" && d.Status != opts.Status:
		return false
	case opts.Type != "" && d.Type != opts.Type:
		return false
	case opts.Tag != "" && !d.HasTag(opts.Tag):
		return false
	case opts.ActiveOnly && !d.Active:
		return false
	default:
		return true
	}
}

func sortDefinitions(defs []*models.Definition, sortBy string, order persistence.SortOrder) {
	slices.SortStableFunc(defs, func(a, b *models.Definition) int {
		var c int

		switch sortBy {
		case "nombre":
			c = cmp.Compare(a.Name, b.Name)
		case "prioridad":
			c = cmp.Compare(a.Priority, b.Priority)
		case "fechaActualizacion":
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}

		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}

		if order == persistence.SortDesc {
			return -c
		}

		return c
	})
}

func (r *DefinitionRepository) Save(_ context.Context, def *models.Definition) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	if err := r.store.write(definitionsDir, def.ID, def); err != nil {
		return persistence.NewDefinitionError("Save", def.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if err := r.store.remove(definitionsDir, id); err != nil {
		return persistence.NewDefinitionError("Delete", id, err)
	}

	return nil
}
