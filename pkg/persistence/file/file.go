// Package file provides file-based persistence: one JSON document per record
// under a root directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/lexflow/pkg/persistence"
)

const (
	definitionsDir     = "definitions"
	executionsDir      = "executions"
	schedulesDir       = "schedules"
	scheduledStartsDir = "scheduled_starts"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root        string
	definitions *DefinitionRepository
	executions  *ExecutionRepository
	schedules   *ScheduleRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	store := &store{root: cleanRoot}

	return &Persistence{
		root:        cleanRoot,
		definitions: &DefinitionRepository{store: store},
		executions:  &ExecutionRepository{store: store},
		schedules:   &ScheduleRepository{store: store},
	}
}

func (fp *Persistence) Definitions() persistence.DefinitionRepository {
	return fp.definitions
}

func (fp *Persistence) Executions() persistence.ExecutionRepository {
	return fp.executions
}

func (fp *Persistence) Schedules() persistence.ScheduleRepository {
	return fp.schedules
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// store serializes access to the documents of one root. Reads take the read
// lock so a reader never observes a half-written file.
type store struct {
	root string
	mu   sync.RWMutex
}

func validateID(id string) error {
	if id == "" || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", persistence.ErrInvalidID, id)
	}

	return nil
}

func (s *store) path(dir, id string) string {
	return filepath.Join(s.root, dir, id+".json")
}

// read decodes the document into v. It returns fs.ErrNotExist when absent.
func (s *store) read(dir, id string, v any) error {
	if err := validateID(id); err != nil {
		return err
	}

	body, err := os.ReadFile(s.path(dir, id))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", dir, id, err)
	}

	return nil
}

func (s *store) write(dir, id string, v any) error {
	if err := validateID(id); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(s.root, dir), 0750); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", dir, id, err)
	}

	// write to a sibling first so a crash never leaves a truncated document
	tmp := s.path(dir, id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	return os.Rename(tmp, s.path(dir, id))
}

func (s *store) remove(dir, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	err := os.Remove(s.path(dir, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s/%s: %w", dir, id, err)
	}

	return nil
}

// readAll decodes every document of dir.
func readAll[T any](s *store, dir string) ([]*T, error) {
	matches, err := fs.Glob(os.DirFS(filepath.Join(s.root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	items := make([]*T, 0, len(matches))

	for _, name := range matches {
		item := new(T)

		if err := s.read(dir, strings.TrimSuffix(name, ".json"), item); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, err
		}

		items = append(items, item)
	}

	return items, nil
}
