// Package cache keeps the active definitions of each tenant close to the
// trigger matcher. Entries are invalidated whenever a definition of the tenant
// changes.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/lexflow/pkg/metrics"
	"github.com/dukex/lexflow/pkg/models"
)

const DefaultTTL = 10 * time.Minute

// DefinitionCache stores the active definitions of a tenant.
type DefinitionCache interface {
	Get(ctx context.Context, tenantID string) ([]*models.Definition, bool)
	Set(ctx context.Context, tenantID string, definitions []*models.Definition) error
	Invalidate(ctx context.Context, tenantID string) error
}

// NewFromURL builds the cache named by url: empty or "memory" keeps entries in
// process, redis:// and rediss:// URLs use Redis.
func NewFromURL(ctx context.Context, logger *slog.Logger, url string, ttl time.Duration) (DefinitionCache, error) {
	switch {
	case url == "" || url == "memory":
		return NewMemory(ttl, nil), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedisFromURL(ctx, logger, url, ttl)
	default:
		return nil, fmt.Errorf("unsupported cache url %q", url)
	}
}

type memoryEntry struct {
	definitions []*models.Definition
	expiresAt   time.Time
}

// Memory is an in-process cache.
type Memory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemory creates an in-process cache. A zero ttl uses DefaultTTL and a nil
// clock uses time.Now.
func NewMemory(ttl time.Duration, now func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if now == nil {
		now = time.Now
	}

	return &Memory{ttl: ttl, now: now, entries: map[string]memoryEntry{}}
}

func (m *Memory) Get(_ context.Context, tenantID string) ([]*models.Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[tenantID]
	if !ok || !m.now().Before(entry.expiresAt) {
		return nil, false
	}

	return slices.Clone(entry.definitions), true
}

func (m *Memory) Set(_ context.Context, tenantID string, definitions []*models.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[tenantID] = memoryEntry{
		definitions: slices.Clone(definitions),
		expiresAt:   m.now().Add(m.ttl),
	}

	return nil
}

func (m *Memory) Invalidate(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, tenantID)

	return nil
}

// Loader reads the active definitions of a tenant from the repository.
type Loader func(ctx context.Context, tenantID string) ([]*models.Definition, error)

// ActiveDefinitions resolves the active definitions of a tenant through a
// cache, loading them on a miss.
type ActiveDefinitions struct {
	logger  *slog.Logger
	cache   DefinitionCache
	load    Loader
	metrics *metrics.Metrics
}

func NewActiveDefinitions(logger *slog.Logger, cache DefinitionCache, load Loader, m *metrics.Metrics) *ActiveDefinitions {
	return &ActiveDefinitions{
		logger:  logger.With("module", "definition_cache"),
		cache:   cache,
		load:    load,
		metrics: m,
	}
}

// ForTenant returns the active definitions of tenantID.
func (a *ActiveDefinitions) ForTenant(ctx context.Context, tenantID string) ([]*models.Definition, error) {
	if definitions, ok := a.cache.Get(ctx, tenantID); ok {
		a.metrics.RecordCache(true)

		return definitions, nil
	}

	a.metrics.RecordCache(false)

	definitions, err := a.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if err := a.cache.Set(ctx, tenantID, definitions); err != nil {
		a.logger.WarnContext(ctx, "failed to cache definitions", "tenant_id", tenantID, "error", err)
	}

	return definitions, nil
}

// Invalidate drops the cached definitions of tenantID. Failures are logged:
// a stale entry expires on its own.
func (a *ActiveDefinitions) Invalidate(ctx context.Context, tenantID string) {
	if err := a.cache.Invalidate(ctx, tenantID); err != nil {
		a.logger.WarnContext(ctx, "failed to invalidate definitions", "tenant_id", tenantID, "error", err)
	}
}
