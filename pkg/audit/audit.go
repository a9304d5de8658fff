// Package audit delivers audit records to the audit-log collaborator.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/lexflow/pkg/eventbus"
	"github.com/dukex/lexflow/pkg/events"
)

// Emitter receives every audit record. Emission failures never abort the
// operation being audited; callers log them.
type Emitter interface {
	Emit(ctx context.Context, record *events.AuditRecorded) error
}

// BusEmitter publishes records on the event bus, keyed by tenant.
type BusEmitter struct {
	publisher eventbus.EventPublisher
}

func NewBusEmitter(publisher eventbus.EventPublisher) *BusEmitter {
	return &BusEmitter{publisher: publisher}
}

func (e *BusEmitter) Emit(ctx context.Context, record *events.AuditRecorded) error {
	return e.publisher.Publish(ctx, record.TenantID, record)
}

// LogEmitter writes records to the structured log.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With("module", "audit")}
}

func (e *LogEmitter) Emit(ctx context.Context, record *events.AuditRecorded) error {
	level := slog.LevelInfo

	switch record.Level {
	case events.AuditLevelWarning:
		level = slog.LevelWarn
	case events.AuditLevelError, events.AuditLevelCritical:
		level = slog.LevelError
	}

	e.logger.Log(ctx, level, record.Description,
		"kind", record.Kind,
		"tenant_id", record.TenantID,
		"user_id", record.UserID,
	)

	return nil
}

// Multi fans a record out to every emitter.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, record *events.AuditRecorded) error {
	var errs []error

	for _, e := range m {
		if err := e.Emit(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Memory keeps records in memory.
type Memory struct {
	mu      sync.Mutex
	records []*events.AuditRecorded
}

func (m *Memory) Emit(_ context.Context, record *events.AuditRecorded) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, record)

	return nil
}

// Records returns a copy of the records emitted so far.
func (m *Memory) Records() []*events.AuditRecorded {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.records)
}

// Kinds returns the kinds of the records emitted so far, in order.
func (m *Memory) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	kinds := make([]string, len(m.records))
	for i, r := range m.records {
		kinds[i] = r.Kind
	}

	return kinds
}
