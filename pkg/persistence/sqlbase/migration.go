// Package sqlbase provides the base functionality for SQL database persistence.
package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// migrationLockID keys the advisory lock held while migrating, so api and
// worker processes starting together apply each migration once.
const migrationLockID int64 = 0x6c6578666c6f77

// MigrationManager applies numbered schema migrations in order.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

func NewMigrationManager(logger *slog.Logger, db *sql.DB, migrations map[int]string) *MigrationManager {
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: migrations,
	}
}

// RunMigrations creates the bookkeeping table and applies every migration newer
// than the recorded schema version.
func (m *MigrationManager) RunMigrations(ctx context.Context) error {
	if err := m.locked(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)`)

		return err
	}); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := m.Version(ctx)
	if err != nil {
		return err
	}

	latest := 0
	for version := range m.migrations {
		latest = max(latest, version)
	}

	m.logger.InfoContext(ctx, "Checking database schema", "version", current, "latest", latest)

	for _, version := range slices.Sorted(maps.Keys(m.migrations)) {
		if version <= current {
			continue
		}

		if err := m.apply(ctx, version); err != nil {
			return err
		}
	}

	return nil
}

// Version returns the highest applied migration, 0 on an empty database.
func (m *MigrationManager) Version(ctx context.Context) (int, error) {
	var version int

	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}

	return version, nil
}

func (m *MigrationManager) apply(ctx context.Context, version int) error {
	return m.locked(ctx, func(tx *sql.Tx) error {
		var applied bool

		err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", version, err)
		}

		if applied {
			m.logger.DebugContext(ctx, "Migration applied by another process", "version", version)

			return nil
		}

		if _, err := tx.ExecContext(ctx, m.migrations[version]); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		m.logger.InfoContext(ctx, "Migration applied", "version", version)

		return nil
	})
}

// locked runs fn in a transaction holding the migration advisory lock.
func (m *MigrationManager) locked(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}
