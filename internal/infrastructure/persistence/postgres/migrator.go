package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
)

const migrationsTable = "schema_migrations"

// Migration is one versioned schema step.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies the embedded migrations, one transaction per step.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

// NewMigrator creates a migrator over GetMigrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations()}
}

// appliedVersions creates the bookkeeping table when missing and returns
// applied versions with their timestamps.
func (m *Migrator) appliedVersions(ctx context.Context) (map[int]time.Time, error) {
	if _, err := m.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrMigrationFailed, migrationsTable, err)
	}

	rows, err := m.conn.Query(ctx, `SELECT version, applied_at FROM `+migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrMigrationFailed, migrationsTable, err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var (
			v  int
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrMigrationFailed, migrationsTable, err)
		}
		out[v] = at
	}
	return out, rows.Err()
}

func (m *Migrator) step(ctx context.Context, sql, bookkeeping string, args ...any) error {
	return m.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, bookkeeping, args...)
		return err
	})
}

// Migrate applies pending migrations in version order and returns how many ran.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, mig := range m.migrations {
		if _, done := applied[mig.Version]; done {
			continue
		}
		if err := m.step(ctx, mig.UpSQL,
			`INSERT INTO `+migrationsTable+` (version, name) VALUES ($1, $2)`, mig.Version, mig.Name); err != nil {
			return ran, fmt.Errorf("%w: %03d_%s: %w", ErrMigrationFailed, mig.Version, mig.Name, err)
		}
		ran++
	}
	return ran, nil
}

// Rollback reverts the newest applied migration. It reports false when
// nothing is applied.
func (m *Migrator) Rollback(ctx context.Context) (bool, error) {
	applied, err := m.appliedVersions(ctx)
	if err != nil || len(applied) == 0 {
		return false, err
	}

	newest := 0
	for v := range applied {
		newest = max(newest, v)
	}
	i := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == newest })
	if i < 0 || m.migrations[i].DownSQL == "" {
		return false, fmt.Errorf("%w: no down step for version %d", ErrMigrationFailed, newest)
	}

	mig := m.migrations[i]
	if err := m.step(ctx, mig.DownSQL,
		`DELETE FROM `+migrationsTable+` WHERE version = $1`, mig.Version); err != nil {
		return false, fmt.Errorf("%w: revert %03d_%s: %w", ErrMigrationFailed, mig.Version, mig.Name, err)
	}
	return true, nil
}

// Status returns every known migration with its applied state, in version order.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	out := slices.Clone(m.migrations)
	for i := range out {
		if at, ok := applied[out[i].Version]; ok {
			out[i].IsApplied = true
			out[i].AppliedAt = at
		}
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}
