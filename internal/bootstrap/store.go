// Package bootstrap assembles the engine from configuration. The command
// line entry points only parse flags and call into here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voicexp/voicexp/config"
	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/moderation"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/internal/infrastructure/persistence/postgres"
	"github.com/voicexp/voicexp/internal/infrastructure/persistence/sqlite"
)

// ErrMigrationsUnsupported is returned for migration operations the sqlite
// driver does not offer. It migrates forward on open.
var ErrMigrationsUnsupported = errors.New("bootstrap: sqlite only migrates forward on open")

// Store bundles the repositories of one storage driver.
type Store struct {
	Driver     string
	Progress   leveling.Repository
	Sessions   voice.AuditTrail
	Exclusions voice.ExclusionList
	Warnings   moderation.Repository

	ping     func(ctx context.Context) error
	close    func()
	migrator *postgres.Migrator
}

// OpenStore connects the configured driver. Postgres migrations run only
// when migrate is true; sqlite always migrates on open.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, migrate bool, log *slog.Logger) (*Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("sqlite store opened", slog.String("path", cfg.SQLitePath))
		return &Store{
			Driver:     cfg.Driver,
			Progress:   sqlite.NewProgressRepository(db),
			Sessions:   sqlite.NewSessionRepository(db),
			Exclusions: sqlite.NewExclusionRepository(db),
			Warnings:   sqlite.NewWarningRepository(db),
			ping:       db.Ping,
			close:      func() { _ = db.Close() },
		}, nil

	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.URL = cfg.URL
		pgCfg.MaxConns = cfg.MaxConns
		pgCfg.MinConns = cfg.MinConns
		pgCfg.MaxConnLifetime = cfg.MaxConnLifetime
		pgCfg.LockTimeout = cfg.LockTimeout

		conn, err := postgres.NewConnection(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		s := &Store{
			Driver:     cfg.Driver,
			Progress:   postgres.NewProgressRepository(conn),
			Sessions:   postgres.NewSessionRepository(conn),
			Exclusions: postgres.NewExclusionRepository(conn),
			Warnings:   postgres.NewWarningRepository(conn),
			ping:       conn.Ping,
			close:      conn.Close,
			migrator:   postgres.NewMigrator(conn),
		}
		if migrate {
			n, err := s.migrator.Migrate(ctx)
			if err != nil {
				conn.Close()
				return nil, err
			}
			log.Info("postgres store ready", slog.Int("migrations_applied", n))
		}
		return s, nil

	default:
		return nil, fmt.Errorf("bootstrap: unknown database driver %q", cfg.Driver)
	}
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// Close releases the connection.
func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	if s.migrator == nil {
		return 0, nil
	}
	return s.migrator.Migrate(ctx)
}

// Rollback reverts the newest applied migration.
func (s *Store) Rollback(ctx context.Context) (bool, error) {
	if s.migrator == nil {
		return false, ErrMigrationsUnsupported
	}
	return s.migrator.Rollback(ctx)
}

// MigrationStatus lists known migrations and whether each is applied.
func (s *Store) MigrationStatus(ctx context.Context) ([]postgres.Migration, error) {
	if s.migrator == nil {
		return nil, ErrMigrationsUnsupported
	}
	return s.migrator.Status(ctx)
}
