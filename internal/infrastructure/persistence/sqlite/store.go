// Package sqlite is the single-host persistence backend. It implements the
// same repositories as the postgres package on one SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ErrNotConfigured is returned by a nil or closed store.
var ErrNotConfigured = errors.New("sqlite: storage is not configured")

// Store owns the database handle. SQLite allows one writer at a time, so the
// pool is capped at one connection and every transaction starts IMMEDIATE.
type Store struct {
	db *sql.DB
}

// Open opens the file at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	s := &Store{db: db}
	if _, err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the handle.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn in one IMMEDIATE transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

var migrations = []struct {
	version int
	sql     string
}{
	{1, `
CREATE TABLE IF NOT EXISTS member_progress (
	user_id    INTEGER NOT NULL,
	guild_id   INTEGER NOT NULL,
	level      INTEGER NOT NULL DEFAULT 1 CHECK (level >= 1),
	exp        INTEGER NOT NULL DEFAULT 0 CHECK (exp >= 0),
	total_exp  INTEGER NOT NULL DEFAULT 0 CHECK (total_exp >= 0),
	points     INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (guild_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_progress_guild_points ON member_progress(guild_id, points DESC);`},
	{2, `
CREATE TABLE IF NOT EXISTS voice_sessions (
	id         TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL,
	guild_id   INTEGER NOT NULL,
	channel_id INTEGER NOT NULL,
	joined_at  INTEGER NOT NULL,
	left_at    INTEGER,
	exp_earned INTEGER NOT NULL DEFAULT 0,
	end_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_member ON voice_sessions(guild_id, user_id, joined_at DESC);
CREATE TABLE IF NOT EXISTS voice_exclusions (
	guild_id INTEGER NOT NULL,
	user_id  INTEGER NOT NULL,
	PRIMARY KEY (guild_id, user_id)
);`},
	{3, `
CREATE TABLE IF NOT EXISTS warnings (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id   INTEGER NOT NULL,
	guild_id  INTEGER NOT NULL,
	reason    TEXT NOT NULL,
	issued_by INTEGER NOT NULL DEFAULT 0,
	issued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_warnings_member ON warnings(guild_id, user_id, id DESC);`},
}

// Migrate applies pending migrations and returns how many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("sqlite: create migrations table: %w", err)
	}

	ran := 0
	for _, m := range migrations {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				m.version, time.Now().UTC().UnixMilli()); err != nil {
				return err
			}
			ran++
			return nil
		})
		if err != nil {
			return ran, fmt.Errorf("sqlite: migration %d: %w", m.version, err)
		}
	}
	return ran, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// IsBusy reports SQLITE_BUSY and SQLITE_LOCKED, including extended codes.
func IsBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusy(err) {
		return shared.Contention(op, err)
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
