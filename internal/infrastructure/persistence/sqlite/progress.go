package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ProgressRepository implements leveling.Repository.
type ProgressRepository struct {
	store *Store
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(store *Store) *ProgressRepository {
	return &ProgressRepository{store: store}
}

const progressColumns = `user_id, guild_id, level, exp, total_exp, points, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (leveling.Progress, error) {
	var p leveling.Progress
	var updated int64
	err := row.Scan(&p.UserID, &p.GuildID, &p.Level, &p.Exp, &p.TotalExp, &p.Points, &updated)
	p.UpdatedAt = fromMillis(updated)
	return p, err
}

// GetOrCreate returns the record, inserting a level-1 row on first sight.
func (r *ProgressRepository) GetOrCreate(ctx context.Context, key shared.MemberKey) (leveling.Progress, error) {
	var out leveling.Progress
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = lockProgress(ctx, tx, key)
		return err
	})
	if err != nil {
		return leveling.Progress{}, classify("get progress", err)
	}
	return out, nil
}

// Find returns shared.ErrProgressNotFound for unknown members.
func (r *ProgressRepository) Find(ctx context.Context, key shared.MemberKey) (leveling.Progress, error) {
	if r.store == nil || r.store.db == nil {
		return leveling.Progress{}, ErrNotConfigured
	}
	p, err := scanProgress(r.store.db.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM member_progress WHERE guild_id = ? AND user_id = ?`,
		int64(key.GuildID), int64(key.UserID)))
	if errors.Is(err, sql.ErrNoRows) {
		return leveling.Progress{}, shared.ErrProgressNotFound
	}
	if err != nil {
		return leveling.Progress{}, classify("find progress", err)
	}
	return p, nil
}

// Update holds the database write lock from BEGIN IMMEDIATE to commit, so fn
// always sees the latest committed row.
func (r *ProgressRepository) Update(ctx context.Context, key shared.MemberKey, fn leveling.UpdateFunc) (leveling.Progress, error) {
	var out leveling.Progress
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		p, err := lockProgress(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE member_progress
			SET level = ?, exp = ?, total_exp = ?, points = ?, updated_at = ?
			WHERE guild_id = ? AND user_id = ?`,
			p.Level, p.Exp, p.TotalExp, p.Points, millis(p.UpdatedAt),
			int64(key.GuildID), int64(key.UserID))
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return leveling.Progress{}, classify("update progress", err)
	}
	return out, nil
}

// Top returns the guild's leaders ordered by the requested field.
func (r *ProgressRepository) Top(ctx context.Context, guildID shared.GuildID, by leveling.RankBy, limit int) ([]leveling.Progress, error) {
	if r.store == nil || r.store.db == nil {
		return nil, ErrNotConfigured
	}

	order := "points DESC"
	switch by {
	case leveling.RankByLevel:
		order = "level DESC, exp DESC"
	case leveling.RankByTotalExp:
		order = "total_exp DESC"
	}

	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM member_progress WHERE guild_id = ? ORDER BY `+order+`, user_id LIMIT ?`,
		int64(guildID), limit)
	if err != nil {
		return nil, classify("top progress", err)
	}
	defer rows.Close()

	var out []leveling.Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func lockProgress(ctx context.Context, tx *sql.Tx, key shared.MemberKey) (leveling.Progress, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO member_progress (user_id, guild_id) VALUES (?, ?) ON CONFLICT (guild_id, user_id) DO NOTHING`,
		int64(key.UserID), int64(key.GuildID)); err != nil {
		return leveling.Progress{}, err
	}
	return scanProgress(tx.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM member_progress WHERE guild_id = ? AND user_id = ?`,
		int64(key.GuildID), int64(key.UserID)))
}
