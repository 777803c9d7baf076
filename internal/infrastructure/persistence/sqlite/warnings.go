package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicexp/voicexp/internal/domain/moderation"
	"github.com/voicexp/voicexp/internal/domain/shared"
)

// WarningRepository implements moderation.Repository.
type WarningRepository struct {
	store *Store
}

// NewWarningRepository creates a new WarningRepository.
func NewWarningRepository(store *Store) *WarningRepository {
	return &WarningRepository{store: store}
}

func (r *WarningRepository) Add(ctx context.Context, w moderation.Warning, count int) (int, error) {
	if count < 1 {
		return 0, moderation.ErrInvalidCount
	}

	var total int
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		for i := 0; i < count; i++ {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO warnings (user_id, guild_id, reason, issued_by, issued_at)
				VALUES (?, ?, ?, ?, ?)`,
				int64(w.UserID), int64(w.GuildID), w.Reason, int64(w.IssuedBy), millis(w.IssuedAt)); err != nil {
				return err
			}
		}
		return countWarnings(ctx, tx, shared.MemberKey{UserID: w.UserID, GuildID: w.GuildID}, &total)
	})
	if err != nil {
		return 0, classify("add warnings", err)
	}
	return total, nil
}

func (r *WarningRepository) Remove(ctx context.Context, key shared.MemberKey, count int) (int, int, error) {
	if count < 1 {
		return 0, 0, moderation.ErrInvalidCount
	}

	var removed, remaining int
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM warnings WHERE id IN (
				SELECT id FROM warnings WHERE guild_id = ? AND user_id = ?
				ORDER BY id DESC LIMIT ?
			)`,
			int64(key.GuildID), int64(key.UserID), count)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = int(n)
		return countWarnings(ctx, tx, key, &remaining)
	})
	if err != nil {
		return 0, 0, classify("remove warnings", err)
	}
	return removed, remaining, nil
}

func (r *WarningRepository) Count(ctx context.Context, key shared.MemberKey) (int, error) {
	if r.store == nil || r.store.db == nil {
		return 0, ErrNotConfigured
	}
	var n int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT count(*) FROM warnings WHERE guild_id = ? AND user_id = ?`,
		int64(key.GuildID), int64(key.UserID)).Scan(&n)
	if err != nil {
		return 0, classify("count warnings", err)
	}
	return n, nil
}

func (r *WarningRepository) List(ctx context.Context, key shared.MemberKey) ([]moderation.Warning, error) {
	if r.store == nil || r.store.db == nil {
		return nil, ErrNotConfigured
	}
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, user_id, guild_id, reason, issued_by, issued_at
		FROM warnings WHERE guild_id = ? AND user_id = ? ORDER BY id DESC`,
		int64(key.GuildID), int64(key.UserID))
	if err != nil {
		return nil, classify("list warnings", err)
	}
	defer rows.Close()

	var out []moderation.Warning
	for rows.Next() {
		var w moderation.Warning
		var issued int64
		if err := rows.Scan(&w.ID, &w.UserID, &w.GuildID, &w.Reason, &w.IssuedBy, &issued); err != nil {
			return nil, fmt.Errorf("sqlite: scan warning: %w", err)
		}
		w.IssuedAt = fromMillis(issued)
		out = append(out, w)
	}
	return out, rows.Err()
}

func countWarnings(ctx context.Context, tx *sql.Tx, key shared.MemberKey, dst *int) error {
	return tx.QueryRowContext(ctx,
		`SELECT count(*) FROM warnings WHERE guild_id = ? AND user_id = ?`,
		int64(key.GuildID), int64(key.UserID)).Scan(dst)
}
