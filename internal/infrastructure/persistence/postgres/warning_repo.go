package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voicexp/voicexp/internal/domain/moderation"
	"github.com/voicexp/voicexp/internal/domain/shared"
)

// WarningRepository implements moderation.Repository.
type WarningRepository struct {
	conn *Connection
}

// NewWarningRepository creates a new WarningRepository.
func NewWarningRepository(conn *Connection) *WarningRepository {
	return &WarningRepository{conn: conn}
}

// Add inserts count copies of w and returns the new count.
func (r *WarningRepository) Add(ctx context.Context, w moderation.Warning, count int) (int, error) {
	if count < 1 {
		return 0, moderation.ErrInvalidCount
	}

	var total int
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO warnings (user_id, guild_id, reason, issued_by, issued_at)
			SELECT $1, $2, $3, $4, $5 FROM generate_series(1, $6)`,
			int64(w.UserID), int64(w.GuildID), w.Reason, int64(w.IssuedBy), w.IssuedAt.UTC(), count)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx, `SELECT count(*) FROM warnings WHERE guild_id = $1 AND user_id = $2`,
			int64(w.GuildID), int64(w.UserID)).Scan(&total)
	})
	if err != nil {
		return 0, classify("add warnings", err)
	}
	return total, nil
}

// Remove deletes up to count of the newest warnings.
func (r *WarningRepository) Remove(ctx context.Context, key shared.MemberKey, count int) (int, int, error) {
	if count < 1 {
		return 0, 0, moderation.ErrInvalidCount
	}

	var removed, remaining int
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM warnings WHERE id IN (
				SELECT id FROM warnings WHERE guild_id = $1 AND user_id = $2
				ORDER BY id DESC LIMIT $3 FOR UPDATE
			)`,
			int64(key.GuildID), int64(key.UserID), count)
		if err != nil {
			return err
		}
		removed = int(tag.RowsAffected())
		return tx.QueryRow(ctx, `SELECT count(*) FROM warnings WHERE guild_id = $1 AND user_id = $2`,
			int64(key.GuildID), int64(key.UserID)).Scan(&remaining)
	})
	if err != nil {
		return 0, 0, classify("remove warnings", err)
	}
	return removed, remaining, nil
}

// Count returns the active warning count.
func (r *WarningRepository) Count(ctx context.Context, key shared.MemberKey) (int, error) {
	var n int
	err := r.conn.QueryRow(ctx, `SELECT count(*) FROM warnings WHERE guild_id = $1 AND user_id = $2`,
		int64(key.GuildID), int64(key.UserID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count warnings: %w", err)
	}
	return n, nil
}

// List returns the active warnings, newest first.
func (r *WarningRepository) List(ctx context.Context, key shared.MemberKey) ([]moderation.Warning, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, user_id, guild_id, reason, issued_by, issued_at
		FROM warnings WHERE guild_id = $1 AND user_id = $2 ORDER BY id DESC`,
		int64(key.GuildID), int64(key.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to list warnings: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (moderation.Warning, error) {
		var w moderation.Warning
		err := row.Scan(&w.ID, &w.UserID, &w.GuildID, &w.Reason, &w.IssuedBy, &w.IssuedAt)
		return w, err
	})
}
