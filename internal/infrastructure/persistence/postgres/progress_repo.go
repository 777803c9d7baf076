package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository implements leveling.Repository.
type ProgressRepository struct {
	conn *Connection
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(conn *Connection) *ProgressRepository {
	return &ProgressRepository{conn: conn}
}

const progressColumns = `user_id, guild_id, level, exp, total_exp, points, updated_at`

func scanProgress(row pgx.Row) (leveling.Progress, error) {
	var p leveling.Progress
	err := row.Scan(&p.UserID, &p.GuildID, &p.Level, &p.Exp, &p.TotalExp, &p.Points, &p.UpdatedAt)
	return p, err
}

// GetOrCreate returns the record, inserting a level-1 row on first sight.
func (r *ProgressRepository) GetOrCreate(ctx context.Context, key shared.MemberKey) (leveling.Progress, error) {
	if err := r.ensure(ctx, r.conn, key); err != nil {
		return leveling.Progress{}, classify("create progress", err)
	}
	return r.Find(ctx, key)
}

// Find returns shared.ErrProgressNotFound for unknown members.
func (r *ProgressRepository) Find(ctx context.Context, key shared.MemberKey) (leveling.Progress, error) {
	p, err := scanProgress(r.conn.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM member_progress WHERE guild_id = $1 AND user_id = $2`,
		int64(key.GuildID), int64(key.UserID)))
	if IsNoRows(err) {
		return leveling.Progress{}, shared.ErrProgressNotFound
	}
	if err != nil {
		return leveling.Progress{}, classify("find progress", err)
	}
	return p, nil
}

// Update locks the row with SELECT ... FOR UPDATE, applies fn to the locked
// snapshot and writes the result back in the same transaction.
func (r *ProgressRepository) Update(ctx context.Context, key shared.MemberKey, fn leveling.UpdateFunc) (leveling.Progress, error) {
	var out leveling.Progress

	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.ensure(ctx, tx, key); err != nil {
			return err
		}

		p, err := scanProgress(tx.QueryRow(ctx,
			`SELECT `+progressColumns+` FROM member_progress WHERE guild_id = $1 AND user_id = $2 FOR UPDATE`,
			int64(key.GuildID), int64(key.UserID)))
		if err != nil {
			return fmt.Errorf("lock: %w", err)
		}

		if err := fn(&p); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE member_progress
			SET level = $3, exp = $4, total_exp = $5, points = $6, updated_at = $7
			WHERE guild_id = $1 AND user_id = $2`,
			int64(key.GuildID), int64(key.UserID), p.Level, p.Exp, p.TotalExp, p.Points, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		out = p
		return nil
	})
	// Errors from inside the transaction are classified here only.
	if err != nil {
		return leveling.Progress{}, classify("update progress", err)
	}
	return out, nil
}

// Top returns the guild's leaders ordered by the requested field.
func (r *ProgressRepository) Top(ctx context.Context, guildID shared.GuildID, by leveling.RankBy, limit int) ([]leveling.Progress, error) {
	var order string
	switch by {
	case leveling.RankByLevel:
		order = "level DESC, exp DESC"
	case leveling.RankByTotalExp:
		order = "total_exp DESC"
	default:
		order = "points DESC"
	}

	rows, err := r.conn.Query(ctx,
		`SELECT `+progressColumns+` FROM member_progress WHERE guild_id = $1 ORDER BY `+order+`, user_id LIMIT $2`,
		int64(guildID), limit)
	if err != nil {
		return nil, classify("top progress", err)
	}
	defer rows.Close()

	var out []leveling.Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *ProgressRepository) ensure(ctx context.Context, q Querier, key shared.MemberKey) error {
	_, err := q.Exec(ctx, `
		INSERT INTO member_progress (user_id, guild_id) VALUES ($1, $2)
		ON CONFLICT (guild_id, user_id) DO NOTHING`,
		int64(key.UserID), int64(key.GuildID))
	return err
}
