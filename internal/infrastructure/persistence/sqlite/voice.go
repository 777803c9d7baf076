package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
)

// SessionRepository implements voice.AuditTrail.
type SessionRepository struct {
	store *Store
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(store *Store) *SessionRepository {
	return &SessionRepository{store: store}
}

func (r *SessionRepository) RecordJoin(ctx context.Context, s voice.Session) error {
	if r.store == nil || r.store.db == nil {
		return ErrNotConfigured
	}
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO voice_sessions (id, user_id, guild_id, channel_id, joined_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.ID, int64(s.UserID), int64(s.GuildID), int64(s.ChannelID), millis(s.JoinedAt))
	return classify("record join", err)
}

func (r *SessionRepository) RecordLeave(ctx context.Context, sessionID string, leftAt time.Time, expEarned int64, reason voice.EndReason) error {
	if r.store == nil || r.store.db == nil {
		return ErrNotConfigured
	}
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE voice_sessions SET left_at = ?, exp_earned = ?, end_reason = ?
		WHERE id = ? AND left_at IS NULL`,
		millis(leftAt), expEarned, string(reason), sessionID)
	return classify("record leave", err)
}

func (r *SessionRepository) CloseDangling(ctx context.Context, at time.Time) (int, error) {
	if r.store == nil || r.store.db == nil {
		return 0, ErrNotConfigured
	}
	res, err := r.store.db.ExecContext(ctx,
		`UPDATE voice_sessions SET left_at = ?, end_reason = ? WHERE left_at IS NULL`,
		millis(at), string(voice.EndCrashed))
	if err != nil {
		return 0, classify("close dangling", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SessionRepository) Recent(ctx context.Context, key shared.MemberKey, limit int) ([]voice.SessionRecord, error) {
	if r.store == nil || r.store.db == nil {
		return nil, ErrNotConfigured
	}
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, user_id, guild_id, channel_id, joined_at, left_at, exp_earned, end_reason
		FROM voice_sessions
		WHERE guild_id = ? AND user_id = ?
		ORDER BY joined_at DESC
		LIMIT ?`,
		int64(key.GuildID), int64(key.UserID), limit)
	if err != nil {
		return nil, classify("recent sessions", err)
	}
	defer rows.Close()

	var out []voice.SessionRecord
	for rows.Next() {
		var rec voice.SessionRecord
		var joined int64
		var left sql.NullInt64
		var reason string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.GuildID, &rec.ChannelID, &joined, &left, &rec.ExpEarned, &reason); err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		rec.JoinedAt = fromMillis(joined)
		if left.Valid {
			t := fromMillis(left.Int64)
			rec.LeftAt = &t
		}
		rec.Reason = voice.EndReason(reason)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExclusionRepository implements voice.ExclusionList.
type ExclusionRepository struct {
	store *Store
}

// NewExclusionRepository creates a new ExclusionRepository.
func NewExclusionRepository(store *Store) *ExclusionRepository {
	return &ExclusionRepository{store: store}
}

func (r *ExclusionRepository) IsExcluded(ctx context.Context, guildID shared.GuildID, userID shared.UserID) (bool, error) {
	if r.store == nil || r.store.db == nil {
		return false, ErrNotConfigured
	}
	var n int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT count(*) FROM voice_exclusions WHERE guild_id = ? AND user_id = ?`,
		int64(guildID), int64(userID)).Scan(&n)
	if err != nil {
		return false, classify("check exclusion", err)
	}
	return n > 0, nil
}

func (r *ExclusionRepository) Toggle(ctx context.Context, guildID shared.GuildID, userID shared.UserID) (bool, error) {
	var excluded bool
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM voice_exclusions WHERE guild_id = ? AND user_id = ?`,
			int64(guildID), int64(userID))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			excluded = false
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO voice_exclusions (guild_id, user_id) VALUES (?, ?)`,
			int64(guildID), int64(userID))
		excluded = true
		return err
	})
	if err != nil {
		return false, classify("toggle exclusion", err)
	}
	return excluded, nil
}

func (r *ExclusionRepository) List(ctx context.Context, guildID shared.GuildID) ([]shared.UserID, error) {
	if r.store == nil || r.store.db == nil {
		return nil, ErrNotConfigured
	}
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT user_id FROM voice_exclusions WHERE guild_id = ? ORDER BY user_id`, int64(guildID))
	if err != nil {
		return nil, classify("list exclusions", err)
	}
	defer rows.Close()

	var out []shared.UserID
	for rows.Next() {
		var id shared.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
