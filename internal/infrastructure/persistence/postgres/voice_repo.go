package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION AUDIT TRAIL
// ══════════════════════════════════════════════════════════════════════════════

// SessionRepository implements voice.AuditTrail.
type SessionRepository struct {
	conn *Connection
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(conn *Connection) *SessionRepository {
	return &SessionRepository{conn: conn}
}

// RecordJoin inserts the open row of a session.
func (r *SessionRepository) RecordJoin(ctx context.Context, s voice.Session) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO voice_sessions (id, user_id, guild_id, channel_id, joined_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, int64(s.UserID), int64(s.GuildID), int64(s.ChannelID), s.JoinedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record join: %w", err)
	}
	return nil
}

// RecordLeave closes the row. Closing an already closed row is a no-op.
func (r *SessionRepository) RecordLeave(ctx context.Context, sessionID string, leftAt time.Time, expEarned int64, reason voice.EndReason) error {
	_, err := r.conn.Exec(ctx, `
		UPDATE voice_sessions SET left_at = $2, exp_earned = $3, end_reason = $4
		WHERE id = $1 AND left_at IS NULL`,
		sessionID, leftAt.UTC(), expEarned, string(reason))
	if err != nil {
		return fmt.Errorf("failed to record leave: %w", err)
	}
	return nil
}

// CloseDangling ends rows a crashed process left open.
func (r *SessionRepository) CloseDangling(ctx context.Context, at time.Time) (int, error) {
	tag, err := r.conn.Exec(ctx, `
		UPDATE voice_sessions SET left_at = $1, end_reason = $2
		WHERE left_at IS NULL`,
		at.UTC(), string(voice.EndCrashed))
	if err != nil {
		return 0, fmt.Errorf("failed to close dangling sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Recent lists the latest sessions of a member, newest first.
func (r *SessionRepository) Recent(ctx context.Context, key shared.MemberKey, limit int) ([]voice.SessionRecord, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, user_id, guild_id, channel_id, joined_at, left_at, exp_earned, COALESCE(end_reason, '')
		FROM voice_sessions
		WHERE guild_id = $1 AND user_id = $2
		ORDER BY joined_at DESC
		LIMIT $3`,
		int64(key.GuildID), int64(key.UserID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (voice.SessionRecord, error) {
		var rec voice.SessionRecord
		var reason string
		err := row.Scan(&rec.ID, &rec.UserID, &rec.GuildID, &rec.ChannelID, &rec.JoinedAt, &rec.LeftAt, &rec.ExpEarned, &reason)
		rec.Reason = voice.EndReason(reason)
		return rec, err
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// EXCLUSIONS
// ══════════════════════════════════════════════════════════════════════════════

// ExclusionRepository implements voice.ExclusionList.
type ExclusionRepository struct {
	conn *Connection
}

// NewExclusionRepository creates a new ExclusionRepository.
func NewExclusionRepository(conn *Connection) *ExclusionRepository {
	return &ExclusionRepository{conn: conn}
}

// IsExcluded reports whether the member is on the list.
func (r *ExclusionRepository) IsExcluded(ctx context.Context, guildID shared.GuildID, userID shared.UserID) (bool, error) {
	var ok bool
	err := r.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM voice_exclusions WHERE guild_id = $1 AND user_id = $2)`,
		int64(guildID), int64(userID)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check exclusion: %w", err)
	}
	return ok, nil
}

// Toggle flips the flag in one transaction and returns the new state.
func (r *ExclusionRepository) Toggle(ctx context.Context, guildID shared.GuildID, userID shared.UserID) (bool, error) {
	var excluded bool
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM voice_exclusions WHERE guild_id = $1 AND user_id = $2`,
			int64(guildID), int64(userID))
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			excluded = false
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO voice_exclusions (guild_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			int64(guildID), int64(userID))
		excluded = true
		return err
	})
	if err != nil {
		return false, classify("toggle exclusion", err)
	}
	return excluded, nil
}

// List returns the excluded members of a guild.
func (r *ExclusionRepository) List(ctx context.Context, guildID shared.GuildID) ([]shared.UserID, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT user_id FROM voice_exclusions WHERE guild_id = $1 ORDER BY user_id`, int64(guildID))
	if err != nil {
		return nil, fmt.Errorf("failed to list exclusions: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (shared.UserID, error) {
		var id int64
		err := row.Scan(&id)
		return shared.UserID(id), err
	})
}
