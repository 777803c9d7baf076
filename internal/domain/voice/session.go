package voice

import (
	"context"
	"time"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// EndReason records why a session stopped.
type EndReason string

const (
	EndLeft     EndReason = "left"
	EndMoved    EndReason = "moved"
	EndReplaced EndReason = "replaced"
	EndExpired  EndReason = "expired"
	EndStale    EndReason = "stale"
	EndForced   EndReason = "forced"
	EndShutdown EndReason = "shutdown"
	EndCrashed  EndReason = "crashed"
)

// Session is one physical presence in a rewarded channel.
type Session struct {
	ID        string           `json:"id"`
	UserID    shared.UserID    `json:"user_id"`
	GuildID   shared.GuildID   `json:"guild_id"`
	ChannelID shared.ChannelID `json:"channel_id"`
	JoinedAt  time.Time        `json:"joined_at"`
	Policy    ChannelPolicy    `json:"policy"`
}

// Key returns the member key of the session.
func (s Session) Key() shared.MemberKey {
	return shared.MemberKey{UserID: s.UserID, GuildID: s.GuildID}
}

// SessionView is a read-only snapshot of a running session.
type SessionView struct {
	Session
	Elapsed     time.Duration `json:"elapsed"`
	ExpEarned   int64         `json:"exp_earned"`
	Credits     int           `json:"credits"`
	LastCredit  time.Time     `json:"last_credit,omitempty"`
	SkippedTick int           `json:"skipped_ticks"`
}

// SessionRecord is an audit row.
type SessionRecord struct {
	ID        string           `json:"id"`
	UserID    shared.UserID    `json:"user_id"`
	GuildID   shared.GuildID   `json:"guild_id"`
	ChannelID shared.ChannelID `json:"channel_id"`
	JoinedAt  time.Time        `json:"joined_at"`
	LeftAt    *time.Time       `json:"left_at,omitempty"`
	ExpEarned int64            `json:"exp_earned"`
	Reason    EndReason        `json:"reason,omitempty"`
}

// AuditTrail persists the joined and left facts of every session.
type AuditTrail interface {
	RecordJoin(ctx context.Context, s Session) error
	RecordLeave(ctx context.Context, sessionID string, leftAt time.Time, expEarned int64, reason EndReason) error

	// CloseDangling ends rows left open by a previous process.
	CloseDangling(ctx context.Context, at time.Time) (int, error)

	// Recent lists the latest sessions of a member, newest first.
	Recent(ctx context.Context, key shared.MemberKey, limit int) ([]SessionRecord, error)
}

// ExclusionList holds members who never earn voice experience.
type ExclusionList interface {
	IsExcluded(ctx context.Context, guildID shared.GuildID, userID shared.UserID) (bool, error)

	// Toggle flips the flag and returns the new state.
	Toggle(ctx context.Context, guildID shared.GuildID, userID shared.UserID) (bool, error)

	List(ctx context.Context, guildID shared.GuildID) ([]shared.UserID, error)
}

// SessionMirror publishes the live session set to presentation processes.
type SessionMirror interface {
	Started(ctx context.Context, e shared.SessionStartedEvent) error
	Ended(ctx context.Context, e shared.SessionEndedEvent) error
}
