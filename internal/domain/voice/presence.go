package voice

import (
	"context"
	"time"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ChangeKind classifies a presence change.
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeJoin
	ChangeLeave
	ChangeMove
)

// MarshalText renders the kind by name.
func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k ChangeKind) String() string {
	switch k {
	case ChangeJoin:
		return "join"
	case ChangeLeave:
		return "leave"
	case ChangeMove:
		return "move"
	default:
		return "none"
	}
}

// PresenceChange is one voice state update from the gateway. A zero From
// means the member was not in voice; a zero To means they left it.
type PresenceChange struct {
	UserID  shared.UserID    `json:"user_id"`
	GuildID shared.GuildID   `json:"guild_id"`
	From    shared.ChannelID `json:"from,omitempty"`
	To      shared.ChannelID `json:"to,omitempty"`
	Bot     bool             `json:"bot,omitempty"`
	At      time.Time        `json:"at,omitempty"`
}

// Kind derives join, leave or move from the channel pair.
func (c PresenceChange) Kind() ChangeKind {
	switch {
	case c.From == 0 && c.To == 0:
		return ChangeNone
	case c.From == 0:
		return ChangeJoin
	case c.To == 0:
		return ChangeLeave
	case c.From == c.To:
		return ChangeNone
	default:
		return ChangeMove
	}
}

// Validate checks the identifiers.
func (c PresenceChange) Validate() error {
	if !c.UserID.IsValid() || !c.GuildID.IsValid() || c.From < 0 || c.To < 0 {
		return shared.ErrInvalidMember
	}
	if c.From == 0 && c.To == 0 {
		return shared.ErrNoPresenceChange
	}
	return nil
}

// Member is one user currently in a voice channel.
type Member struct {
	UserID    shared.UserID    `json:"user_id"`
	ChannelID shared.ChannelID `json:"channel_id"`
	Bot       bool             `json:"bot,omitempty"`
}

// StateReader answers where members are right now.
type StateReader interface {
	// ChannelOf returns false when the member is not in any voice channel.
	ChannelOf(ctx context.Context, guildID shared.GuildID, userID shared.UserID) (shared.ChannelID, bool, error)

	// Members lists every member in voice in a guild.
	Members(ctx context.Context, guildID shared.GuildID) ([]Member, error)
}
