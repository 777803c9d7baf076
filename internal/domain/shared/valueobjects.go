package shared

import (
	"fmt"
	"strconv"
)

// ══════════════════════════════════════════════════════════════════════════════
// IDENTIFIERS
// Chat platform ids are 64-bit snowflakes. They are kept as distinct types so
// a guild id can never be passed where a user id is expected.
// ══════════════════════════════════════════════════════════════════════════════

// UserID identifies a member across guilds.
type UserID int64

// GuildID identifies a community server.
type GuildID int64

// ChannelID identifies a voice channel.
type ChannelID int64

func (id UserID) String() string    { return strconv.FormatInt(int64(id), 10) }
func (id GuildID) String() string   { return strconv.FormatInt(int64(id), 10) }
func (id ChannelID) String() string { return strconv.FormatInt(int64(id), 10) }

func (id UserID) IsValid() bool    { return id > 0 }
func (id GuildID) IsValid() bool   { return id > 0 }
func (id ChannelID) IsValid() bool { return id > 0 }

// ParseUserID parses a decimal snowflake.
func ParseUserID(s string) (UserID, error) {
	v, err := parseSnowflake(s)
	return UserID(v), err
}

// ParseGuildID parses a decimal snowflake.
func ParseGuildID(s string) (GuildID, error) {
	v, err := parseSnowflake(s)
	return GuildID(v), err
}

// ParseChannelID parses a decimal snowflake.
func ParseChannelID(s string) (ChannelID, error) {
	v, err := parseSnowflake(s)
	return ChannelID(v), err
}

func parseSnowflake(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return v, nil
}

// MemberKey identifies one user's record inside one guild.
type MemberKey struct {
	UserID  UserID
	GuildID GuildID
}

// String renders the key as "guild/user".
func (k MemberKey) String() string {
	return k.GuildID.String() + "/" + k.UserID.String()
}

// IsValid checks both halves of the key.
func (k MemberKey) IsValid() bool {
	return k.UserID.IsValid() && k.GuildID.IsValid()
}
