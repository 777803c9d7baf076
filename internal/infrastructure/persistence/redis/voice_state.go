package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// VOICE STATE READER
// ══════════════════════════════════════════════════════════════════════════════

// stateEntry is the hash field value the gateway writes.
type stateEntry struct {
	ChannelID shared.ChannelID `json:"channel_id"`
	Bot       bool             `json:"bot,omitempty"`
}

// VoiceState implements voice.StateReader over voice:state:{guild}.
type VoiceState struct {
	client *Client
	logger *slog.Logger
}

// NewVoiceState creates a reader.
func NewVoiceState(client *Client, log *slog.Logger) *VoiceState {
	return &VoiceState{
		client: client,
		logger: logger.OrDefault(log).With(logger.Component("voice_state")),
	}
}

// ChannelOf returns false when the member has no field in the guild hash.
func (s *VoiceState) ChannelOf(ctx context.Context, guildID shared.GuildID, userID shared.UserID) (shared.ChannelID, bool, error) {
	raw, err := s.client.rdb.HGet(ctx, VoiceStateKey(guildID), userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, shared.WrapError("redis", "channel_of", shared.ErrExternalService, "voice state read failed", err)
	}

	entry, err := decodeState(raw)
	if err != nil {
		return 0, false, err
	}
	return entry.ChannelID, entry.ChannelID.IsValid(), nil
}

// Members lists every member the gateway has in voice, sorted by user.
func (s *VoiceState) Members(ctx context.Context, guildID shared.GuildID) ([]voice.Member, error) {
	fields, err := s.client.rdb.HGetAll(ctx, VoiceStateKey(guildID)).Result()
	if err != nil {
		return nil, shared.WrapError("redis", "members", shared.ErrExternalService, "voice state read failed", err)
	}

	members := make([]voice.Member, 0, len(fields))
	for field, raw := range fields {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			s.logger.Warn("skipping malformed voice state field", slog.String("field", field))
			continue
		}
		entry, err := decodeState(raw)
		if err != nil || !entry.ChannelID.IsValid() {
			s.logger.Warn("skipping malformed voice state value", slog.String("field", field))
			continue
		}
		members = append(members, voice.Member{UserID: shared.UserID(id), ChannelID: entry.ChannelID, Bot: entry.Bot})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

// Apply writes a change into the hash. The gateway normally owns it; this
// keeps it current when changes arrive over HTTP instead.
func (s *VoiceState) Apply(ctx context.Context, change voice.PresenceChange) error {
	key := VoiceStateKey(change.GuildID)
	field := change.UserID.String()
	if change.To == 0 {
		return s.client.rdb.HDel(ctx, key, field).Err()
	}
	data, err := json.Marshal(stateEntry{ChannelID: change.To, Bot: change.Bot})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return s.client.rdb.HSet(ctx, key, field, data).Err()
}

// decodeState accepts the JSON form and a bare channel id.
func decodeState(raw string) (stateEntry, error) {
	var entry stateEntry
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		entry.ChannelID = shared.ChannelID(id)
		return entry, nil
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return stateEntry{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return entry, nil
}
