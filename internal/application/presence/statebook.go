package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
)

// StateBook is an in-memory voice.StateReader fed by presence changes. It is
// used when no gateway state cache is available.
type StateBook struct {
	mu     sync.RWMutex
	guilds map[shared.GuildID]map[shared.UserID]voice.Member
}

// NewStateBook creates an empty book.
func NewStateBook() *StateBook {
	return &StateBook{guilds: make(map[shared.GuildID]map[shared.UserID]voice.Member)}
}

// Apply records where the member is after change.
func (b *StateBook) Apply(change voice.PresenceChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members := b.guilds[change.GuildID]
	if change.To == 0 {
		if members != nil {
			delete(members, change.UserID)
			if len(members) == 0 {
				delete(b.guilds, change.GuildID)
			}
		}
		return
	}

	if members == nil {
		members = make(map[shared.UserID]voice.Member)
		b.guilds[change.GuildID] = members
	}
	members[change.UserID] = voice.Member{UserID: change.UserID, ChannelID: change.To, Bot: change.Bot}
}

// Replace swaps the whole member list of a guild.
func (b *StateBook) Replace(guildID shared.GuildID, members []voice.Member) {
	next := make(map[shared.UserID]voice.Member, len(members))
	for _, m := range members {
		next[m.UserID] = m
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(next) == 0 {
		delete(b.guilds, guildID)
		return
	}
	b.guilds[guildID] = next
}

// ChannelOf implements voice.StateReader.
func (b *StateBook) ChannelOf(_ context.Context, guildID shared.GuildID, userID shared.UserID) (shared.ChannelID, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.guilds[guildID][userID]
	return m.ChannelID, ok, nil
}

// Members implements voice.StateReader.
func (b *StateBook) Members(_ context.Context, guildID shared.GuildID) ([]voice.Member, error) {
	b.mu.RLock()
	out := make([]voice.Member, 0, len(b.guilds[guildID]))
	for _, m := range b.guilds[guildID] {
		out = append(out, m)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
