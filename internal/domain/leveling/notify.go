package leveling

import (
	"context"
	"time"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// RoleSyncRequest asks the role collaborator to move a member to the role of
// their current tier.
type RoleSyncRequest struct {
	UserID       shared.UserID  `json:"user_id,string"`
	GuildID      shared.GuildID `json:"guild_id,string"`
	Level        int            `json:"level"`
	Tier         string         `json:"tier,omitempty"`
	Role         string         `json:"role,omitempty"`
	PreviousTier string         `json:"previous_tier,omitempty"`
	PreviousRole string         `json:"previous_role,omitempty"`
	RequestedAt  time.Time      `json:"requested_at"`
}

// Notifier delivers progress changes to collaborators outside the process.
// Failures never affect the committed write that produced them.
type Notifier interface {
	LevelChanged(ctx context.Context, e shared.LevelChangedEvent) error
	RequestRoleSync(ctx context.Context, req RoleSyncRequest) error
}
