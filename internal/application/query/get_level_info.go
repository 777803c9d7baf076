package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/moderation"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	"github.com/voicexp/voicexp/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEVEL INFO QUERY
// A member's level card: curve position, tier, restrictions and the latest
// voice sessions.
// ══════════════════════════════════════════════════════════════════════════════

// TierSource supplies the current tier table. The policy file reloads it.
type TierSource interface {
	Tiers() leveling.TierTable
}

// GetLevelInfoQuery contains the query parameters.
type GetLevelInfoQuery struct {
	UserID  shared.UserID
	GuildID shared.GuildID

	// RecentSessions is how many audit rows to include. Zero skips them.
	RecentSessions int
}

// LevelInfoResult is the member's level card.
type LevelInfoResult struct {
	UserID   shared.UserID      `json:"user_id,string"`
	GuildID  shared.GuildID     `json:"guild_id,string"`
	Known    bool               `json:"known"`
	Info     leveling.LevelInfo `json:"info"`
	TierName string             `json:"tier_name,omitempty"`
	TierRole string             `json:"tier_role,omitempty"`

	Excluded     bool                     `json:"excluded"`
	Restrictions *moderation.Restrictions `json:"restrictions,omitempty"`
	Sessions     []voice.SessionRecord    `json:"sessions,omitempty"`
}

// GetLevelInfoHandler handles the query. Every collaborator except the
// repository and the curve is optional.
type GetLevelInfoHandler struct {
	repo       leveling.Repository
	curve      *leveling.Curve
	tiers      TierSource
	gate       *moderation.Gate
	exclusions voice.ExclusionList
	audit      voice.AuditTrail
	logger     *slog.Logger
}

// LevelInfoDeps bundles the handler's collaborators.
type LevelInfoDeps struct {
	Repo       leveling.Repository
	Curve      *leveling.Curve
	Tiers      TierSource
	Gate       *moderation.Gate
	Exclusions voice.ExclusionList
	Audit      voice.AuditTrail
	Logger     *slog.Logger
}

// NewGetLevelInfoHandler creates a new handler.
func NewGetLevelInfoHandler(deps LevelInfoDeps) *GetLevelInfoHandler {
	return &GetLevelInfoHandler{
		repo:       deps.Repo,
		curve:      deps.Curve,
		tiers:      deps.Tiers,
		gate:       deps.Gate,
		exclusions: deps.Exclusions,
		audit:      deps.Audit,
		logger:     logger.OrDefault(deps.Logger),
	}
}

// Handle executes the query. Unknown members get a level-1 card with Known unset.
func (h *GetLevelInfoHandler) Handle(ctx context.Context, q GetLevelInfoQuery) (*LevelInfoResult, error) {
	key := shared.MemberKey{UserID: q.UserID, GuildID: q.GuildID}
	if !key.IsValid() {
		return nil, fmt.Errorf("get_level_info: %w", shared.ErrInvalidMember)
	}

	res := &LevelInfoResult{UserID: q.UserID, GuildID: q.GuildID, Known: true}

	p, err := h.repo.Find(ctx, key)
	switch {
	case err == nil:
	case shared.IsNotFound(err):
		p = leveling.NewProgress(key)
		res.Known = false
	default:
		return nil, fmt.Errorf("get_level_info: %w", err)
	}

	res.Info = h.curve.Info(p)
	if h.tiers != nil {
		if t, ok := h.tiers.Tiers().Lookup(res.Info.Level); ok {
			res.TierName, res.TierRole = t.Name, t.Role
		}
	}

	// The remaining parts are decoration; a failing store degrades the card.
	if h.exclusions != nil {
		if res.Excluded, err = h.exclusions.IsExcluded(ctx, q.GuildID, q.UserID); err != nil {
			h.logger.Warn("exclusion lookup failed", logger.UserID(q.UserID), logger.Err(err))
		}
	}
	if h.gate != nil {
		r, err := h.gate.Restrictions(ctx, key)
		if err != nil {
			h.logger.Warn("restriction lookup failed", logger.UserID(q.UserID), logger.Err(err))
		} else {
			res.Restrictions = &r
		}
	}
	if h.audit != nil && q.RecentSessions > 0 {
		if res.Sessions, err = h.audit.Recent(ctx, key, q.RecentSessions); err != nil {
			h.logger.Warn("session history lookup failed", logger.UserID(q.UserID), logger.Err(err))
		}
	}

	return res, nil
}
