package query

import (
	"context"
	"fmt"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Top members of a guild by points, level or lifetime experience.
// ══════════════════════════════════════════════════════════════════════════════

const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
)

// GetLeaderboardQuery contains the query parameters.
type GetLeaderboardQuery struct {
	GuildID shared.GuildID

	// By defaults to points.
	By leveling.RankBy

	// Limit defaults to 10 and is capped at 100.
	Limit int
}

// Validate normalizes defaults and rejects bad input.
func (q *GetLeaderboardQuery) Validate() error {
	if !q.GuildID.IsValid() {
		return shared.ErrInvalidMember
	}
	if q.By == "" {
		q.By = leveling.RankByPoints
	}
	if !q.By.Valid() {
		return fmt.Errorf("%w: unknown ordering %q", shared.ErrInvalidInput, q.By)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: limit cannot be negative", shared.ErrInvalidInput)
	}
	if q.Limit == 0 {
		q.Limit = DefaultLeaderboardLimit
	}
	if q.Limit > MaxLeaderboardLimit {
		q.Limit = MaxLeaderboardLimit
	}
	return nil
}

// LeaderboardEntryDTO is one ranked member.
type LeaderboardEntryDTO struct {
	Rank     int           `json:"rank"`
	UserID   shared.UserID `json:"user_id,string"`
	Level    int           `json:"level"`
	Exp      int64         `json:"exp"`
	TotalExp int64         `json:"total_exp"`
	Points   int64         `json:"points"`
	Tier     string        `json:"tier,omitempty"`
}

// GetLeaderboardResult contains the ranked entries.
type GetLeaderboardResult struct {
	GuildID shared.GuildID        `json:"guild_id,string"`
	By      leveling.RankBy       `json:"by"`
	Entries []LeaderboardEntryDTO `json:"entries"`
}

// GetLeaderboardHandler handles the query.
type GetLeaderboardHandler struct {
	repo  leveling.Repository
	tiers TierSource
}

// NewGetLeaderboardHandler creates a new handler. tiers may be nil.
func NewGetLeaderboardHandler(repo leveling.Repository, tiers TierSource) *GetLeaderboardHandler {
	return &GetLeaderboardHandler{repo: repo, tiers: tiers}
}

// Handle executes the query.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, q GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("get_leaderboard: %w", err)
	}

	rows, err := h.repo.Top(ctx, q.GuildID, q.By, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("get_leaderboard: %w", err)
	}

	var table leveling.TierTable
	if h.tiers != nil {
		table = h.tiers.Tiers()
	}

	res := &GetLeaderboardResult{
		GuildID: q.GuildID,
		By:      q.By,
		Entries: make([]LeaderboardEntryDTO, 0, len(rows)),
	}
	for i, p := range rows {
		e := LeaderboardEntryDTO{
			Rank:     i + 1,
			UserID:   p.UserID,
			Level:    p.Level,
			Exp:      p.Exp,
			TotalExp: p.TotalExp,
			Points:   p.Points,
		}
		if t, ok := table.Lookup(p.Level); ok {
			e.Tier = t.Name
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}
