package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/voicexp/voicexp/internal/application/command"
	"github.com/voicexp/voicexp/internal/application/query"
	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/moderation"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

func notConfigured(w http.ResponseWriter, what string) {
	writeJSONError(w, http.StatusNotImplemented, "not_implemented", what+" is not configured")
}

// ══════════════════════════════════════════════════════════════════════════════
// PRESENCE INGEST
// ══════════════════════════════════════════════════════════════════════════════

// handlePresence handles POST /v1/presence.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		notConfigured(w, "presence dispatch")
		return
	}
	var change voice.PresenceChange
	if err := decodeBody(r, &change); err != nil {
		s.writeDomainError(w, r, "presence", err)
		return
	}
	result, err := s.deps.Dispatcher.Dispatch(r.Context(), change)
	if err != nil {
		s.writeDomainError(w, r, "presence", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// handleActiveSessions handles GET /v1/sessions and /v1/guilds/{guild}/sessions.
func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.ActiveSessions == nil {
		notConfigured(w, "session snapshot")
		return
	}
	guildID, err := guild(r)
	if err != nil {
		s.writeDomainError(w, r, "sessions", err)
		return
	}
	q := query.GetActiveSessionsQuery{GuildID: guildID, Resync: queryBool(r, "resync")}
	if err := q.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	result, err := s.deps.ActiveSessions.Handle(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, "sessions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// handleLevelInfo handles GET /v1/guilds/{guild}/members/{user}.
func (s *Server) handleLevelInfo(w http.ResponseWriter, r *http.Request) {
	if s.deps.LevelInfo == nil {
		notConfigured(w, "level info")
		return
	}
	key, err := member(r)
	if err != nil {
		s.writeDomainError(w, r, "level_info", err)
		return
	}
	recent, err := queryInt(r, "sessions", 0)
	if err != nil {
		s.writeDomainError(w, r, "level_info", err)
		return
	}
	result, err := s.deps.LevelInfo.Handle(r.Context(), query.GetLevelInfoQuery{
		UserID:         key.UserID,
		GuildID:        key.GuildID,
		RecentSessions: recent,
	})
	if err != nil {
		s.writeDomainError(w, r, "level_info", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// handleLeaderboard handles GET /v1/guilds/{guild}/leaderboard?by=&limit=.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leaderboard == nil {
		notConfigured(w, "leaderboard")
		return
	}
	guildID, err := guild(r)
	if err != nil {
		s.writeDomainError(w, r, "leaderboard", err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeDomainError(w, r, "leaderboard", err)
		return
	}
	result, err := s.deps.Leaderboard.Handle(r.Context(), query.GetLeaderboardQuery{
		GuildID: guildID,
		By:      leveling.RankBy(r.URL.Query().Get("by")),
		Limit:   limit,
	})
	if err != nil {
		s.writeDomainError(w, r, "leaderboard", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// handleCurve handles GET /v1/curve?from=&to=&rate=.
func (s *Server) handleCurve(w http.ResponseWriter, r *http.Request) {
	if s.deps.CurveTable == nil {
		notConfigured(w, "curve table")
		return
	}
	from, err := queryInt(r, "from", 1)
	if err != nil {
		s.writeDomainError(w, r, "curve", err)
		return
	}
	to, err := queryInt(r, "to", from+19)
	if err != nil {
		s.writeDomainError(w, r, "curve", err)
		return
	}
	rate, err := queryFloat(r, "rate")
	if err != nil {
		s.writeDomainError(w, r, "curve", err)
		return
	}
	result, err := s.deps.CurveTable.Handle(query.GetCurveTableQuery{From: from, To: to, ExpPerMinute: rate})
	if err != nil {
		s.writeDomainError(w, r, "curve", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN: PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// ProgressResponse is the result of every progress-changing admin call.
type ProgressResponse struct {
	Progress      leveling.Progress `json:"progress"`
	OldLevel      int               `json:"old_level"`
	NewLevel      int               `json:"new_level"`
	PointsAwarded int64             `json:"points_awarded"`
}

func progressResponse(p leveling.Progress, t leveling.Transition) ProgressResponse {
	return ProgressResponse{
		Progress:      p,
		OldLevel:      t.OldLevel,
		NewLevel:      t.NewLevel,
		PointsAwarded: t.PointsAwarded,
	}
}

type addExpRequest struct {
	Amount int64 `json:"amount"`
}

// handleAddExp handles POST .../exp. Negative amounts remove experience.
func (s *Server) handleAddExp(w http.ResponseWriter, r *http.Request) {
	if s.deps.CreditExp == nil {
		notConfigured(w, "exp credit")
		return
	}
	key, err := member(r)
	if err != nil {
		s.writeDomainError(w, r, "add_exp", err)
		return
	}
	var req addExpRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, "add_exp", err)
		return
	}
	res, err := s.deps.CreditExp.Handle(r.Context(), command.CreditExpCommand{
		UserID:  key.UserID,
		GuildID: key.GuildID,
		Amount:  req.Amount,
		Source:  command.SourceAddExp,
	})
	if err != nil {
		s.writeDomainError(w, r, "add_exp", err)
		return
	}
	writeJSON(w, r, http.StatusOK, progressResponse(res.Progress, res.Transition))
}

type setLevelRequest struct {
	Level       int  `json:"level"`
	AwardPoints bool `json:"award_points"`
}

// handleSetLevel handles PUT .../level.
func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Levels == nil {
		notConfigured(w, "level admin")
		return
	}
	key, err := member(r)
	if err != nil {
		s.writeDomainError(w, r, "set_level", err)
		return
	}
	var req setLevelRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, "set_level", err)
		return
	}
	res, err := s.deps.Levels.SetLevel(r.Context(), command.SetLevelCommand{
		UserID:      key.UserID,
		GuildID:     key.GuildID,
		Level:       req.Level,
		AwardPoints: req.AwardPoints,
	})
	if err != nil {
		s.writeDomainError(w, r, "set_level", err)
		return
	}
	writeJSON(w, r, http.StatusOK, progressResponse(res.Progress, res.Transition))
}

type setLevelExpRequest struct {
	Exp int64 `json:"exp"`
}

// handleSetLevelExp handles PUT .../level-exp.
func (s *Server) handleSetLevelExp(w http.ResponseWriter, r *http.Request) {
	if s.deps.Levels == nil {
		notConfigured(w, "level admin")
		return
	}
	key, err := member(r)
	if err != nil {
		s.writeDomainError(w, r, "set_level_exp", err)
		return
	}
	var req setLevelExpRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, "set_level_exp", err)
		return
	}
	res, err := s.deps.Levels.SetLevelExp(r.Context(), command.SetLevelExpCommand{
		UserID:  key.UserID,
		GuildID: key.GuildID,
		Exp:     req.Exp,
	})
	if err != nil {
		s.writeDomainError(w, r, "set_level_exp", err)
		return
	}
	writeJSON(w, r, http.StatusOK, progressResponse(res.Progress, res.Transition))
}

type addLevelsRequest struct {
	Levels      int  `json:"levels"`
	AwardPoints bool `json:"award_points"`
}

// handleAddLevels handles POST .../levels.
func (s *Server) handleAddLevels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Levels == nil {
		notConfigured(w, "level admin")
		return
	}
	key, err := member(r)
	if err != nil {
		s.writeDomainError(w, r, "add_levels", err)
		return
	}
	var req addLevelsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, "add_levels", err)
		return
	}
	res, err := s.deps.Levels.AddLevels(r.Context(), command.AddLevelsCommand{
		UserID:      key.UserID,
		GuildID:     key.GuildID,
		Levels:      req.Levels,
		AwardPoints: req.AwardPoints,
	})
	if err != nil {
		s.writeDomainError(w, r, "add_levels", err)
		return
	}
	writeJSON(w, r, http.StatusOK, progressResponse(res.Progress, res.Transition))
}

type pointsRequest struct {
	// Mode is "add" (default) or "set".
	Mode   string `json:"mode"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type pointsResponse struct {
	Progress  leveling.Progress `json:"progress"`
	OldPoints int64             `json:"old_points"`
	Delta     int64             `json:"delta"`
}

// handleAdjustPoints handles POST .../points.
func (s *Server) handleAdjustPoints(w http.ResponseWriter, r *http.Request) {
	if s.deps.AdjustPoints == nil {
		notConfigured(w, "points admin")
		return
	}
	key, err := member(r)
	if err != nil {
		s.writeDomainError(w, r, "adjust_points", err)
		return
	}
	var req pointsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, "adjust_points", err)
		return
	}
	var mode leveling.PointsMode
	switch strings.ToLower(req.Mode) {
	case "", "add":
		mode = leveling.PointsAdd
	case "set":
		mode = leveling.PointsSet
	default:
		s.writeDomainError(w, r, "adjust_points",
			fmt.Errorf("%w: mode must be add or set", shared.ErrInvalidInput))
		return
	}
	res, err := s.deps.AdjustPoints.Handle(r.Context(), command.AdjustPointsCommand{
		UserID:  key.UserID,
		GuildID: key.GuildID,
		Mode:    mode,
		Amount:  req.Amount,
		Reason:  req.Reason,
	})
	if err != nil {
		s.writeDomainError(w, r, "adjust_points", err)
		return
	}
	writeJSON(w, r, http.StatusOK, pointsResponse{Progress: res.Progress, OldPoints: res.OldPoints, Delta: res.Delta()})
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN: GATING
// ══════════════════════════════════════════════════════════════════════════════

// handleToggleExclusion handles POST .../exclusion.
func (s *Server) handleToggleExclusion(w http.ResponseWriter, r *http.Request) {
	if s.deps.ToggleExclusion == nil {
		notConfigured(w, "exclusion list")
		return
	}
	key, err := member(r)
	if err != nil {
		s.writeDomainError(w, r, "toggle_exclusion", err)
		return
	}
	excluded, err := s.deps.ToggleExclusion.Handle(r.Context(), command.ToggleExclusionCommand{
		UserID:  key.UserID,
		GuildID: key.GuildID,
	})
	if err != nil {
		s.writeDomainError(w, r, "toggle_exclusion", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"excluded": excluded})
}

type warnRequest struct {
	Reason   string        `json:"reason"`
	IssuedBy shared.UserID `json:"issued_by"`
	Count    int           `json:"count"`
}

type warningResponse struct {
	Warnings     int                     `json:"warnings"`
	Changed      int                     `json:"changed"`
	PointsDelta  int64                   `json:"points_delta"`
	NewPoints    int64                   `json:"new_points"`
	Restrictions moderation.Restrictions `json:"restrictions"`
	SessionEnded bool                    `json:"session_ended"`
}

func toWarningResponse(res *command.WarningResult) warningResponse {
	return warningResponse{
		Warnings:     res.Warnings,
		Changed:      res.Changed,
		PointsDelta:  res.PointsDelta,
		NewPoints:    res.NewPoints,
		Restrictions: res.Restrictions,
		SessionEnded: res.SessionEnded,
	}
}

// handleWarn handles POST .../warnings.
func (s *Server) handleWarn(w http.ResponseWriter, r *http.Request) {
	if s.deps.Warnings == nil {
		notConfigured(w, "moderation")
		return
	}
	key, err := member(r)
	if err != nil {
		s.writeDomainError(w, r, "warn", err)
		return
	}
	req := warnRequest{Count: 1}
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, "warn", err)
		return
	}
	res, err := s.deps.Warnings.Warn(r.Context(), command.WarnMemberCommand{
		UserID:   key.UserID,
		GuildID:  key.GuildID,
		Reason:   req.Reason,
		IssuedBy: req.IssuedBy,
		Count:    req.Count,
	})
	if err != nil {
		s.writeDomainError(w, r, "warn", err)
		return
	}
	writeJSON(w, r, http.StatusOK, toWarningResponse(res))
}

// handlePardon handles DELETE .../warnings?count=.
func (s *Server) handlePardon(w http.ResponseWriter, r *http.Request) {
	if s.deps.Warnings == nil {
		notConfigured(w, "moderation")
		return
	}
	key, err := member(r)
	if err != nil {
		s.writeDomainError(w, r, "pardon", err)
		return
	}
	count, err := queryInt(r, "count", 1)
	if err != nil {
		s.writeDomainError(w, r, "pardon", err)
		return
	}
	res, err := s.deps.Warnings.Pardon(r.Context(), command.PardonMemberCommand{
		UserID:  key.UserID,
		GuildID: key.GuildID,
		Count:   count,
	})
	if err != nil {
		s.writeDomainError(w, r, "pardon", err)
		return
	}
	writeJSON(w, r, http.StatusOK, toWarningResponse(res))
}
