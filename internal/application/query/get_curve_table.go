package query

import (
	"fmt"
	"math"
	"time"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET CURVE TABLE QUERY
// Experience requirements per level, with the voice time each level costs
// at a given earning rate.
// ══════════════════════════════════════════════════════════════════════════════

// GetCurveTableQuery contains the query parameters.
type GetCurveTableQuery struct {
	From int
	To   int

	// ExpPerMinute, when positive, adds time estimates.
	ExpPerMinute float64
}

// CurveRowDTO is one level of the table.
type CurveRowDTO struct {
	Level      int     `json:"level"`
	Tier       int     `json:"tier"`
	Multiplier float64 `json:"multiplier"`
	Required   int64   `json:"required"`
	Cumulative int64   `json:"cumulative"`
	Points     int64   `json:"points"`
	LevelTime  string  `json:"level_time,omitempty"`
	TotalTime  string  `json:"total_time,omitempty"`
}

// GetCurveTableResult contains the rows.
type GetCurveTableResult struct {
	MaxLevel int           `json:"max_level"`
	Rows     []CurveRowDTO `json:"rows"`
}

// GetCurveTableHandler handles the query.
type GetCurveTableHandler struct {
	curve *leveling.Curve
}

// NewGetCurveTableHandler creates a new handler.
func NewGetCurveTableHandler(curve *leveling.Curve) *GetCurveTableHandler {
	return &GetCurveTableHandler{curve: curve}
}

// Handle executes the query. From and To default to 1 and 20 and clamp to the curve.
func (h *GetCurveTableHandler) Handle(q GetCurveTableQuery) (*GetCurveTableResult, error) {
	if q.From == 0 {
		q.From = 1
	}
	if q.To == 0 {
		q.To = q.From + 19
	}
	if q.To < q.From {
		return nil, fmt.Errorf("get_curve_table: %w: to must not be below from", shared.ErrInvalidInput)
	}
	if q.ExpPerMinute < 0 {
		return nil, fmt.Errorf("get_curve_table: %w: exp per minute must not be negative", shared.ErrInvalidInput)
	}

	rows := h.curve.Table(q.From, q.To)
	res := &GetCurveTableResult{MaxLevel: h.curve.MaxLevel(), Rows: make([]CurveRowDTO, 0, len(rows))}
	for _, r := range rows {
		dto := CurveRowDTO{
			Level:      r.Level,
			Tier:       r.Tier,
			Multiplier: r.Multiplier,
			Required:   r.Required,
			Cumulative: r.Cumulative,
			Points:     r.Points,
		}
		if q.ExpPerMinute > 0 {
			dto.LevelTime = estimate(float64(r.Required), q.ExpPerMinute)
			dto.TotalTime = estimate(float64(r.Cumulative)+float64(r.Required), q.ExpPerMinute)
		}
		res.Rows = append(res.Rows, dto)
	}
	return res, nil
}

// estimate renders how long exp takes at rate, or "∞" past what a Duration holds.
func estimate(exp, rate float64) string {
	minutes := math.Ceil(exp / rate)
	if minutes > float64(math.MaxInt64/int64(time.Minute)) {
		return "∞"
	}
	return timeutil.FormatDuration(time.Duration(minutes) * time.Minute)
}
