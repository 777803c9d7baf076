package command

import (
	"context"
	"fmt"

	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CREDIT EXP COMMAND
// Adds experience to a member. Used by the accrual loop every interval and by
// administrators, who may also pass a negative amount.
// ══════════════════════════════════════════════════════════════════════════════

// CreditExpCommand contains the data to credit experience.
type CreditExpCommand struct {
	UserID  shared.UserID
	GuildID shared.GuildID

	// Amount is added to the lifetime total. Negative amounts are only
	// accepted from administrative sources.
	Amount int64

	// Source labels the level event. Defaults to SourceAddExp.
	Source string
}

// Validate validates the command.
func (c CreditExpCommand) Validate() error {
	if !c.UserID.IsValid() || !c.GuildID.IsValid() {
		return shared.ErrInvalidMember
	}
	if c.Amount == 0 {
		return shared.ErrInvalidExpDelta
	}
	if c.Source == SourceVoice && c.Amount < 0 {
		return fmt.Errorf("%w: voice credits must be positive", shared.ErrInvalidExpDelta)
	}
	return nil
}

// CreditExpResult contains the stored record and what changed.
type CreditExpResult struct {
	Progress   leveling.Progress
	Transition leveling.Transition
}

// CreditExpHandler handles the CreditExpCommand.
type CreditExpHandler struct {
	writer *ProgressWriter
}

// NewCreditExpHandler creates a new CreditExpHandler.
func NewCreditExpHandler(writer *ProgressWriter) *CreditExpHandler {
	return &CreditExpHandler{writer: writer}
}

// Handle executes the credit.
func (h *CreditExpHandler) Handle(ctx context.Context, cmd CreditExpCommand) (*CreditExpResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("credit_exp: %w", err)
	}
	if cmd.Source == "" {
		cmd.Source = SourceAddExp
	}

	key := shared.MemberKey{UserID: cmd.UserID, GuildID: cmd.GuildID}
	curve := h.writer.curve

	p, tr, err := h.writer.apply(ctx, key, cmd.Source, func(p leveling.Progress) (leveling.Progress, leveling.Transition, error) {
		next, tr := curve.ApplyCredit(p, cmd.Amount)
		return next, tr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("credit_exp: %w", err)
	}
	return &CreditExpResult{Progress: p, Transition: tr}, nil
}

// Credit applies one accrual interval. It is the accrual loop's entry point.
func (h *CreditExpHandler) Credit(ctx context.Context, key shared.MemberKey, amount int64) (leveling.Transition, error) {
	res, err := h.Handle(ctx, CreditExpCommand{
		UserID:  key.UserID,
		GuildID: key.GuildID,
		Amount:  amount,
		Source:  SourceVoice,
	})
	if err != nil {
		return leveling.Transition{}, err
	}
	return res.Transition, nil
}
