package leveling

import (
	"context"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// UpdateFunc computes the next record from the snapshot read inside the
// transaction. Returning an error aborts the transaction.
type UpdateFunc func(p *Progress) error

// RankBy selects the leaderboard ordering.
type RankBy string

const (
	RankByPoints   RankBy = "points"
	RankByLevel    RankBy = "level"
	RankByTotalExp RankBy = "total_exp"
)

// Valid reports whether r is a known ordering.
func (r RankBy) Valid() bool {
	switch r {
	case RankByPoints, RankByLevel, RankByTotalExp:
		return true
	}
	return false
}

// Repository is the durable progress store.
//
// Update is the only write path. Implementations read the row under a write
// lock, create it with NewProgress when missing, apply fn, and persist the
// result in one transaction. Lock and serialization failures are returned
// wrapping shared.ErrStoreContention so callers can retry the whole cycle.
type Repository interface {
	// GetOrCreate returns the record, creating it on first sight.
	GetOrCreate(ctx context.Context, key shared.MemberKey) (Progress, error)

	// Find returns shared.ErrProgressNotFound for unknown members.
	Find(ctx context.Context, key shared.MemberKey) (Progress, error)

	// Update runs fn in a read-modify-write transaction and returns the stored record.
	Update(ctx context.Context, key shared.MemberKey, fn UpdateFunc) (Progress, error)

	// Top returns up to limit records of a guild ordered by the given field.
	Top(ctx context.Context, guildID shared.GuildID, by RankBy, limit int) ([]Progress, error)
}
