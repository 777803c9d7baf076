package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voicexp/voicexp/internal/application/command"
	"github.com/voicexp/voicexp/internal/application/query"
	"github.com/voicexp/voicexp/internal/bootstrap"
	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/shared"
)

// memberFlags identifies the member a progress subcommand acts on.
type memberFlags struct {
	guild string
	user  string
}

func (f *memberFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.guild, "guild", "", "guild id")
	cmd.Flags().StringVar(&f.user, "user", "", "user id")
	_ = cmd.MarkFlagRequired("guild")
	_ = cmd.MarkFlagRequired("user")
}

func (f *memberFlags) key() (shared.MemberKey, error) {
	guildID, err := shared.ParseGuildID(f.guild)
	if err != nil {
		return shared.MemberKey{}, fmt.Errorf("--guild: %w", err)
	}
	userID, err := shared.ParseUserID(f.user)
	if err != nil {
		return shared.MemberKey{}, fmt.Errorf("--user: %w", err)
	}
	key := shared.MemberKey{UserID: userID, GuildID: guildID}
	if !key.IsValid() {
		return shared.MemberKey{}, shared.ErrInvalidMember
	}
	return key, nil
}

// withCore runs fn against a core opened from the environment.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, core *bootstrap.Core) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	core, err := bootstrap.NewCore(cmd.Context(), cfg, log, true)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(cmd.Context(), core)
}

func curveQuery(from, to int, rate float64) query.GetCurveTableQuery {
	return query.GetCurveTableQuery{From: from, To: to, ExpPerMinute: rate}
}

type progressOutput struct {
	Progress leveling.Progress `json:"progress"`
	OldLevel int               `json:"old_level"`
	NewLevel int               `json:"new_level"`
}

func transitionOutput(p leveling.Progress, t leveling.Transition) progressOutput {
	return progressOutput{Progress: p, OldLevel: t.OldLevel, NewLevel: t.NewLevel}
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

func newProgressCmd() *cobra.Command {
	progress := &cobra.Command{Use: "progress", Short: "Inspect and adjust member progress"}
	progress.AddCommand(
		newProgressShowCmd(),
		newProgressAddExpCmd(),
		newProgressSetLevelCmd(),
		newProgressSetExpCmd(),
		newProgressAddLevelsCmd(),
		newProgressPointsCmd(),
	)
	return progress
}

func newProgressShowCmd() *cobra.Command {
	var (
		member   memberFlags
		sessions int
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a member's level card",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := member.key()
			if err != nil {
				return err
			}
			return withCore(cmd, func(ctx context.Context, core *bootstrap.Core) error {
				res, err := core.LevelInfo.Handle(ctx, query.GetLevelInfoQuery{
					UserID:         key.UserID,
					GuildID:        key.GuildID,
					RecentSessions: sessions,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	member.bind(cmd)
	cmd.Flags().IntVar(&sessions, "sessions", 5, "recent sessions to include")
	return cmd
}

func newProgressAddExpCmd() *cobra.Command {
	var (
		member memberFlags
		amount int64
	)
	cmd := &cobra.Command{
		Use:   "add-exp",
		Short: "Add (or with a negative amount, remove) experience",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := member.key()
			if err != nil {
				return err
			}
			return withCore(cmd, func(ctx context.Context, core *bootstrap.Core) error {
				res, err := core.CreditExp.Handle(ctx, command.CreditExpCommand{
					UserID:  key.UserID,
					GuildID: key.GuildID,
					Amount:  amount,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), transitionOutput(res.Progress, res.Transition))
			})
		},
	}
	member.bind(cmd)
	cmd.Flags().Int64Var(&amount, "amount", 0, "experience delta")
	return cmd
}

func newProgressSetLevelCmd() *cobra.Command {
	var (
		member memberFlags
		level  int
		award  bool
	)
	cmd := &cobra.Command{
		Use:   "set-level",
		Short: "Set a member's level, keeping their in-level experience",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := member.key()
			if err != nil {
				return err
			}
			return withCore(cmd, func(ctx context.Context, core *bootstrap.Core) error {
				res, err := core.Levels.SetLevel(ctx, command.SetLevelCommand{
					UserID:      key.UserID,
					GuildID:     key.GuildID,
					Level:       level,
					AwardPoints: award,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), transitionOutput(res.Progress, res.Transition))
			})
		},
	}
	member.bind(cmd)
	cmd.Flags().IntVar(&level, "level", 0, "target level")
	cmd.Flags().BoolVar(&award, "award-points", false, "grant the points of every level crossed upward")
	return cmd
}

func newProgressSetExpCmd() *cobra.Command {
	var (
		member memberFlags
		exp    int64
	)
	cmd := &cobra.Command{
		Use:   "set-exp",
		Short: "Set a member's experience within the current level",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := member.key()
			if err != nil {
				return err
			}
			return withCore(cmd, func(ctx context.Context, core *bootstrap.Core) error {
				res, err := core.Levels.SetLevelExp(ctx, command.SetLevelExpCommand{
					UserID:  key.UserID,
					GuildID: key.GuildID,
					Exp:     exp,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), transitionOutput(res.Progress, res.Transition))
			})
		},
	}
	member.bind(cmd)
	cmd.Flags().Int64Var(&exp, "exp", 0, "experience within the level")
	return cmd
}

func newProgressAddLevelsCmd() *cobra.Command {
	var (
		member memberFlags
		levels int
		award  bool
	)
	cmd := &cobra.Command{
		Use:   "add-levels",
		Short: "Move a member up or down by a number of levels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := member.key()
			if err != nil {
				return err
			}
			return withCore(cmd, func(ctx context.Context, core *bootstrap.Core) error {
				res, err := core.Levels.AddLevels(ctx, command.AddLevelsCommand{
					UserID:      key.UserID,
					GuildID:     key.GuildID,
					Levels:      levels,
					AwardPoints: award,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), transitionOutput(res.Progress, res.Transition))
			})
		},
	}
	member.bind(cmd)
	cmd.Flags().IntVar(&levels, "levels", 0, "levels to move, negative moves down")
	cmd.Flags().BoolVar(&award, "award-points", false, "grant the points of every level crossed upward")
	return cmd
}

func newProgressPointsCmd() *cobra.Command {
	var (
		member memberFlags
		mode   string
		amount int64
		reason string
	)
	cmd := &cobra.Command{
		Use:   "points",
		Short: "Add to or set a member's points",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := member.key()
			if err != nil {
				return err
			}
			var pm leveling.PointsMode
			switch mode {
			case "add":
				pm = leveling.PointsAdd
			case "set":
				pm = leveling.PointsSet
			default:
				return errors.New("--mode must be add or set")
			}
			return withCore(cmd, func(ctx context.Context, core *bootstrap.Core) error {
				res, err := core.AdjustPoints.Handle(ctx, command.AdjustPointsCommand{
					UserID:  key.UserID,
					GuildID: key.GuildID,
					Mode:    pm,
					Amount:  amount,
					Reason:  reason,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"progress":   res.Progress,
					"old_points": res.OldPoints,
					"delta":      res.Delta(),
				})
			})
		},
	}
	member.bind(cmd)
	cmd.Flags().StringVar(&mode, "mode", "add", "add or set")
	cmd.Flags().Int64Var(&amount, "amount", 0, "points amount")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	return cmd
}
