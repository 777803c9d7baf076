// Command voicexp runs the voice XP engine and its maintenance tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/voicexp/voicexp/config"
	"github.com/voicexp/voicexp/internal/bootstrap"
	"github.com/voicexp/voicexp/internal/infrastructure/policyfile"
	"github.com/voicexp/voicexp/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voicexp",
		Short:         "Voice presence experience engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newCurveCmd())
	root.AddCommand(newProgressCmd())
	root.AddCommand(newPolicyCmd())
	return root
}

// loadConfig reads the environment and builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Options{
		Output:    os.Stderr,
		Level:     logger.ParseLevel(cfg.Log.Level),
		Format:    logger.Format(cfg.LogFormat()),
		AddSource: cfg.Log.AddSource,
	}).With(slog.String("app", cfg.App.Name), slog.String("version", cfg.App.Version))
	return cfg, log, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVE
// ══════════════════════════════════════════════════════════════════════════════

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Track voice presence and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Run(ctx); err != nil {
				log.Error("stopped with error", logger.Err(err))
				return err
			}
			log.Info("stopped")
			return nil
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATE
// ══════════════════════════════════════════════════════════════════════════════

func newMigrateCmd() *cobra.Command {
	migrate := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, store *bootstrap.Store) error) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := bootstrap.OpenStore(cmd.Context(), cfg.Database, false, log)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd.Context(), store)
	}

	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store *bootstrap.Store) error {
				n, err := store.Migrate(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			})
		},
	})

	migrate.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert the newest migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store *bootstrap.Store) error {
				reverted, err := store.Rollback(ctx)
				if err != nil {
					return err
				}
				if !reverted {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "nothing to revert")
					return nil
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "reverted 1 migration")
				return nil
			})
		},
	})

	migrate.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store *bootstrap.Store) error {
				migrations, err := store.MigrationStatus(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
				for _, m := range migrations {
					applied := "-"
					if m.IsApplied {
						applied = m.AppliedAt.Format("2006-01-02 15:04:05")
					}
					_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.Name, applied)
				}
				return tw.Flush()
			})
		},
	})
	return migrate
}

// ══════════════════════════════════════════════════════════════════════════════
// CURVE
// ══════════════════════════════════════════════════════════════════════════════

func newCurveCmd() *cobra.Command {
	var (
		from, to int
		rate     float64
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "curve",
		Short: "Print the level curve from the policy file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			core, err := bootstrap.NewCore(cmd.Context(), cfg, log, false)
			if err != nil {
				return err
			}
			defer core.Close()

			table, err := core.CurveTable.Handle(curveQuery(from, to, rate))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), table)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
			_, _ = fmt.Fprintln(tw, "LEVEL\tTIER\tMULT\tREQUIRED\tCUMULATIVE\tPOINTS\tLEVEL TIME\tTOTAL TIME\t")
			for _, r := range table.Rows {
				_, _ = fmt.Fprintf(tw, "%d\t%d\t%.2f\t%d\t%d\t%d\t%s\t%s\t\n",
					r.Level, r.Tier, r.Multiplier, r.Required, r.Cumulative, r.Points, r.LevelTime, r.TotalTime)
			}
			_, _ = fmt.Fprintf(tw, "max level %d\t\t\t\t\t\t\t\t\n", table.MaxLevel)
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&from, "from", 1, "first level")
	cmd.Flags().IntVar(&to, "to", 20, "last level")
	cmd.Flags().Float64Var(&rate, "rate", 0, "experience per minute for time estimates")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// ══════════════════════════════════════════════════════════════════════════════

func newPolicyCmd() *cobra.Command {
	policy := &cobra.Command{Use: "policy", Short: "Inspect the policy file"}
	policy.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate a policy file without starting the engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := policyfile.Check(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			guilds := snap.Guilds()
			channels := 0
			for _, g := range guilds {
				channels += len(snap.Channels(g))
			}
			_, _ = fmt.Fprintf(out, "ok: %d guild(s), %d channel(s), %d tier(s)\n",
				len(guilds), channels, len(snap.Tiers()))
			return nil
		},
	})
	return policy
}
