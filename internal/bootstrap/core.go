package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicexp/voicexp/config"
	"github.com/voicexp/voicexp/internal/application/command"
	"github.com/voicexp/voicexp/internal/application/query"
	"github.com/voicexp/voicexp/internal/domain/leveling"
	"github.com/voicexp/voicexp/internal/domain/moderation"
	"github.com/voicexp/voicexp/internal/infrastructure/messaging"
	"github.com/voicexp/voicexp/internal/infrastructure/policyfile"
	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

// Core is everything needed to read and write progress without tracking
// voice: the store, the policies, the curve and the command handlers.
type Core struct {
	Config   *config.Config
	Logger   *slog.Logger
	Clock    timeutil.Clock
	Store    *Store
	Policies *policyfile.Store
	Curve    *leveling.Curve
	Bus      *messaging.InMemoryEventBus
	Gate     *moderation.Gate
	Writer   *command.ProgressWriter

	CreditExp    *command.CreditExpHandler
	Levels       *command.LevelHandler
	AdjustPoints *command.AdjustPointsHandler
	LevelInfo    *query.GetLevelInfoHandler
	Leaderboard  *query.GetLeaderboardHandler
	CurveTable   *query.GetCurveTableHandler
}

// NewCore opens the store and loads the policy file. migrate controls
// postgres migrations.
func NewCore(ctx context.Context, cfg *config.Config, log *slog.Logger, migrate bool) (*Core, error) {
	log = logger.OrDefault(log)

	policies, err := policyfile.Open(cfg.Policy.Path, log)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	curve, err := leveling.NewCurve(policies.Snapshot().CurveConfig())
	if err != nil {
		return nil, fmt.Errorf("build curve: %w", err)
	}

	store, err := OpenStore(ctx, cfg.Database, migrate, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clock := timeutil.SystemClock{}
	bus := messaging.NewInMemoryEventBus(messaging.Config{
		AsyncMode:      cfg.Events.Async,
		WorkerPoolSize: cfg.Events.Workers,
		Logger:         log,
	})
	gate := moderation.NewGate(store.Warnings, cfg.Warnings)
	writer := command.NewProgressWriter(store.Progress, curve, bus, command.WriterConfig{
		Clock:  clock,
		Logger: log,
	})

	return &Core{
		Config:       cfg,
		Logger:       log,
		Clock:        clock,
		Store:        store,
		Policies:     policies,
		Curve:        curve,
		Bus:          bus,
		Gate:         gate,
		Writer:       writer,
		CreditExp:    command.NewCreditExpHandler(writer),
		Levels:       command.NewLevelHandler(writer),
		AdjustPoints: command.NewAdjustPointsHandler(writer),
		LevelInfo: query.NewGetLevelInfoHandler(query.LevelInfoDeps{
			Repo:       store.Progress,
			Curve:      curve,
			Tiers:      policies,
			Gate:       gate,
			Exclusions: store.Exclusions,
			Audit:      store.Sessions,
			Logger:     log,
		}),
		Leaderboard: query.NewGetLeaderboardHandler(store.Progress, policies),
		CurveTable:  query.NewGetCurveTableHandler(curve),
	}, nil
}

// Close drains the event bus and closes the store.
func (c *Core) Close() {
	if err := c.Bus.Close(); err != nil {
		c.Logger.Warn("event bus close failed", logger.Err(err))
	}
	c.Store.Close()
}
