package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicexp/voicexp/config"
	"github.com/voicexp/voicexp/internal/application/command"
	"github.com/voicexp/voicexp/internal/application/eventhandler"
	"github.com/voicexp/voicexp/internal/application/presence"
	"github.com/voicexp/voicexp/internal/application/query"
	"github.com/voicexp/voicexp/internal/domain/shared"
	"github.com/voicexp/voicexp/internal/domain/voice"
	redisstore "github.com/voicexp/voicexp/internal/infrastructure/persistence/redis"
	"github.com/voicexp/voicexp/internal/infrastructure/scheduler"
	"github.com/voicexp/voicexp/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/voicexp/voicexp/internal/interface/http"
	"github.com/voicexp/voicexp/internal/interface/http/handlers"
	"github.com/voicexp/voicexp/pkg/circuitbreaker"
	"github.com/voicexp/voicexp/pkg/logger"
)

// App is the long-running engine: Core plus presence tracking, the
// background jobs, the Redis boundary and the HTTP API.
type App struct {
	*Core

	Redis      *redisstore.Client
	Notifier   *redisstore.Notifier
	Registry   *presence.Registry
	Dispatcher *presence.Dispatcher
	Scheduler  *scheduler.Scheduler
	Server     *httpserver.Server
	Health     *handlers.CompositeHealthChecker

	subscriber    *redisstore.Subscriber
	resync        *jobs.ResyncVoiceJob
	closeDangling *jobs.CloseDanglingJob
}

// New wires the full engine. Nothing runs until Run is called.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (app *App, err error) {
	core, err := NewCore(ctx, cfg, log, true)
	if err != nil {
		return nil, err
	}
	app = &App{Core: core}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// Redis boundary
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Redis.Enabled {
		if err := app.connectRedis(ctx); err != nil {
			return nil, err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Presence
	// ─────────────────────────────────────────────────────────────────────────
	var (
		state    voice.StateReader
		recorder presence.StateRecorder
	)
	switch cfg.Presence.StateSource {
	case config.StateRedis:
		state = redisstore.NewVoiceState(app.Redis, core.Logger)
	default:
		book := presence.NewStateBook()
		state, recorder = book, book
	}

	app.Registry, err = presence.NewRegistry(presence.Deps{
		Policies:   core.Policies,
		State:      state,
		Crediter:   core.CreditExp,
		Audit:      core.Store.Sessions,
		Exclusions: core.Store.Exclusions,
		Gate:       core.Gate,
		Publisher:  core.Bus,
		Clock:      core.Clock,
		Logger:     core.Logger,
	}, presence.Config{
		Location:      cfg.App.Location,
		CreditTimeout: cfg.Presence.CreditTimeout,
	})
	if err != nil {
		return nil, err
	}
	app.Dispatcher = presence.NewDispatcher(app.Registry, recorder, core.Logger)

	if err := app.subscribeEvents(); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Jobs
	// ─────────────────────────────────────────────────────────────────────────
	if err := app.registerJobs(); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// HTTP
	// ─────────────────────────────────────────────────────────────────────────
	app.Health = app.healthChecker()
	if cfg.HTTP.Enabled {
		auth, err := handlers.NewAdminAuth(handlers.DefaultAdminKeyHeader, cfg.HTTP.AdminKeyHash)
		if err != nil {
			return nil, err
		}
		srvCfg := httpserver.DefaultConfig()
		srvCfg.Addr = cfg.HTTP.Addr
		srvCfg.RequestTimeout = cfg.HTTP.RequestTimeout

		app.Server = httpserver.NewServer(srvCfg, httpserver.Dependencies{
			Dispatcher:      app.Dispatcher,
			ActiveSessions:  query.NewGetActiveSessionsHandler(app.Registry, core.Clock, core.Logger),
			LevelInfo:       core.LevelInfo,
			Leaderboard:     core.Leaderboard,
			CurveTable:      core.CurveTable,
			CreditExp:       core.CreditExp,
			Levels:          core.Levels,
			AdjustPoints:    core.AdjustPoints,
			ToggleExclusion: command.NewToggleExclusionHandler(core.Store.Exclusions, core.Logger),
			Warnings:        command.NewWarningHandler(core.Store.Warnings, cfg.Warnings, core.Writer, app.Registry, core.Logger),
			Health:          app.Health,
			AdminAuth:       auth,
			Logger:          core.Logger,
		})
	}

	return app, nil
}

func (a *App) connectRedis(ctx context.Context) error {
	cfg := a.Config.Redis
	rc := redisstore.DefaultConfig()
	rc.Addr = cfg.Addr
	rc.Password = cfg.Password
	rc.DB = cfg.DB
	rc.PoolSize = cfg.PoolSize

	client, err := redisstore.NewClient(ctx, rc)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.Redis = client

	breaker := circuitbreaker.New("redis-notifier",
		circuitbreaker.WithFailureThreshold(cfg.BreakerThreshold),
		circuitbreaker.WithTimeout(cfg.BreakerTimeout),
		circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
			a.Logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}),
	)
	a.Notifier = redisstore.NewNotifier(client, breaker)
	a.subscriber = redisstore.NewSubscriber(client, a.Logger)
	a.Logger.Info("redis connected", slog.String("addr", cfg.Addr))
	return nil
}

// subscribeEvents forwards level changes and session lifecycle to Redis.
// Without Redis, level changes are only logged.
func (a *App) subscribeEvents() error {
	if a.Redis == nil {
		return a.Bus.Subscribe(shared.EventLevelChanged, func(event shared.Event) error {
			if e, ok := event.(shared.LevelChangedEvent); ok {
				a.Logger.Info("level changed",
					logger.UserID(e.UserID),
					logger.GuildID(e.GuildID),
					slog.Int("old_level", e.OldLevel),
					slog.Int("new_level", e.NewLevel))
			}
			return nil
		})
	}

	levels := eventhandler.NewOnLevelChangedHandler(a.Notifier, a.Policies, a.Clock, a.Logger,
		eventhandler.LevelChangedConfig{NotifyLevelDowns: a.Config.Presence.NotifyLevelDowns})
	if err := a.Bus.Subscribe(shared.EventLevelChanged, levels.Handle); err != nil {
		return err
	}

	mirror := eventhandler.NewOnSessionChangedHandler(redisstore.NewSessionMirror(a.Redis), a.Logger)
	if err := a.Bus.Subscribe(shared.EventSessionStarted, mirror.Handle); err != nil {
		return err
	}
	return a.Bus.Subscribe(shared.EventSessionEnded, mirror.Handle)
}

func (a *App) registerJobs() error {
	cfg := a.Config
	a.Scheduler = scheduler.NewScheduler(scheduler.Config{
		Logger: a.Logger,
		Clock:  a.Clock,
		Tick:   cfg.Scheduler.Tick,
	})
	a.resync = jobs.NewResyncVoiceJob(a.Registry, cfg.Scheduler.ResyncTimeout, a.Logger)
	a.closeDangling = jobs.NewCloseDanglingJob(a.Store.Sessions, a.Clock, a.Logger)

	if cfg.Scheduler.ResyncInterval > 0 {
		if err := a.Scheduler.Register(a.resync, scheduler.Every(cfg.Scheduler.ResyncInterval)); err != nil {
			return err
		}
	}
	if cfg.Policy.ReloadInterval > 0 {
		reload := jobs.NewReloadPoliciesJob(a.Policies, a.resync)
		if err := a.Scheduler.Register(reload, scheduler.Every(cfg.Policy.ReloadInterval)); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) healthChecker() *handlers.CompositeHealthChecker {
	health := handlers.NewCompositeHealthChecker(a.Config.App.Version)
	health.AddCheck("store", a.Store.Ping)
	if a.Redis != nil {
		health.AddCheck("redis", a.Redis.Ping)
		health.AddDetail("notifier_breaker", func() any { return a.Notifier.State().String() })
	}
	health.AddDetail("sessions", func() any {
		return map[string]int{"tracked": a.Registry.Len(), "running": a.Registry.Running()}
	})
	health.AddDetail("events", func() any { return a.Bus.Metrics() })
	health.AddDetail("jobs", func() any { return a.Scheduler.ListJobs() })
	return health
}

// ══════════════════════════════════════════════════════════════════════════════
// RUN
// ══════════════════════════════════════════════════════════════════════════════

// Run closes audit rows left by a previous process, adopts members already
// in voice, and then serves until ctx is cancelled. Sessions are torn down
// before it returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.closeDangling.Run(ctx); err != nil {
		return err
	}
	if a.Config.Presence.ResyncOnStart {
		if err := a.resync.Run(ctx); err != nil {
			a.Logger.Warn("startup resync incomplete", logger.Err(err))
		}
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Server != nil {
		g.Go(func() error { return a.Server.Run(gctx) })
	}
	if a.subscriber != nil {
		g.Go(func() error {
			err := a.subscriber.Run(gctx, func(ctx context.Context, change voice.PresenceChange) error {
				_, err := a.Dispatcher.Dispatch(ctx, change)
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	a.Logger.Info("voicexp running",
		slog.String("env", string(a.Config.App.Environment)),
		slog.String("store", a.Store.Driver),
		slog.String("state_source", a.Config.Presence.StateSource),
		slog.Bool("redis", a.Redis != nil),
		slog.Bool("http", a.Server != nil))

	runErr := g.Wait()
	return errors.Join(runErr, a.shutdown())
}

func (a *App) shutdown() error {
	a.Logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	var errs []error
	if err := a.Scheduler.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		errs = append(errs, err)
	}
	if err := a.Registry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.Config.App.ShutdownTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}

// Close releases the Redis client, the event bus and the store. Call it
// after Run returns.
func (a *App) Close() {
	a.Core.Close()
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("redis close failed", logger.Err(err))
		}
	}
}
