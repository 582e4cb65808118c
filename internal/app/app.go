// Package app builds the mech components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/rand/mech/internal/budget"
	"github.com/rand/mech/internal/config"
	"github.com/rand/mech/internal/mech"
	"github.com/rand/mech/internal/mech/meta"
	"github.com/rand/mech/internal/observability"
	"github.com/rand/mech/internal/pipeline"
	"github.com/rand/mech/internal/provider"
	"github.com/rand/mech/internal/resilience"
	"github.com/rand/mech/internal/running"
	"github.com/rand/mech/internal/tools"
)

// App holds every long-lived component.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Providers *provider.Registry
	Catalog   *budget.Catalog
	Budget    *budget.Manager
	Breakers  *resilience.Set
	Metrics   *observability.Metrics
	Sink      observability.Sink
	Pipeline  *pipeline.Pipeline
	Tracker   *running.Tracker

	// Tools are the agent's own tools: shell and MCP servers.
	Tools *tools.Registry

	State   *mech.State
	Rotator *mech.Rotator
	Meta    *meta.Agent

	cleanupFuncs []func() error
}

// Options adjust New.
type Options struct {
	Logger *slog.Logger

	// Sinks receive every message in addition to the configured ones.
	Sinks []observability.Sink

	// Providers replaces the registry built from config.
	Providers *provider.Registry
}

// New builds an App. On error every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.Metrics = observability.NewMetrics(nil)
	if err := app.initSink(opts.Sinks); err != nil {
		return nil, err
	}

	app.Providers = opts.Providers
	if app.Providers == nil {
		if app.Providers, err = provider.Build(cfg.Providers, logger); err != nil {
			return nil, fmt.Errorf("build providers: %w", err)
		}
	}

	app.Catalog = budget.NewCatalog()
	if cfg.Models.Embedded {
		app.Catalog.Merge(budget.EmbeddedCatalog())
	}
	for _, e := range cfg.Models.Entries {
		app.Catalog.Add(e)
	}

	app.Budget = budget.NewManager(budget.ManagerConfig{
		Catalog:     app.Catalog,
		Limits:      cfg.Budget.Limits,
		Quotas:      cfg.Quota,
		Enforcement: cfg.Budget.Enforcement,
		Sink:        app.Sink,
		Logger:      logger,
	})

	breakerCfg := cfg.Mech.Breaker
	breakerCfg.OnStateChange = func(model string, from, to resilience.State) {
		logger.Info("circuit breaker state changed", "model", model, "from", from, "to", to)
		app.Metrics.RecordBreaker(model, int(to), to == resilience.StateOpen)
	}
	app.Breakers = resilience.NewSet(breakerCfg)

	app.Tracker = running.NewTracker(running.Config{
		Sink:    app.Sink,
		Logger:  logger,
		Metrics: app.Metrics,
	})

	app.Pipeline = pipeline.New(app.Providers,
		pipeline.WithLogger(logger),
		pipeline.WithSink(app.Sink),
		pipeline.WithUsageRecorder(app.Budget),
		pipeline.WithGate(app.Budget),
		pipeline.WithMetrics(app.Metrics),
		pipeline.WithRetry(cfg.Pipeline.Retry),
	)

	if err := app.initTools(ctx); err != nil {
		return nil, err
	}
	if err := app.initMech(); err != nil {
		return nil, err
	}
	return app, nil
}

func (app *App) initSink(extra []observability.Sink) error {
	sinks := slices.Clone(extra)

	if path := app.Config.Telemetry.EventLog; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		ls := observability.NewLogSink(observability.WithWriter(f))
		sinks = append(sinks, ls)
		app.cleanupFuncs = append(app.cleanupFuncs, ls.Close)
	}

	if key := app.Config.Telemetry.PostHogKey; key != "" {
		ph, err := observability.NewPostHogSink(observability.PostHogConfig{
			APIKey:   key,
			Endpoint: app.Config.Telemetry.PostHogEndpoint,
			Logger:   app.Logger,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		sinks = append(sinks, ph)
		app.cleanupFuncs = append(app.cleanupFuncs, ph.Close)
	}

	if len(sinks) == 0 {
		app.Sink = observability.Discard
		return nil
	}
	app.Sink = observability.NewFanoutSink(sinks...)
	return nil
}

func (app *App) initTools(ctx context.Context) error {
	app.Tools = tools.NewRegistry().WithLogger(app.Logger)

	if sh := app.Config.Shell; sh.Enabled {
		tool := tools.Shell(sh.ShellConfig)
		if sh.Background {
			tool = running.Background(app.Tracker, tool, mech.DefaultAgentID)
		}
		app.Tools.Add(tool)
	}

	for _, sc := range app.Config.MCPServers {
		srv, err := tools.ConnectMCP(ctx, sc, app.Logger)
		if err != nil {
			return fmt.Errorf("mcp server %s: %w", sc.Name, err)
		}
		app.cleanupFuncs = append(app.cleanupFuncs, srv.Close)

		list, err := srv.Tools(ctx)
		if err != nil {
			return fmt.Errorf("mcp server %s: list tools: %w", sc.Name, err)
		}
		for _, t := range list {
			app.Tools.Add(t)
		}
		app.Logger.Info("mcp server connected", "server", sc.Name, "tools", len(list))
	}
	return nil
}

func (app *App) initMech() error {
	cfg := app.Config.Mech

	models := cfg.Models
	if len(models) == 0 {
		models = app.ServableModels()
	}
	state, err := mech.NewState(mech.StateConfig{
		Models:        models,
		Scores:        app.scores(models),
		Disabled:      cfg.DisabledModels,
		MetaFrequency: cfg.MetaFrequency,
		ThoughtDelay:  cfg.ThoughtDelay,
	})
	if err != nil {
		return fmt.Errorf("mech state: %w", err)
	}
	app.State = state
	app.Rotator = mech.NewRotator(state, mech.RotatorConfig{
		Breakers:      app.Breakers,
		RepeatPenalty: cfg.RepeatPenalty,
		Metrics:       app.Metrics,
	})

	settings := app.Config.Pipeline.Settings
	app.Meta, err = meta.New(meta.Config{
		Requester:    app.Pipeline,
		State:        state,
		Rotator:      app.Rotator,
		Models:       cfg.MetaModels,
		Settings:     settings,
		SystemPrompt: cfg.MetaPrompt,
		Sink:         app.Sink,
		Logger:       app.Logger,
	})
	if err != nil {
		return fmt.Errorf("meta-cognition: %w", err)
	}
	return nil
}

// scores seeds each model with its catalog score, then applies the
// configured overrides.
func (app *App) scores(models []string) map[string]int {
	out := make(map[string]int)
	for _, m := range models {
		if e, err := app.Catalog.FindModel(m); err == nil && e.Score > 0 {
			out[m] = e.Score
		}
	}
	for m, s := range app.Config.Mech.Scores {
		out[m] = s
	}
	return out
}

// ServableModels returns the catalog models some configured provider
// resolves.
func (app *App) ServableModels() []string {
	var out []string
	for _, e := range app.Catalog.Models() {
		if app.Providers.Has(e.ID) {
			out = append(out, e.ID)
		}
	}
	return out
}

// Close releases resources in reverse order of acquisition.
func (app *App) Close() error {
	var errs []error
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.cleanupFuncs = nil
	return errors.Join(errs...)
}
