package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/taskmill/taskmill/internal/config"
	"github.com/taskmill/taskmill/internal/logger"
	"github.com/taskmill/taskmill/pkg/decompose"
	"github.com/taskmill/taskmill/pkg/engine"
	"github.com/taskmill/taskmill/pkg/llm"
	"github.com/taskmill/taskmill/pkg/recovery"
	"github.com/taskmill/taskmill/pkg/router"
	"github.com/taskmill/taskmill/pkg/task"
	"github.com/taskmill/taskmill/pkg/toolserver"
)

// app wires one fully assembled engine stack for a CLI invocation.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	registry  *toolserver.ServerRegistry
	directory *toolserver.CapabilityDirectory
	router    *router.Router
	engine    *engine.Engine
	repo      *task.Repository
	monitor   *toolserver.HealthMonitor
}

// buildApp loads config, starts every configured server and assembles
// the engine. Callers own the returned app and must Close it.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: true,
	})
	if err != nil {
		return nil, err
	}
	zl := log.GetZerolog()

	directory := toolserver.NewCapabilityDirectory()
	registry := toolserver.NewServerRegistry(toolserver.RegistryConfig{
		HandshakeTimeout: cfg.Engine.HandshakeTimeout,
		CallTimeout:      cfg.Engine.CallTimeout,
		StopGrace:        cfg.Engine.StopGrace,
	}, directory, zl)

	for _, srv := range cfg.Servers {
		registry.Register(srv.Name, srv.Command, srv.Args, srv.Env)
		if err := registry.Start(ctx, srv.Name); err != nil {
			// A dead server should not block the rest of the run; the
			// router treats its tools as unavailable.
			zl.Warn().Err(err).Str("server", srv.Name).Msg("Server failed to start")
		}
	}

	static := router.DefaultStaticRoutes()
	for tool, server := range cfg.Routing.Static {
		static[tool] = server
	}
	rt := router.New(registry, directory, static, router.Config{
		ProbeMinInterval: cfg.Routing.ProbeMinInterval,
	}, zl)

	var monitor *toolserver.HealthMonitor
	if cfg.Health.Enabled {
		monitor = toolserver.NewHealthMonitor(registry, rt, zl)
		if err := monitor.Start(cfg.Health.Schedule); err != nil {
			registry.Close()
			log.Close()
			return nil, fmt.Errorf("start health monitor: %w", err)
		}
	}

	var repo *task.Repository
	if cfg.DataDir != "" {
		repo, err = task.OpenRepository(filepath.Join(cfg.DataDir, "taskmill.db"), zl)
		if err != nil {
			zl.Warn().Err(err).Msg("Task repository unavailable, running without persistence")
			repo = nil
		}
	}

	decisions := buildDecisions(cfg, zl)
	rec := recovery.NewEngine(decisions.selector, recovery.Config{
		BackoffBase: cfg.Engine.BackoffBase,
		BackoffCap:  cfg.Engine.BackoffCap,
	}, zl)
	dec := decompose.New(decisions.decomposePlanner, decisions.synthesizer, zl)

	eng := engine.New(engine.Config{
		MaxDepth:            cfg.Engine.MaxDepth,
		DefaultMaxRetries:   cfg.Engine.MaxRetries,
		MaxReportedFailures: cfg.Engine.MaxReportedFailures,
	}, rt, rec, dec, decisions.planner, decisions.params, decisions.validator, repo, zl)

	return &app{
		cfg:       cfg,
		log:       log,
		registry:  registry,
		directory: directory,
		router:    rt,
		engine:    eng,
		repo:      repo,
		monitor:   monitor,
	}, nil
}

// applyReloadedConfig re-validates a config picked up from disk while
// a run is in flight. Servers and the engine are wired at startup, so
// the logging level is the only setting that takes effect immediately;
// everything else applies on the next invocation.
func (a *app) applyReloadedConfig(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		a.log.Warn().Err(err).Msg("Reloaded config is invalid, keeping the previous one")
		return
	}
	if logLevel == "" {
		if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	a.log.Info().Str("level", cfg.Logging.Level).Msg("Config reloaded")
}

// decisionPorts groups the pluggable decision implementations. Nil
// fields mean the deterministic fallbacks.
type decisionPorts struct {
	planner          engine.Planner
	params           engine.ParameterGenerator
	validator        engine.GoalValidator
	selector         recovery.Selector
	decomposePlanner decompose.Planner
	synthesizer      decompose.Synthesizer
}

func buildDecisions(cfg *config.Config, zl zerolog.Logger) decisionPorts {
	if cfg.LLM.Provider == "" || cfg.LLM.APIKey == "" {
		zl.Info().Msg("No LLM credentials, using deterministic decisions")
		return decisionPorts{}
	}

	profile := llm.Profile{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}
	provider, err := llm.NewProvider(profile)
	if err != nil {
		zl.Warn().Err(err).Msg("LLM provider unavailable, using deterministic decisions")
		return decisionPorts{}
	}

	d := llm.NewDecisions(provider, profile, zl)
	return decisionPorts{
		planner:          d,
		params:           d,
		validator:        d,
		selector:         d,
		decomposePlanner: d,
		synthesizer:      d,
	}
}

func (a *app) Close() {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if err := a.registry.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Error stopping servers")
	}
	if a.repo != nil {
		a.repo.Close()
	}
	a.log.Close()
}
