// Package server provides the public entry point for initializing the
// ModelRelay gateway.
//
// This package exists in pkg/ (not internal/) so that embedders can compose
// the gateway with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/api/handlers"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/executor"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/security"
	"github.com/modelrelay/modelrelay/internal/telemetry"
	"github.com/modelrelay/modelrelay/internal/tooling"
)

// diagnosticsCapacity bounds the in-memory diagnostics ring.
const diagnosticsCapacity = 200

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Security is the policy engine. Exposed so embedders can register
	// overrides or inspect keys programmatically.
	Security *security.Manager

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes the gateway from environment configuration. Background
// loops (override sweeper, upstream health probes, config watcher) run until
// ctx is done.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	sink := diag.NewRecorder(diagnosticsCapacity)
	stats := metrics.New()

	sec, err := security.NewManager(cfg.Security.Path, cfg.Security.FallbackAPIKey, sink, stats)
	if err != nil {
		return nil, fmt.Errorf("load security policy: %w", err)
	}

	upstreams := registry.NewUpstreamRegistry(cfg.Registry.UpstreamsPath, sink)
	if err := upstreams.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load upstreams: %w", err)
	}

	tools := registry.NewToolRegistry(cfg.Registry.ToolsPath)
	if err := tools.Reload(); err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}

	agents := registry.NewAgentRegistry(cfg.Registry.AgentsPath, cfg.Registry.DropinDir, upstreams, tools, sec, sink, stats)
	if err := agents.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	dispatcher := tooling.NewDispatcher(tools, sec, sink, stats)
	tooling.RegisterBuiltins(dispatcher)

	exec := executor.New(agents, upstreams, tools, dispatcher, sec, sink, stats)

	h := handlers.New(cfg, exec, agents, upstreams, tools, sec, dispatcher, sink, stats)
	router := api.NewRouter(h, sec, stats)

	sec.StartSweeper(ctx, cfg.Security.SweepEvery)
	upstreams.StartHealthLoop(ctx, cfg.Registry.HealthEvery)

	if cfg.Registry.AutoReload {
		// Agents resolve against upstreams and tools, so a change to either
		// re-validates the agent snapshot too.
		targets := map[string]func() error{
			cfg.Registry.AgentsPath: func() error { return agents.Reload(ctx) },
			cfg.Registry.UpstreamsPath: func() error {
				if err := upstreams.Reload(ctx); err != nil {
					return err
				}
				return agents.Reload(ctx)
			},
			cfg.Registry.ToolsPath: func() error {
				if err := tools.Reload(); err != nil {
					return err
				}
				return agents.Reload(ctx)
			},
			cfg.Security.Path: sec.Reload,
		}
		if cfg.Registry.DropinDir != "" {
			targets[cfg.Registry.DropinDir] = func() error { return agents.Reload(ctx) }
		}
		go func() {
			if err := registry.Watch(ctx, targets); err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	log.Info().
		Int("agents", len(agents.List())).
		Int("upstreams", len(upstreams.List())).
		Int("tools", len(tools.List())).
		Bool("open_mode", sec.OpenMode()).
		Msg("✅ Gateway initialized")

	return &Server{
		Handler:      router,
		Security:     sec,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
