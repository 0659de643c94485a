// Package server provides the public entry point for initializing the
// triad coordination core: the message bus, the built-in triad agents, the
// persistent history store, the per-room mode registry, the task
// coordinator, and the HTTP API tying them together.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8787", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/triadlabs/triad/internal/agent"
	"github.com/triadlabs/triad/internal/api"
	"github.com/triadlabs/triad/internal/api/handlers"
	"github.com/triadlabs/triad/internal/bus"
	"github.com/triadlabs/triad/internal/config"
	"github.com/triadlabs/triad/internal/coord"
	"github.com/triadlabs/triad/internal/history"
	"github.com/triadlabs/triad/internal/modes"
	"github.com/triadlabs/triad/internal/telemetry"
)

// DefaultRoom is joined by the built-in agents at startup.
const DefaultRoom = "main"

// Server holds the initialized coordination core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Bus routes messages between agents in rooms.
	Bus *bus.Bus

	// History is the persistent room history and core memory store.
	History *history.Store

	// Coordinator is the wire-protocol task coordinator. Started by New;
	// its listen address is available via Coordinator.Addr().
	Coordinator *coord.Coordinator

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the HTTP server should listen on.
	Port int

	agents       []*agent.Agent
	shutdownTele func(context.Context) error
}

// New initializes all components from environment configuration and starts
// the coordinator and the built-in agents.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the coordination core with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := history.New(cfg.DataDir, history.WithMaxLen(cfg.HistoryMax))
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	log.Info().Str("dir", cfg.DataDir).Msg("history store opened")

	b := bus.New()
	registry := modes.NewRegistry()

	// Built-in agents: the triad plus the recorder that persists every
	// message it sees.
	recorder := agent.NewRecorder(store, "recorder")
	builtins := []*agent.Agent{
		recorder,
		agent.NewPlanner("planner"),
		agent.NewCritic("critic"),
		agent.NewExecutor("executor"),
	}
	for _, a := range builtins {
		a.Attach(b)
		if err := a.Start(); err != nil {
			return nil, fmt.Errorf("start agent %s: %w", a.Name(), err)
		}
		a.Join(DefaultRoom)
	}
	log.Info().Int("agents", len(builtins)).Str("room", DefaultRoom).Msg("built-in agents started")

	c := coord.New(
		coord.WithSweepInterval(cfg.Coordinator.SweepInterval),
		coord.WithHeartbeatInterval(cfg.Coordinator.HeartbeatInterval),
		coord.WithStaleAfter(cfg.Coordinator.StaleAfter),
	)
	if err := c.Start(cfg.CoordAddr); err != nil {
		store.Close()
		return nil, fmt.Errorf("start coordinator: %w", err)
	}
	log.Info().Str("addr", c.Addr()).Msg("task coordinator listening")

	h := handlers.New(b, store, registry, c, recorder)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Bus:          b,
		History:      store,
		Coordinator:  c,
		Config:       cfg,
		Port:         cfg.Port,
		agents:       builtins,
		shutdownTele: shutdown,
	}, nil
}

// Shutdown stops the coordinator, the built-in agents, the history store,
// and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Coordinator.Stop()
	for _, a := range s.agents {
		a.Stop()
	}
	if err := s.History.Close(); err != nil {
		log.Warn().Err(err).Msg("history store close failed")
	}
	return s.shutdownTele(ctx)
}
