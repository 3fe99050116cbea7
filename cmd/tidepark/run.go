// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidepark/tidepark/internal/config"
	"github.com/tidepark/tidepark/internal/console"
	"github.com/tidepark/tidepark/internal/control"
	"github.com/tidepark/tidepark/internal/logging"
	"github.com/tidepark/tidepark/internal/observability"
	"github.com/tidepark/tidepark/internal/scripting"
	"github.com/tidepark/tidepark/internal/sim"
	"github.com/tidepark/tidepark/internal/xdg"
)

// Default park dimensions. The world is a collaborator for the plugin
// engine, not a full simulation, so these are not configurable yet.
const (
	parkWidth  = 128
	parkHeight = 128
)

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the park server (simulation, plugins, control socket)",
		Long: `Start the park server: the simulation tick loop, the JavaScript
plugin engine with hot reload, the interactive console on stdin, the unix
control socket, and the metrics endpoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd)
		},
	}

	// Flags mirror config keys; posflag layers them over the YAML file.
	cmd.Flags().String("plugins.dir", "", "plugin directory (default: XDG data dir)")
	cmd.Flags().Bool("plugins.hot_reload", true, "reload plugins when their files change")
	cmd.Flags().Int("sim.tick_ms", 25, "simulation tick interval in milliseconds")
	cmd.Flags().String("log.format", "json", "log format (json or text)")
	cmd.Flags().String("observability.addr", "", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("control.socket", "", "control unix socket path (empty = default)")

	return cmd
}

func runServer(cmd *cobra.Command) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.SetDefault("tidepark", version, cfg.Log.Format)

	slog.Info("starting tidepark",
		"plugin_dir", cfg.Plugins.Dir,
		"tick_ms", cfg.Sim.TickMS,
		"hot_reload", cfg.Plugins.HotReload,
	)

	if err := xdg.EnsureDir(cfg.Plugins.Dir); err != nil {
		return fmt.Errorf("failed to create plugin directory: %w", err)
	}

	world := sim.NewWorld("Tidepark", parkWidth, parkHeight)
	world.AddRide("Lazy River", 3.2, 1.1, 0.8)
	world.AddRide("Riptide", 7.9, 8.4, 5.1)

	loop := sim.NewLoop(world, time.Duration(cfg.Sim.TickMS)*time.Millisecond)

	// Engine output goes to the terminal and to a buffer the control
	// socket drains per eval request.
	capture := console.NewBuffer()
	sink := console.NewTee(console.NewWriter(os.Stdout, os.Stderr), capture)

	// Observability first so the engine can register its collectors.
	var obsServer *observability.Server
	opts := []scripting.Option{
		scripting.WithWorld(world),
		scripting.WithClock(loop.ClockMS),
	}
	if cfg.Observability.Addr != "" {
		obsServer = observability.NewServer(cfg.Observability.Addr, func() bool { return true })
		opts = append(opts, scripting.WithMetrics(scripting.NewMetrics(obsServer.Registry())))
	}
	if cfg.Plugins.HotReload {
		opts = append(opts, scripting.WithHotReload())
	}

	engine, err := scripting.NewEngine(sink, cfg.Plugins.Dir, cfg.Plugins.Ignore, opts...)
	if err != nil {
		return fmt.Errorf("failed to create script engine: %w", err)
	}

	// Load before the loop starts; from here on the engine is tick-thread
	// property and the loop owns it.
	if err := engine.LoadPlugins(); err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	loop.Attach(engine)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go loop.Run(ctx)

	// Control socket.
	var controlServer *control.Server
	if cfg.Control.Socket != "" {
		controlServer = control.NewServer(cfg.Control.Socket, engine, loop, capture, control.ShutdownFunc(cancel))
		if err := controlServer.Start(); err != nil {
			loop.Stop()
			return fmt.Errorf("failed to start control server: %w", err)
		}
	}

	// Metrics endpoint.
	if obsServer != nil {
		obsErrCh, err := obsServer.Start()
		if err != nil {
			loop.Stop()
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
	}

	// Interactive console on stdin. EOF just stops the pump; the server
	// keeps running for the control socket.
	go func() {
		interactive := console.NewInteractive(engine, os.Stdin, os.Stdout, "> ")
		if err := interactive.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("interactive console stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Tidepark started")
	// The loop owns the engine by now; read the published snapshot.
	slog.Info("tidepark ready", "plugins", len(engine.Snapshot().Plugins))

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")

	// The loop must stop before the engine closes: Close tears down the
	// interpreter heap the tick thread uses.
	loop.Stop()
	if err := engine.Close(); err != nil {
		slog.Warn("error closing script engine", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if controlServer != nil {
		if err := controlServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping control server", "error", err)
		}
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
