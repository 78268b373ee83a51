// Command streamdub is the live dubbing stream worker. It reads a PCM audio
// feed, ships speech segments to the translation peer and writes the dubbed
// (or original, when the peer cannot keep up) audio downstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/streamdub/internal/app"
	"github.com/MrWong99/streamdub/internal/config"
	"github.com/MrWong99/streamdub/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "streamdub: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "streamdub: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// Logs go to stderr; stdout may carry the dubbed audio.
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("streamdub starting",
		"version", version,
		"config", *configPath,
		"stream_id", cfg.Peer.StreamID,
		"peer", cfg.Peer.URL,
		"codec", cfg.Peer.Codec,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		StreamID:       cfg.Peer.StreamID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, newCfg *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(newCfg.Server.LogLevel.Level())
			slog.Info("log level changed", "level", newCfg.Server.LogLevel)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg,
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(promhttp.HandlerFor(tel.Registry, promhttp.HandlerOpts{})),
		app.WithWatcher(watcher),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if ctx.Err() != nil {
		slog.Info("shutdown signal received, stopping")
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye", "status", application.Status().Pipeline)
	return code
}
