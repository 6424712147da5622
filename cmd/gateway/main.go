// Package main provides the Claude Code CLI API gateway entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/skhakirov/claude-code-cli-api/internal/alert"
	"github.com/skhakirov/claude-code-cli-api/internal/breaker"
	"github.com/skhakirov/claude-code-cli-api/internal/config"
	"github.com/skhakirov/claude-code-cli-api/internal/engine/claudecli"
	"github.com/skhakirov/claude-code-cli-api/internal/metrics"
	"github.com/skhakirov/claude-code-cli-api/internal/orchestrator"
	"github.com/skhakirov/claude-code-cli-api/internal/ratelimit"
	"github.com/skhakirov/claude-code-cli-api/internal/server"
	"github.com/skhakirov/claude-code-cli-api/internal/session"
	"github.com/skhakirov/claude-code-cli-api/internal/stream"
	"github.com/skhakirov/claude-code-cli-api/internal/tasks"
	"github.com/skhakirov/claude-code-cli-api/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

const sessionSweepInterval = 60 * time.Second

func main() {
	configPath := flag.String("config", "", "Config file path (default: ~/.claude-code-api/config.yaml)")
	listenAddr := flag.String("listen", "", "Listen address override")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	path := *configPath
	if path == "" {
		path = config.SettingsPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("Failed to load config")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if *debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := run(cfg, path); err != nil {
		log.Fatal().Err(err).Msg("Gateway exited with error")
	}
}

func run(cfg config.Config, configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session store, optionally backed by SQLite.
	var persister session.Persister
	if cfg.SessionDBPath != "" {
		store, err := session.OpenSQLite(cfg.SessionDBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		persister = store
	}
	sessions := session.New(cfg.SessionCacheMaxSize, cfg.SessionCacheTTL, persister)
	if persister != nil {
		if err := sessions.LoadPersisted(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to reload persisted sessions")
		}
	}
	sessions.StartSweeper(ctx, sessionSweepInterval)

	mtr, err := metrics.New()
	if err != nil {
		log.Warn().Err(err).Msg("Metrics unavailable")
	}

	tracker := tasks.New()
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	})
	limiter := ratelimit.New(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	pipeline := stream.New(stream.Config{
		StallTimeout:   cfg.MessageStallTimeout,
		CleanupTimeout: cfg.GeneratorCleanupTimeout,
	})
	alerts := alert.New(cfg.AlertWebhookURL, cfg.AlertWebhookTimeout, 0)
	eng := claudecli.New(claudecli.Config{})

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Engine:   eng,
		Sessions: sessions,
		Breaker:  brk,
		Limiter:  limiter,
		Pipeline: pipeline,
		Tracker:  tracker,
		Alerts:   alerts,
		Metrics:  mtr,
	})

	svc := server.New(Version, cfg, server.Deps{
		Orchestrator: orch,
		Sessions:     sessions,
		Breaker:      brk,
		Limiter:      limiter,
		Tracker:      tracker,
	})
	defer svc.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Config changes restart the process; the supervisor brings it back up
	// with fresh settings.
	cfgWatcher, err := watcher.New(configPath, func() {
		log.Info().Msg("Configuration changed, shutting down for restart")
		cancel()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		if err := cfgWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer cfgWatcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", Version).Msg("Gateway listening")
		svc.SetReady(true)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		case <-gctx.Done():
		}
		cancel()

		svc.SetReady(false)

		// Refuse new admissions immediately; requests arriving on live
		// keep-alive connections must not start work during the drain.
		tracker.StartDraining()

		// HTTP drain and task drain share one deadline so worst-case
		// shutdown stays bounded by shutdownTimeout.
		deadline := time.Now().Add(cfg.ShutdownTimeout)
		shutdownCtx, shutdownCancel := context.WithDeadline(context.Background(), deadline)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}

		if remaining := tracker.Shutdown(time.Until(deadline)); remaining > 0 {
			log.Warn().Int("remaining", remaining).Msg("Shutdown deadline reached with tasks still running")
		}
		return nil
	})

	return g.Wait()
}
