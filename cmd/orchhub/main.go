// Command orchhub runs the orchestration hub: it boots a codex app-server,
// seeds the orchestrator conversation, and supervises sub-agents, the issue
// scheduler, and the dashboard until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/term"

	"github.com/Strob0t/OrchHub/internal/adapter/appserver"
	"github.com/Strob0t/OrchHub/internal/adapter/githubcli"
	orchhttp "github.com/Strob0t/OrchHub/internal/adapter/http"
	orchnats "github.com/Strob0t/OrchHub/internal/adapter/nats"
	"github.com/Strob0t/OrchHub/internal/adapter/otel"
	"github.com/Strob0t/OrchHub/internal/adapter/postgres"
	"github.com/Strob0t/OrchHub/internal/adapter/ws"
	"github.com/Strob0t/OrchHub/internal/artifact"
	"github.com/Strob0t/OrchHub/internal/bus"
	"github.com/Strob0t/OrchHub/internal/config"
	"github.com/Strob0t/OrchHub/internal/git"
	"github.com/Strob0t/OrchHub/internal/logger"
	asport "github.com/Strob0t/OrchHub/internal/port/appserver"
	ghport "github.com/Strob0t/OrchHub/internal/port/github"
	"github.com/Strob0t/OrchHub/internal/service"
)

const version = "0.2.0"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultConfigFile, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Hub.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
		cfg.Hub.Workspace = wd
	}

	// Seed context for the orchestrator comes from the positional arguments.
	seed := strings.Join(flag.Args(), " ")
	if seed == "" {
		seed = "No seed context provided. Await issues or operator instructions."
	}

	pretty := term.IsTerminal(int(os.Stderr.Fd()))
	log, logCloser := logger.New(cfg.Logging, os.Stderr, pretty)
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"workspace", cfg.Hub.Workspace,
		"autopilot", cfg.Hub.Autopilot,
		"dangerous", cfg.Hub.Dangerous,
		"wip_limit", cfg.Hub.WIPLimit,
		"github", cfg.GitHub.Enabled,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := otel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	// --- Infrastructure ---
	eventBus, err := bus.New(filepath.Join(cfg.Hub.Workspace, ".orch"), log)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer eventBus.Close()

	artifacts := artifact.NewStore(filepath.Join(cfg.Hub.Workspace, ".orch"))
	pool := git.NewPool(cfg.Git.MaxConcurrent)

	var gh ghport.Provider
	if cfg.GitHub.Enabled {
		client, err := githubcli.New(cfg.Hub.Workspace, pool)
		if err != nil {
			return fmt.Errorf("github client: %w", err)
		}
		defer client.Close()
		gh = client
	}

	// Optional NATS event mirror.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if cfg.NATS.URL != "" {
		queue, err := orchnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := queue.Drain(); err != nil {
				log.Warn("nats drain", "error", err)
			}
		}()
		go queue.MirrorEvents(runCtx, eventBus)
	}

	// Optional Postgres event log.
	if cfg.Postgres.DSN != "" {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		dbPool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer dbPool.Close()
		go postgres.RecordEvents(runCtx, postgres.NewEventStore(dbPool), eventBus, log)
		log.Info("event log enabled")
	}

	// Metrics ride the same event stream the mirrors do.
	if cfg.Telemetry.Endpoint != "" {
		metrics, err := otel.NewMetrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		go metrics.Observe(runCtx, eventBus)
	}

	// --- Hub ---
	proc := appserver.New(cfg.Codex.Binary, cfg.Hub.Workspace, log)
	app := asport.NewClient(proc, cfg.Hub.Dangerous, log)

	hub := service.New(*cfg, service.Deps{
		App:       app,
		Bus:       eventBus,
		Artifacts: artifacts,
		GitHub:    gh,
		Log:       log,
	})
	if err := hub.Start(ctx, seed); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Stop(stopCtx); err != nil {
			log.Warn("hub stop", "error", err)
		}
	}()

	// --- Dashboard ---
	var (
		srv   *http.Server
		wsHub *ws.Hub
	)
	if cfg.Server.Enabled {
		wsHub = ws.NewHub(hub, log)
		handlers := orchhttp.NewHandlers(hub, log)

		router := chi.NewRouter()
		orchhttp.MountRoutes(router, handlers, wsHub.HandleEvents)
		srv = orchhttp.NewServer(cfg.Server, router, cfg.Logging.Service)

		go func() {
			log.Info("dashboard listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("dashboard server", "error", err)
			}
		}()
	}

	// --- Shutdown ---
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	sig := <-done
	log.Info("shutting down", "signal", sig.String())

	cancelRun()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("dashboard shutdown", "error", err)
		}
	}
	if wsHub != nil {
		wsHub.CloseAll()
	}
	return nil
}
