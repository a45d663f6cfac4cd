package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigild/vigild/internal/analysis"
	"github.com/vigild/vigild/internal/api"
	"github.com/vigild/vigild/internal/auth"
	"github.com/vigild/vigild/internal/channels"
	"github.com/vigild/vigild/internal/checklist"
	"github.com/vigild/vigild/internal/config"
	"github.com/vigild/vigild/internal/delivery"
	"github.com/vigild/vigild/internal/history"
	"github.com/vigild/vigild/internal/metrics"
	"github.com/vigild/vigild/internal/registry"
	"github.com/vigild/vigild/internal/runner"
	"github.com/vigild/vigild/internal/tools"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Starting vigild",
		"version", "1.0.0",
		"interval", cfg.Heartbeat.GetInterval(),
		"delivery_target", cfg.Delivery.Target,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics registry
	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	// Event hub and its logger
	events := channels.NewEventChannels(channels.EventChannelsConfig{
		CycleBufferSize: cfg.Events.CycleBufferSize,
	}, logger)
	defer events.Close()
	channels.StartCycleEventLogger(ctx, events, logger)

	// Tool registry
	reg := registry.New(logger)
	registerTools(cfg, reg, met, logger)

	// Optional cycle history
	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(ctx, cfg.History.Database.GetDSN(), logger)
		if err != nil {
			log.Fatalf("Failed to open cycle history: %v", err)
		}
		defer hist.Close()
		logger.Info("Cycle history enabled",
			"host", cfg.History.Database.Host,
			"dbname", cfg.History.Database.DBName,
		)
	}

	// Heartbeat runner
	hb := runner.New(runner.Deps{
		Config:   cfg,
		Registry: reg,
		Loader:   checklist.NewFileLoader(cfg.Checklist.Path),
		Analyzer: analysis.NewHTTPAnalyzer(
			cfg.Analysis.Endpoint,
			cfg.Analysis.APIKey(),
			cfg.Analysis.Model,
			cfg.Analysis.Sentinel,
			cfg.Analysis.GetTimeout(),
		),
		Deliverer: buildDeliverer(cfg),
		Memory:    buildMemorySink(cfg),
		Events:    events,
		History:   hist,
		Metrics:   met,
		Logger:    logger,
	})

	if *once {
		if err := hb.RunOnce(ctx); err != nil {
			logger.Error("Manual cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	hb.Start(ctx)
	defer hb.Stop()

	// Ops API
	var srv *http.Server
	if cfg.Server.Enabled {
		authService, err := auth.NewService(
			cfg.Auth.JWTSecret,
			cfg.Auth.AdminUsername,
			cfg.Auth.AdminPassword,
			cfg.Auth.GetJWTExpiry(),
		)
		if err != nil {
			log.Fatalf("Failed to initialize auth service: %v", err)
		}

		router := api.NewRouter(api.Deps{
			Config:   cfg,
			Auth:     authService,
			Runner:   hb,
			Registry: reg,
			History:  hist,
			Gatherer: promReg,
			Logger:   logger,
		})

		srv = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.GetReadTimeout(),
			WriteTimeout: cfg.Server.GetWriteTimeout(),
		}

		go func() {
			logger.Info("Ops server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Ops server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	hb.Stop()
	cancel()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		}
	}

	logger.Info("Stopped gracefully")
}

// registerTools builds every configured plugin and registers it. A duplicate
// id is a wiring mistake and aborts startup.
func registerTools(cfg *config.Config, reg *registry.Registry, met *metrics.Metrics, logger *slog.Logger) {
	if cfg.Tools.Vault.Path != "" {
		if err := reg.Register(tools.NewVaultTool(cfg.Tools.Vault)); err != nil {
			log.Fatalf("Failed to register vault tool: %v", err)
		}
	}

	for _, mc := range cfg.Tools.MCP {
		if err := reg.Register(tools.NewMCPTool(mc, met, logger)); err != nil {
			log.Fatalf("Failed to register mcp tool %s: %v", mc.ID, err)
		}
	}
}

func buildDeliverer(cfg *config.Config) delivery.Deliverer {
	switch cfg.Delivery.Target {
	case "webhook":
		return delivery.NewWebhook(cfg.Delivery.WebhookURL)
	case "memory":
		return delivery.NewMemory(cfg.Delivery.MemoryPath)
	default:
		return delivery.NewConsole()
	}
}

// buildMemorySink returns the secondary save-to-memory sink, nil when the
// feature is off.
func buildMemorySink(cfg *config.Config) delivery.Deliverer {
	if !cfg.Delivery.SaveToMemory {
		return nil
	}
	return delivery.NewMemory(cfg.Delivery.MemoryPath)
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
