// Command agentd runs the agent orchestration daemon: registry, memory
// store, loop/delegation scheduling and the HTTP gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wesheets/personal-ai-agent/internal/agent"
	"github.com/wesheets/personal-ai-agent/internal/audit"
	"github.com/wesheets/personal-ai-agent/internal/bus"
	"github.com/wesheets/personal-ai-agent/internal/config"
	"github.com/wesheets/personal-ai-agent/internal/cron"
	"github.com/wesheets/personal-ai-agent/internal/delegate"
	"github.com/wesheets/personal-ai-agent/internal/doctor"
	"github.com/wesheets/personal-ai-agent/internal/engine"
	"github.com/wesheets/personal-ai-agent/internal/gateway"
	agentotel "github.com/wesheets/personal-ai-agent/internal/otel"
	"github.com/wesheets/personal-ai-agent/internal/persistence"
	"github.com/wesheets/personal-ai-agent/internal/telemetry"
)

const version = agentotel.Version

func main() {
	var (
		dbPath    = flag.String("db", "", "path to the sqlite database (default <home>/agentd.db)")
		bindAddr  = flag.String("bind", "", "listen address (overrides config)")
		quiet     = flag.Bool("quiet", false, "suppress stdout logging")
		runDoctor = flag.Bool("doctor", false, "run environment diagnostics and exit")
	)
	flag.Parse()

	if *runDoctor {
		os.Exit(diagnose())
	}
	if err := run(*dbPath, *bindAddr, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func diagnose() int {
	cfg, err := config.Load()
	var cfgPtr *config.Config
	if err == nil {
		cfgPtr = &cfg
	} else {
		fmt.Fprintln(os.Stderr, "agentd: config load failed:", err)
	}
	d := doctor.Run(context.Background(), cfgPtr, version)
	for _, result := range d.Results {
		fmt.Printf("%-4s %-12s %s\n", result.Status, result.Name, result.Message)
		if result.Detail != "" {
			fmt.Printf("     %12s %s\n", "", result.Detail)
		}
	}
	if !d.Healthy() {
		return 1
	}
	return 0
}

func run(dbPath, bindAddr string, quiet bool) error {
	// Config load is never fatal: a missing or broken config.yaml falls
	// back to defaults so the daemon always starts.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentd: config load failed, using defaults:", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	defer audit.Close()

	logger.Info("agentd starting",
		"home", cfg.HomeDir,
		"bind", cfg.BindAddr,
		"config_fingerprint", cfg.Fingerprint(),
		"max_loops_per_task", cfg.Caps.MaxLoopsPerTask,
		"max_delegation_depth", cfg.Caps.MaxDelegationDepth)
	if cfg.NeedsInit {
		logger.Info("no config.yaml found; running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := agentotel.Init(ctx, agentotel.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := agentotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()

	if dbPath == "" {
		dbPath = filepath.Join(cfg.HomeDir, "agentd.db")
	}
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	registry, err := agent.New(ctx, store, eventBus, logger, cfg.Agents)
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}

	provider := engine.NewOpenAIProvider(cfg.Inference)
	runEngine := engine.NewRunEngine(registry, store, provider, eventBus, logger, metrics, cfg.Inference.Model)
	loopScheduler := engine.NewLoopScheduler(registry, store, provider, cfg.Caps, eventBus, logger, metrics, cfg.Inference.Model)
	delegateManager := delegate.NewManager(registry, store, runEngine, cfg.Caps, eventBus, logger, metrics)

	retention := cron.NewRetentionScheduler(store, cfg.Retention, cfg.RetentionCronSpec, logger)
	if err := retention.Start(); err != nil {
		return fmt.Errorf("start retention scheduler: %w", err)
	}
	defer retention.Stop()

	// Caps are read-only after load; the watcher just tells the operator a
	// restart is needed when config.yaml changes.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config.yaml changed on disk; restart agentd to apply")
			}
		}()
	}

	server := gateway.New(gateway.Config{
		Store:             store,
		Registry:          registry,
		Run:               runEngine,
		Loop:              loopScheduler,
		Delegate:          delegateManager,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	return nil
}
