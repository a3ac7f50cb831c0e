// Package main is the entry point for issueforge: it wires the Store,
// Process Manager, Executor Registry, Per-Issue Lock, Event Bus, Worktree
// Manager, Orchestration Engine, Reconciler, Discovery Prober, and HTTP/SSE
// surface into one runnable binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/common/config"
	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/db"
	"github.com/kdlbs/issueforge/internal/discovery"
	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/events/bus"
	"github.com/kdlbs/issueforge/internal/executor"
	"github.com/kdlbs/issueforge/internal/httpapi"
	"github.com/kdlbs/issueforge/internal/lock"
	"github.com/kdlbs/issueforge/internal/orchestration"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/internal/reconciler"
	"github.com/kdlbs/issueforge/internal/store"
	"github.com/kdlbs/issueforge/internal/tracing"
	"github.com/kdlbs/issueforge/internal/worktree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: cfg.Server.ServiceName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting issueforge...", zap.String("service", cfg.Server.ServiceName))
	if cfg.Logging.Level == "debug" {
		if dump, err := cfg.DumpYAML(); err == nil {
			log.Debug("effective configuration", zap.String("yaml", string(dump)))
		}
	}

	tracing.SetServiceName(cfg.Server.ServiceName)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eventBus bus.EventBus
	if cfg.Events.NATSURL != "" {
		log.Info("connecting to NATS...", zap.String("url", cfg.Events.NATSURL))
		natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	typedBus := events.NewTypedBus(eventBus)

	pool, err := db.Provide(&cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer pool.Close()

	st, err := store.New(ctx, pool)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}

	procs := procmgr.NewManager(log,
		procmgr.WithKillTimeout(cfg.Agent.KillTimeout()),
		procmgr.WithAutoCleanupDelay(time.Duration(cfg.Agent.AutoCleanupDelaySeconds)*time.Second),
		procmgr.WithGCInterval(time.Duration(cfg.Agent.GCIntervalSeconds)*time.Second),
	)
	procs.StartGC()

	registry := executor.NewRegistry()
	registry.Register(executor.NewEchoExecutor(log))
	registry.Register(executor.NewCodexExecutor("codex", []string{"proto"}, cfg.Agent.EnvAllowlist, log))
	registry.Register(executor.NewMCPExecutor("mcp", "npx", []string{"-y", "@modelcontextprotocol/server-everything"}, nil, log))
	if cfg.Docker.Enabled {
		dockerExec, err := executor.NewDockerExecutor("codex-docker", cfg.Docker, "ghcr.io/openai/codex:latest", "codex", []string{"proto"}, log)
		if err != nil {
			log.Warn("docker executor unavailable, skipping registration", zap.Error(err))
		} else {
			registry.Register(dockerExec)
		}
	}

	locks := lock.NewManager(log,
		lock.WithMaxQueueDepth(cfg.Agent.MaxQueueDepth),
		lock.WithAcquireTimeout(time.Duration(cfg.Agent.LockAcquireTimeoutSeconds)*time.Second),
		lock.WithExecutionTimeout(time.Duration(cfg.Agent.LockExecutionTimeoutSeconds)*time.Second),
	)

	var worktrees *worktree.Manager
	if cfg.Worktree.Enabled {
		worktrees = worktree.New(cfg.Worktree.BasePath, log)
	}

	orch := orchestration.New(st, procs, registry, locks, typedBus, worktrees, cfg.Agent, cfg.Logging, log)

	recon := reconciler.New(st, procs, typedBus, time.Duration(cfg.Agent.ReconcileIntervalSeconds)*time.Second, log)
	if err := recon.Start(ctx); err != nil {
		log.Fatal("failed to start reconciler", zap.Error(err))
	}
	defer recon.Stop()

	prober := discovery.New(registry, st, discovery.DefaultCacheTTL, log)

	server := httpapi.New(st, orch, typedBus, prober, cfg.Server, cfg.Logging.Level, log)
	serverErrCh := server.Run()

	log.Info("issueforge ready",
		zap.Int("port", cfg.Server.Port),
		zap.Int("engine_types", len(registry.EngineTypes())),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			log.Error("http server exited unexpectedly", zap.Error(err))
		}
	}

	cancel()
	orch.CancelAll(context.Background())

	if err := server.Shutdown(30 * time.Second); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("issueforge stopped")
}
