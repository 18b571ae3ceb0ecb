package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/auth"
	"github.com/druidia-bot/dotbot/internal/bus"
	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/dot"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/llm/providers"
	"github.com/druidia-bot/dotbot/internal/memory"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/pipeline"
	"github.com/druidia-bot/dotbot/internal/scheduler"
	"github.com/druidia-bot/dotbot/internal/tailor"
	"github.com/druidia-bot/dotbot/internal/tasks"
	"github.com/druidia-bot/dotbot/internal/transport"
	"github.com/druidia-bot/dotbot/internal/updater"
	"github.com/druidia-bot/dotbot/internal/vault"
	"github.com/druidia-bot/dotbot/internal/workspace"
)

// runServe wires every subsystem and blocks until a signal arrives.
func runServe(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	metrics := observability.NewMetrics()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// C1: provider registry + resilient client.
	registry := llm.NewRegistry(cfg.LLM.APIKeys, cfg.LLM.BaseURLs, providers.Factory)
	client := llm.NewResilient(registry, logger, metrics)

	// C2: tool loop engine.
	engine := agent.NewEngine(client, logger, metrics)

	// C3: vault, device auth, invites. No session service or WS transport
	// is built here; invites and revocation are driven through Dot.
	vaultStore := vault.New(vault.DefaultPath(cfg.InstallDir))
	devices := auth.NewDeviceStore(logger, nil)
	invites := auth.NewInviteStore(cfg.Auth.InviteTokenTTL)

	// C4: memory stores.
	memoryDir := filepath.Join(cfg.InstallDir, "memory")
	threads, err := memory.NewThreadStore(memoryDir)
	if err != nil {
		return err
	}
	mentalModels, err := memory.NewMentalModelStore(memoryDir)
	if err != nil {
		return err
	}
	research, err := memory.NewResearchCache(memoryDir)
	if err != nil {
		return err
	}

	// C7: pipeline.
	workspaces, err := workspace.NewManager(
		filepath.Join(cfg.InstallDir, "agent-workspaces"), cfg.Pipeline.WorkspaceRetention)
	if err != nil {
		return err
	}
	events := bus.New()
	bridge := transport.NewBridge()
	source := newBridgeContextSource(bridge, mentalModels, research)
	pipe := pipeline.New(client, engine, source, pipeline.NewRegistry(), workspaces,
		events, logger, metrics, pipeline.Config{MaxStepIterations: cfg.Pipeline.MaxStepIterations})

	if _, err := pipe.Recover(ctx); err != nil {
		logger.Warn(ctx, "pipeline recovery failed", "error", err.Error())
	}

	// Workspace GC: finished workspaces are retained 24h, then collected.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, gcErr := workspaces.GC(); gcErr != nil {
					logger.Warn(ctx, "workspace gc failed", "error", gcErr.Error())
				} else if len(removed) > 0 {
					logger.Info(ctx, "workspaces collected", "count", len(removed))
				}
			}
		}
	}()

	// C8: scheduler family. The task store backs both the recurring
	// checker and the deferred poller, and Dot creates tasks through it.
	taskStore, err := tasks.OpenStore(filepath.Join(cfg.InstallDir, "tasks.db"))
	if err != nil {
		return err
	}
	defer taskStore.Close()

	// C5 + C6: tailor and orchestrator.
	tailorer := tailor.New(client, logger)
	dotTools := vaultTools(vaultStore).
		Merge(authTools(invites, devices)).
		Merge(recurringTools(taskStore, logger))
	orchestrator := dot.New(client, engine, tailorer, pipe, mentalModels, research,
		events, nil, nil, logger, cfg.Dot, dotTools)

	recurring := tasks.NewRecurringScheduler(taskStore, recurringRunner{pipe: pipe, events: events},
		missedNotifier{logger: logger}, logger, metrics, cfg.Scheduler.GracePeriod, cfg.Scheduler.CheckInterval)
	recurring.Start(ctx)
	defer recurring.Shutdown()

	deferred := tasks.NewDeferredPoller(taskStore, deferredRunner{pipe: pipe, events: events},
		logger, metrics, cfg.Scheduler.DeferredPoll, cfg.Scheduler.DeferredMaxConc)
	deferred.Start(ctx)
	defer deferred.Shutdown()

	submitter := &promptSubmitter{
		dot:         orchestrator,
		events:      events,
		threads:     threads,
		taskThreads: map[string]string{},
	}
	localStore := scheduler.NewStore(filepath.Join(cfg.InstallDir, "scheduled-tasks.json"))
	local := scheduler.New(localStore, submitter, nil, logger, metrics, cfg.Scheduler)
	submitter.SetCorrelator(local.Correlator())
	local.Start(ctx)
	defer local.Shutdown()

	update := updater.New(gitRunner(cfg.InstallDir), func(msg string) {
		logger.Info(ctx, "update available", "message", msg)
	}, logger, cfg.Scheduler.UpdateCheckEvery)
	update.Start(ctx)
	defer update.Shutdown()

	// Config hot-reload: fresh provider keys take effect without a
	// restart. Structural settings still require one.
	stopWatch, err := config.Watch(configPath, func(fresh *config.Config) {
		registry.SetAPIKeys(fresh.LLM.APIKeys)
		logger.Info(ctx, "config reloaded", "path", configPath)
	}, func(werr error) {
		logger.Warn(ctx, "config reload failed", "error", werr.Error())
	})
	if err != nil {
		logger.Warn(ctx, "config watch unavailable", "error", err.Error())
	} else {
		defer stopWatch()
	}

	logger.Info(ctx, "dotbot daemon up", "install_dir", cfg.InstallDir, "server_url", cfg.ServerURL)
	<-ctx.Done()
	logger.Info(context.Background(), "dotbot daemon shutting down")
	return nil
}

// gitRunner shells out to git inside the install dir.
func gitRunner(dir string) updater.GitRunner {
	return func(ctx context.Context, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		out, err := cmd.Output()
		return strings.TrimSpace(string(out)), err
	}
}
