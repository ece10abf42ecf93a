package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/muxworks/muxd/internal/bootstrap"
	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/internal/compaction"
	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/delegated"
	"github.com/muxworks/muxd/internal/flags"
	"github.com/muxworks/muxd/internal/gateway"
	"github.com/muxworks/muxd/internal/history"
	"github.com/muxworks/muxd/internal/maintenance"
	"github.com/muxworks/muxd/internal/mcp"
	"github.com/muxworks/muxd/internal/providers"
	"github.com/muxworks/muxd/internal/session"
	"github.com/muxworks/muxd/internal/sshprompt"
	"github.com/muxworks/muxd/internal/stream"
	"github.com/muxworks/muxd/internal/task"
	"github.com/muxworks/muxd/internal/telemetry"
	"github.com/muxworks/muxd/internal/timing"
	"github.com/muxworks/muxd/internal/tools"
	"github.com/muxworks/muxd/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (also the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	if created, err := bootstrap.EnsureConfigFile(cfgPath); err != nil {
		slog.Warn("bootstrap.config_seed_failed", "err", err)
	} else if created {
		slog.Info("bootstrap.config_seeded", "path", cfgPath)
	}
	cfgSvc, err := config.NewService(cfgPath)
	if err != nil {
		slog.Error("config.load_failed", "path", cfgPath, "err", err)
		os.Exit(1)
	}
	cfg := cfgSvc.Get()
	if len(cfg.Providers) == 0 {
		slog.Warn("no provider configured; set MUXD_ANTHROPIC_API_KEY or edit the config", "path", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage := config.ExpandHome(cfg.Sessions.Storage)
	if storage == "" {
		storage = config.ExpandHome("~/.muxd/sessions")
	}
	if err := os.MkdirAll(storage, 0o755); err != nil {
		slog.Error("sessions.storage_unavailable", "dir", storage, "err", err)
		os.Exit(1)
	}

	locks := history.NewLocks()
	store := history.NewStore(storage, locks)
	partials := history.NewPartialStore(store, locks)
	events := bus.New()

	fl := flags.NewService(func() map[string]config.FeatureOverride {
		return cfgSvc.Get().Features
	})

	recorder := openRecorder(cfg, fl)
	defer recorder.Close()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry.tracing_setup_failed", "err", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	registry := providers.NewRegistry(cfg.Providers)
	mcps := mcp.NewManager()
	deleg := delegated.NewRegistry()

	builtins := tools.NewRegistry()
	runner := tools.NewRunner(builtins, mcps, cfgSvc)
	streams := stream.NewManager(store, partials, registry, events, runner)

	tm := timing.NewService(store.Dir)
	tm.OnComputed = func(workspaceID string, r *timing.RequestTiming) {
		recorder.Record(telemetry.StreamTimingComputed{
			WorkspaceID:     workspaceID,
			Model:           r.Model,
			TotalDurationMs: r.TotalDurationMs,
			TTFTMs:          r.TTFTMs,
			ToolExecutionMs: r.ToolExecutionMs,
			ModelTimeMs:     r.ModelTimeMs,
			StreamingMs:     r.StreamingMs,
			OutputTokens:    r.OutputTokens,
			ReasoningTokens: r.ReasoningTokens,
			Invalid:         r.Invalid,
			Anomalies:       r.Anomalies,
		})
	}
	tm.OnInvalid = func(workspaceID string, anomalies []string) {
		recorder.Record(telemetry.StreamTimingInvalid{
			WorkspaceID: workspaceID,
			Anomalies:   anomalies,
		})
	}

	compactor := compaction.NewHandler(store, partials, compaction.NewReplayCache(store.Dir), events)
	ssh := sshprompt.NewService(events)

	sess := session.New(session.Deps{
		Config:    cfgSvc,
		Store:     store,
		Partials:  partials,
		Streams:   streams,
		Compactor: compactor,
		Events:    events,
		Builtins:  builtins,
		MCP:       mcps,
		Flags:     fl,
		Timing:    tm,
	})

	// Session installed its own completion hook in New; chain the stats
	// write behind it.
	afterCompaction := compactor.OnComplete
	compactor.OnComplete = func(workspaceID string, epoch int) {
		if afterCompaction != nil {
			afterCompaction(workspaceID, epoch)
		}
		recorder.Record(telemetry.CompactionCompleted{
			WorkspaceID: workspaceID,
			Epoch:       epoch,
			Success:     true,
		})
	}

	tasks := task.New(task.Deps{
		Config:   cfgSvc,
		Store:    store,
		Partials: partials,
		Dispatch: sess,
		Streams:  streams,
		Events:   events,
		Timing:   tm,
		Flags:    fl,
	})
	sess.AfterStreamEnd = tasks.HandleStreamEnd

	builtins.Register(&tools.TaskTool{Tasks: tasks})
	builtins.Register(&tools.TaskAwaitTool{Tasks: tasks})
	builtins.Register(&tools.AgentReportTool{Tasks: tasks})
	builtins.Register(&tools.AskUserQuestionTool{Registry: deleg})
	builtins.Register(&tools.SwitchAgentTool{Config: cfgSvc})

	cfgSvc.OnReload = func() {
		fl.Invalidate()
		events.Publish(protocol.Event{Type: protocol.EventConfigReloaded})
	}
	if err := cfgSvc.Watch(ctx); err != nil {
		slog.Warn("config.watch_failed", "err", err)
	}

	go mcps.Run(ctx)

	sweeper := maintenance.New(maintenance.Deps{
		Config:   cfgSvc,
		Store:    store,
		Streams:  streams,
		MCP:      mcps,
		Flags:    fl,
		Dispatch: sess,
	})
	go sweeper.Run(ctx)

	gw := gateway.New(gateway.Deps{
		Config:    cfgSvc,
		Session:   sess,
		Store:     store,
		Streams:   streams,
		Tasks:     tasks,
		SSH:       ssh,
		Delegated: deleg,
		Timing:    tm,
		Events:    events,
	})

	slog.Info("muxd.starting", "version", Version, "config", cfgPath, "storage", storage)
	if err := gw.Start(ctx); err != nil {
		slog.Error("gateway.failed", "err", err)
		os.Exit(1)
	}
	slog.Info("muxd.stopped")
}

// openRecorder never blocks startup: a broken stats DB degrades to a nil
// recorder, which drops every Record call.
func openRecorder(cfg *config.Config, fl *flags.Service) *telemetry.Recorder {
	dbPath := config.ExpandHome(cfg.Stats.DBPath)
	if dbPath == "" {
		dbPath = config.ExpandHome("~/.muxd/stats.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		slog.Warn("stats.dir_unavailable", "err", err)
		return nil
	}
	recorder, err := telemetry.Open(dbPath, fl)
	if err != nil {
		slog.Warn("stats.open_failed", "path", dbPath, "err", err)
		return nil
	}
	return recorder
}
