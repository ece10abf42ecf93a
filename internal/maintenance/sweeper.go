package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/muxworks/muxd/internal/compaction"
	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/flags"
	"github.com/muxworks/muxd/internal/history"
	"github.com/muxworks/muxd/internal/mcp"
	"github.com/muxworks/muxd/internal/msg"
)

const (
	tickInterval = time.Minute

	defaultMCPEvictionSchedule    = "*/10 * * * *"
	defaultIdleCompactionSchedule = "*/5 * * * *"
	defaultIdleCompactionAfterMin = 30
)

// Dispatcher is the session surface the sweeper drives.
type Dispatcher interface {
	CompactIdle(ctx context.Context, workspaceID string) error
	ActiveEpochUsage(workspaceID string) *msg.Usage
}

// ActiveChecker reports whether a workspace is streaming.
type ActiveChecker interface {
	Active(workspaceID string) bool
}

// Deps wires the background sweeper.
type Deps struct {
	Config   *config.Service
	Store    *history.Store
	Streams  ActiveChecker
	MCP      *mcp.Manager
	Flags    *flags.Service
	Dispatch Dispatcher
}

// Sweeper runs the cron-scheduled background jobs: MCP pool eviction and
// idle compaction of over-threshold workspaces nobody is talking to.
type Sweeper struct {
	deps Deps
	gron *gronx.Gronx

	// now is swappable for tests.
	now func() time.Time
}

func New(deps Deps) *Sweeper {
	return &Sweeper{deps: deps, gron: gronx.New(), now: time.Now}
}

// Run ticks once a minute until ctx dies.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	cfg := s.deps.Config.Get()

	if s.due(cfg.Maintenance.MCPEvictionSchedule, defaultMCPEvictionSchedule) && s.deps.MCP != nil {
		s.deps.MCP.EvictIdle()
	}
	if s.due(cfg.Maintenance.IdleCompactionSchedule, defaultIdleCompactionSchedule) {
		s.sweepIdleCompaction(ctx, cfg)
	}
}

func (s *Sweeper) due(expr, fallback string) bool {
	if expr == "" {
		expr = fallback
	}
	ok, err := s.gron.IsDue(expr, s.now())
	if err != nil {
		slog.Warn("maintenance.bad_schedule", "expr", expr, "err", err)
		return false
	}
	return ok
}

// sweepIdleCompaction compacts workspaces that sit over the context
// threshold with no recent activity. Engine-injected rows (compaction
// requests, synthetic follow-ups) do not count as activity, so a sweep
// never refreshes the idleness it is judging.
func (s *Sweeper) sweepIdleCompaction(ctx context.Context, cfg *config.Config) {
	if s.deps.Flags != nil && !s.deps.Flags.Enabled(flags.FeatureIdleCompaction) {
		return
	}

	idleAfter := time.Duration(cfg.Maintenance.IdleCompactionAfterMin) * time.Minute
	if idleAfter <= 0 {
		idleAfter = defaultIdleCompactionAfterMin * time.Minute
	}
	monitor := compaction.NewMonitor(cfg.Compaction.Threshold)

	for id, ws := range cfg.Workspaces {
		if s.deps.Streams.Active(id) {
			continue
		}
		last := s.lastUserActivity(id)
		if last == 0 || s.now().UnixMilli()-last < idleAfter.Milliseconds() {
			continue
		}

		usage := s.deps.Dispatch.ActiveEpochUsage(id)
		res := monitor.CheckBeforeSend(compaction.CheckInput{
			Model:        cfg.ResolveWorkspaceModel(ws, ws.AgentID),
			Usage:        usage,
			Use1MContext: ws.AISettings != nil && ws.AISettings.Use1MContext,
			Providers:    cfg.Providers,
		})
		if !res.ShouldShowWarning {
			continue
		}

		slog.Info("maintenance.idle_compaction", "workspace", id, "usage_pct", res.UsagePercentage)
		if err := s.deps.Dispatch.CompactIdle(ctx, id); err != nil {
			slog.Warn("maintenance.idle_compaction_failed", "workspace", id, "err", err)
		}
	}
}

// lastUserActivity returns the newest timestamp of a real conversation
// row: synthetic and compaction-protocol messages are ignored.
func (s *Sweeper) lastUserActivity(workspaceID string) int64 {
	hist := s.deps.Store.GetHistory(workspaceID)
	for i := len(hist) - 1; i >= 0; i-- {
		m := hist[i]
		if m.Metadata.Synthetic || m.Metadata.CompactionBoundary || m.MuxType() != msg.MuxNormal {
			continue
		}
		return m.Metadata.Timestamp
	}
	return 0
}
