package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/internal/compaction"
	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/flags"
	"github.com/muxworks/muxd/internal/history"
	"github.com/muxworks/muxd/internal/mcp"
	"github.com/muxworks/muxd/internal/msg"
	"github.com/muxworks/muxd/internal/providers"
	"github.com/muxworks/muxd/internal/stream"
	"github.com/muxworks/muxd/internal/timing"
	"github.com/muxworks/muxd/internal/tools"
	"github.com/muxworks/muxd/pkg/protocol"
)

// Deps wires the session coordinator.
type Deps struct {
	Config    *config.Service
	Store     *history.Store
	Partials  *history.PartialStore
	Streams   *stream.Manager
	Compactor *compaction.Handler
	Events    bus.Publisher
	Builtins  *tools.Registry
	MCP       *mcp.Manager
	Flags     *flags.Service
	Timing    *timing.Service
}

// SendOptions tunes one dispatch. Zero value is a plain user send.
type SendOptions struct {
	AgentID string
	// CompactionSource marks this send as a compaction request itself;
	// pre-send checks are skipped for it.
	CompactionSource msg.CompactionSource
	PendingFollowUp  *msg.PendingFollowUp
	ToolChoice       *providers.ToolChoice
}

// Session is the thin coordinator in front of the stream manager: it
// persists the user's message, runs compaction checks, resolves the
// model and tool set, and starts the stream.
type Session struct {
	cfg       *config.Service
	store     *history.Store
	partials  *history.PartialStore
	streams   *stream.Manager
	compactor *compaction.Handler
	events    bus.Publisher
	builtins  *tools.Registry
	mcps      *mcp.Manager
	flags     *flags.Service
	timing    *timing.Service

	// AfterStreamEnd lets the task service observe commits (report
	// fallback, parent keep-alive). Optional.
	AfterStreamEnd func(workspaceID string, final *msg.Message)

	monitorsMu sync.Mutex
	monitors   map[string]*compaction.Monitor

	leaseMu sync.Mutex
	leased  map[string]bool
}

func New(d Deps) *Session {
	s := &Session{
		cfg:       d.Config,
		store:     d.Store,
		partials:  d.Partials,
		streams:   d.Streams,
		compactor: d.Compactor,
		events:    d.Events,
		builtins:  d.Builtins,
		mcps:      d.MCP,
		flags:     d.Flags,
		timing:    d.Timing,
		monitors:  make(map[string]*compaction.Monitor),
		leased:    make(map[string]bool),
	}
	d.Streams.OnStreamEnd = s.handleStreamEnd
	d.Streams.MidStreamCheck = s.checkMidStream
	d.Streams.OnMidStreamCompact = s.compactMidStream
	if d.Compactor != nil {
		d.Compactor.OnComplete = s.afterCompaction
	}
	d.Events.Subscribe("session", s.onEvent)
	return s
}

// SendMessage materializes @file mentions, runs the pre-send compaction
// check and starts the stream for the workspace.
func (s *Session) SendMessage(ctx context.Context, workspaceID, text string, opts SendOptions) error {
	cfg := s.cfg.Get()
	ws := cfg.Workspaces[workspaceID]
	if ws == nil {
		return fmt.Errorf("workspace %s not found", workspaceID)
	}

	agentID := opts.AgentID
	if agentID == "" {
		agentID = ws.AgentID
	}
	model := cfg.ResolveWorkspaceModel(ws, agentID)
	use1M := ws.AISettings != nil && ws.AISettings.Use1MContext

	// A compaction request skips its own pre-send check.
	if opts.CompactionSource != "" {
		return s.sendCompactionRequest(ctx, workspaceID, ws, cfg, opts)
	}

	snapshot := materializeFileMentions(text, ws.ProjectPath)

	check := s.monitorFor(workspaceID, cfg).CheckBeforeSend(compaction.CheckInput{
		Model:        model,
		Usage:        s.activeEpochUsage(workspaceID),
		Use1MContext: use1M,
		Providers:    s.cfg.ProvidersConfig(),
	})

	if check.ShouldForceCompact {
		// Defer the user's message and the snapshot entirely; they ride
		// through the compaction turn as the pending follow-up and are
		// reconsidered once the boundary lands.
		slog.Info("session.force_compact",
			"workspace", workspaceID,
			"usage_pct", check.UsagePercentage,
			"threshold_pct", check.ThresholdPercentage,
		)
		return s.sendCompactionRequest(ctx, workspaceID, ws, cfg, SendOptions{
			AgentID:          agentID,
			CompactionSource: msg.CompactionSourceOnSend,
			PendingFollowUp:  &msg.PendingFollowUp{Text: text},
		})
	}

	var appended []*msg.Message
	if snapshot != nil {
		if err := s.store.Append(workspaceID, snapshot); err != nil {
			return fmt.Errorf("persist file snapshot: %w", err)
		}
		appended = append(appended, snapshot)
	}
	userMsg := &msg.Message{
		ID:    msg.NewID(),
		Role:  msg.RoleUser,
		Parts: []msg.Part{{Type: msg.PartText, Text: text}},
		Metadata: msg.Metadata{
			Timestamp: msg.NowMillis(),
			AgentID:   agentID,
		},
	}
	if err := s.store.Append(workspaceID, userMsg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	s.events.Publish(protocol.Event{
		Type:        protocol.EventHistoryAppended,
		WorkspaceID: workspaceID,
		Payload:     protocol.HistoryAppended{Messages: append(appended, userMsg)},
	})

	messages := s.store.GetHistoryFromLatestBoundary(workspaceID)
	if check.ShouldShowWarning {
		// Warn-only: the turn proceeds, but the provider payload carries
		// a compaction-request preamble so the model condenses as it goes.
		messages = historyWithPreamble(messages, s.compactionModel(cfg, model))
	}

	return s.startStream(ctx, workspaceID, ws, cfg, agentID, model, messages, opts.ToolChoice)
}

// historyWithPreamble inserts a synthetic compaction request before the
// final (user) message. The preamble is provider-payload only, never
// persisted.
func historyWithPreamble(messages []*msg.Message, requestedModel string) []*msg.Message {
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	out := make([]*msg.Message, 0, len(messages)+1)
	out = append(out, messages[:len(messages)-1]...)
	out = append(out, &msg.Message{
		ID:    msg.NewID(),
		Role:  msg.RoleUser,
		Parts: []msg.Part{{Type: msg.PartText, Text: compactionInstruction}},
		Metadata: msg.Metadata{
			Timestamp: msg.NowMillis(),
			Synthetic: true,
			Mux: &msg.MuxMetadata{
				Type:           msg.MuxCompactionRequest,
				Source:         msg.CompactionSourceOnSend,
				RequestedModel: requestedModel,
			},
		},
	})
	out = append(out, last)
	return out
}

// sendCompactionRequest persists a compaction-request user message and
// runs the summary turn with tools disabled.
func (s *Session) sendCompactionRequest(ctx context.Context, workspaceID string, ws *config.WorkspaceEntry, cfg *config.Config, opts SendOptions) error {
	model := cfg.ResolveWorkspaceModel(ws, opts.AgentID)
	compactModel := s.compactionModel(cfg, model)

	request := &msg.Message{
		ID:    msg.NewID(),
		Role:  msg.RoleUser,
		Parts: []msg.Part{{Type: msg.PartText, Text: buildCompactionPrompt(opts.PendingFollowUp)}},
		Metadata: msg.Metadata{
			Timestamp: msg.NowMillis(),
			Mux: &msg.MuxMetadata{
				Type:            msg.MuxCompactionRequest,
				Source:          opts.CompactionSource,
				RequestedModel:  compactModel,
				PendingFollowUp: opts.PendingFollowUp,
			},
		},
	}
	if err := s.store.Append(workspaceID, request); err != nil {
		return fmt.Errorf("persist compaction request: %w", err)
	}
	s.events.Publish(protocol.Event{
		Type:        protocol.EventCompactionStart,
		WorkspaceID: workspaceID,
		Payload:     protocol.CompactionStart{Source: opts.CompactionSource},
	})

	messages := s.store.GetHistoryFromLatestBoundary(workspaceID)
	thinking := cfg.AgentAiDefaults.Compact.ThinkingLevel
	return s.start(ctx, stream.StartRequest{
		WorkspaceID: workspaceID,
		Model:       compactModel,
		System:      compactionSystemPrompt,
		Messages:    messages,
		Thinking:    thinking,
		AgentID:     opts.AgentID,
		Ctx:         ctx,
	})
}

func (s *Session) startStream(ctx context.Context, workspaceID string, ws *config.WorkspaceEntry, cfg *config.Config, agentID, model string, messages []*msg.Message, choice *providers.ToolChoice) error {
	system := ""
	thinking := ""
	if def := cfg.Agents[config.NormalizeAgentID(agentID)]; def != nil {
		system = def.SystemPrompt
	}
	if ws.AISettings != nil {
		thinking = ws.AISettings.ThinkingLevel
	}

	defs := s.builtins.Definitions()
	if s.mcps != nil {
		servers := mcp.ResolveEnabledServers(cfg.MCPServers, cfg.MCPOverrides[workspaceID])
		if len(servers) > 0 {
			s.mcps.AcquireLease(workspaceID)
			s.setLeased(workspaceID, true)
			mcpTools, err := s.mcps.GetToolsForWorkspace(ctx, mcp.ToolsRequest{
				WorkspaceID: workspaceID,
				Servers:     servers,
			})
			if err != nil {
				slog.Warn("session.mcp_tools_failed", "workspace", workspaceID, "err", err)
			}
			for _, t := range mcpTools {
				defs = append(defs, providers.ToolDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				})
			}
		}
	}

	return s.start(ctx, stream.StartRequest{
		WorkspaceID:      workspaceID,
		Model:            model,
		System:           system,
		Messages:         messages,
		Tools:            defs,
		ToolChoice:       choice,
		Thinking:         thinking,
		Use1M:            ws.AISettings != nil && ws.AISettings.Use1MContext,
		AgentID:          agentID,
		Ctx:              ctx,
		ProposePlanStops: s.flags != nil && s.flags.Enabled(flags.FeaturePlanStops),
	})
}

func (s *Session) start(ctx context.Context, req stream.StartRequest) error {
	cfg := s.cfg.Get()
	s.monitorFor(req.WorkspaceID, cfg).ResetForNewStream()
	if s.timing != nil {
		s.timing.StreamStarted(req.WorkspaceID, req.Model)
	}
	if err := s.streams.StartStream(req); err != nil {
		s.releaseLease(req.WorkspaceID)
		if s.timing != nil {
			s.timing.StreamEnded(req.WorkspaceID, nil)
		}
		return err
	}
	return nil
}

// StopStream stops the workspace's stream. abandon discards the partial
// instead of committing it.
func (s *Session) StopStream(workspaceID string, abandon bool) error {
	return s.streams.StopStream(workspaceID, abandon)
}

// Resume starts a stream from the persisted history without appending a
// new user message (queue drain, report consumption, keep-alive turns).
func (s *Session) Resume(ctx context.Context, workspaceID string, choice *providers.ToolChoice) error {
	cfg := s.cfg.Get()
	ws := cfg.Workspaces[workspaceID]
	if ws == nil {
		return fmt.Errorf("workspace %s not found", workspaceID)
	}
	model := cfg.ResolveWorkspaceModel(ws, ws.AgentID)
	messages := s.store.GetHistoryFromLatestBoundary(workspaceID)
	if len(messages) == 0 {
		return fmt.Errorf("workspace %s has no history to resume", workspaceID)
	}
	return s.startStream(ctx, workspaceID, ws, cfg, ws.AgentID, model, messages, choice)
}

// Compact injects a user-sourced compaction request.
func (s *Session) Compact(ctx context.Context, workspaceID string) error {
	return s.SendMessage(ctx, workspaceID, "", SendOptions{CompactionSource: msg.CompactionSourceUser})
}

// CompactIdle injects an idle-sourced compaction request (maintenance
// sweeps).
func (s *Session) CompactIdle(ctx context.Context, workspaceID string) error {
	return s.SendMessage(ctx, workspaceID, "", SendOptions{CompactionSource: msg.CompactionSourceIdle})
}

// ActiveEpochUsage exposes the newest post-boundary context usage for
// callers outside the send path.
func (s *Session) ActiveEpochUsage(workspaceID string) *msg.Usage {
	return s.activeEpochUsage(workspaceID)
}

func (s *Session) handleStreamEnd(workspaceID string, final *msg.Message) {
	s.releaseLease(workspaceID)
	if s.timing != nil {
		s.timing.StreamEnded(workspaceID, final.Metadata.Usage)
	}
	if s.compactor != nil {
		if _, err := s.compactor.HandleStreamEnd(workspaceID, final); err != nil {
			slog.Warn("session.compaction_failed", "workspace", workspaceID, "err", err)
		}
	}
	if s.AfterStreamEnd != nil {
		s.AfterStreamEnd(workspaceID, final)
	}
}

// afterCompaction replays the deferred follow-up once a boundary lands.
func (s *Session) afterCompaction(workspaceID string, epoch int) {
	boundary := latestBoundary(s.store.GetHistoryFromLatestBoundary(workspaceID))
	if boundary == nil || boundary.Metadata.Mux == nil || boundary.Metadata.Mux.PendingFollowUp == nil {
		return
	}
	raw := boundary.Metadata.Mux.PendingFollowUp.Text
	text := stripFollowUpSentinels(raw)
	if text == "" {
		// Pure continue sentinel (mid-stream compaction): the interrupted
		// work resumes off the fresh summary, no extra user message.
		if strings.Contains(raw, continueSentinel) {
			slog.Info("session.post_compaction_resume", "workspace", workspaceID, "epoch", epoch)
			go func() {
				if err := s.Resume(context.Background(), workspaceID, nil); err != nil {
					slog.Warn("session.post_compaction_resume_failed", "workspace", workspaceID, "err", err)
				}
			}()
		}
		return
	}
	slog.Info("session.follow_up_replay", "workspace", workspaceID, "epoch", epoch)
	go func() {
		if err := s.SendMessage(context.Background(), workspaceID, text, SendOptions{}); err != nil {
			slog.Warn("session.follow_up_failed", "workspace", workspaceID, "err", err)
		}
	}()
}

func (s *Session) checkMidStream(workspaceID string, usage *msg.Usage) bool {
	cfg := s.cfg.Get()
	ws := cfg.Workspaces[workspaceID]
	if ws == nil {
		return false
	}
	return s.monitorFor(workspaceID, cfg).CheckMidStream(compaction.CheckInput{
		Model:        cfg.ResolveWorkspaceModel(ws, ws.AgentID),
		Usage:        usage,
		Use1MContext: ws.AISettings != nil && ws.AISettings.Use1MContext,
		Providers:    s.cfg.ProvidersConfig(),
	})
}

// compactMidStream runs after the loop stopped for a mid-stream trigger.
// The follow-up sentinel keeps the model continuing after the summary;
// it never reaches the prompt text itself.
func (s *Session) compactMidStream(workspaceID string) {
	err := s.SendMessage(context.Background(), workspaceID, "", SendOptions{
		CompactionSource: msg.CompactionSourceMidStream,
		PendingFollowUp:  &msg.PendingFollowUp{Text: followUpPrefix + " " + continueSentinel},
	})
	if err != nil {
		slog.Error("session.mid_stream_compact_failed", "workspace", workspaceID, "err", err)
		s.events.Publish(protocol.Event{
			Type:        protocol.EventStreamError,
			WorkspaceID: workspaceID,
			Payload: protocol.StreamError{
				Kind:    string(stream.ErrUnknown),
				Message: err.Error(),
			},
		})
	}
}

// activeEpochUsage returns the newest assistant context usage after the
// latest boundary. Pre-boundary usage never leaks into the check.
func (s *Session) activeEpochUsage(workspaceID string) *msg.Usage {
	slice := s.store.GetHistoryFromLatestBoundary(workspaceID)
	for i := len(slice) - 1; i >= 0; i-- {
		m := slice[i]
		if m.Role != msg.RoleAssistant || m.Metadata.CompactionBoundary {
			continue
		}
		if m.Metadata.ContextUsage != nil {
			return m.Metadata.ContextUsage
		}
	}
	return nil
}

func (s *Session) compactionModel(cfg *config.Config, fallback string) string {
	if m := cfg.AgentAiDefaults.Compact.ModelString; m != "" {
		return m
	}
	return fallback
}

func (s *Session) monitorFor(workspaceID string, cfg *config.Config) *compaction.Monitor {
	s.monitorsMu.Lock()
	defer s.monitorsMu.Unlock()
	m := s.monitors[workspaceID]
	if m == nil {
		m = compaction.NewMonitor(cfg.Compaction.Threshold)
		s.monitors[workspaceID] = m
	}
	return m
}

func (s *Session) setLeased(workspaceID string, v bool) {
	s.leaseMu.Lock()
	s.leased[workspaceID] = v
	s.leaseMu.Unlock()
}

func (s *Session) releaseLease(workspaceID string) {
	s.leaseMu.Lock()
	held := s.leased[workspaceID]
	delete(s.leased, workspaceID)
	s.leaseMu.Unlock()
	if held && s.mcps != nil {
		s.mcps.ReleaseLease(workspaceID)
	}
}

// onEvent feeds bus traffic into timing and lease bookkeeping.
func (s *Session) onEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventStreamAbort:
		s.releaseLease(ev.WorkspaceID)
		if s.timing != nil {
			if abort, ok := ev.Payload.(protocol.StreamAbort); !ok || abort.MessageID != "" {
				s.timing.StreamEnded(ev.WorkspaceID, nil)
			}
		}
	case protocol.EventStreamDelta:
		if s.timing != nil {
			s.timing.FirstToken(ev.WorkspaceID)
		}
	case protocol.EventToolCallStart:
		if s.timing != nil {
			if tc, ok := ev.Payload.(protocol.ToolCallStart); ok {
				s.timing.ToolStarted(ev.WorkspaceID, tc.ToolCallID)
			}
		}
	case protocol.EventToolCallEnd:
		if s.timing != nil {
			if tc, ok := ev.Payload.(protocol.ToolCallEnd); ok {
				s.timing.ToolEnded(ev.WorkspaceID, tc.ToolCallID)
			}
		}
	}
}

func latestBoundary(slice []*msg.Message) *msg.Message {
	for i := len(slice) - 1; i >= 0; i-- {
		if slice[i].Metadata.CompactionBoundary {
			return slice[i]
		}
	}
	return nil
}
