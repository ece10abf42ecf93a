package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/flags"
	"github.com/muxworks/muxd/internal/msg"
	"github.com/muxworks/muxd/internal/providers"
	"github.com/muxworks/muxd/internal/runtime"
	"github.com/muxworks/muxd/internal/tools"
	"github.com/muxworks/muxd/pkg/protocol"
)

// reportArgs is the agent_report tool input.
type reportArgs struct {
	ReportMarkdown string `json:"report_markdown"`
	Title          string `json:"title,omitempty"`
}

// patchDescriptor sits next to the mbox under the parent's
// subagent-patches directory. Readers poll it: pending means the patch
// is still being produced.
type patchDescriptor struct {
	ChildTaskID       string `json:"childTaskId"`
	ParentWorkspaceID string `json:"parentWorkspaceId"`
	CreatedAtMs       int64  `json:"createdAtMs"`
	UpdatedAtMs       int64  `json:"updatedAtMs"`
	Status            string `json:"status"` // pending | ready | skipped | failed
	BaseCommitSha     string `json:"baseCommitSha,omitempty"`
	HeadCommitSha     string `json:"headCommitSha,omitempty"`
	CommitCount       int    `json:"commitCount,omitempty"`
	MboxPath          string `json:"mboxPath,omitempty"`
	Error             string `json:"error,omitempty"`
}

func (s *Service) onEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventToolCallEnd:
		p, ok := ev.Payload.(protocol.ToolCallEnd)
		if !ok || p.ToolName != "agent_report" || p.IsError {
			return
		}
		go s.handleAgentReport(ev.WorkspaceID, p.ToolCallID)
	}
}

// handleAgentReport is the single commit point for a child's report: the
// successful agent_report tool-call-end. Everything downstream of it
// (status flip, patch artifact, delivery, cleanup) runs exactly once per
// child, guarded by the delivered ledger.
func (s *Service) handleAgentReport(childID, toolCallID string) {
	lk := s.wsLock(childID)
	lk.Lock()
	defer lk.Unlock()

	s.mu.Lock()
	if s.delivered[childID] {
		s.mu.Unlock()
		return
	}
	s.delivered[childID] = true
	s.mu.Unlock()

	cfg := s.cfg.Get()
	child := cfg.Workspaces[childID]
	if child == nil || child.ParentWorkspaceID == "" {
		return
	}

	args, err := s.readReportArgs(childID, toolCallID)
	if err != nil {
		slog.Error("task.report_args_unreadable", "task", childID, "err", err)
		s.mu.Lock()
		delete(s.delivered, childID)
		s.mu.Unlock()
		return
	}

	report := tools.Report{
		ReportMarkdown: args.ReportMarkdown,
		Title:          args.Title,
		AgentType:      child.AgentID,
	}
	s.commitReport(context.Background(), cfg, child, report)
}

// commitReport performs the post-report sequence for a child whose report
// text is already known (tool args or synthesized fallback).
func (s *Service) commitReport(ctx context.Context, cfg *config.Config, child *config.WorkspaceEntry, report tools.Report) {
	childID := child.ID
	parentID := child.ParentWorkspaceID

	_ = s.cfg.Mutate(func(c *config.Config) error {
		if ws := c.Workspaces[childID]; ws != nil {
			ws.TaskStatus = config.TaskReported
			ws.ReportedAt = time.Now().UnixMilli()
		}
		return nil
	})

	_ = s.dispatch.StopStream(childID, false)
	s.timing.RollUpIntoParent(parentID, childID)

	s.events.Publish(protocol.Event{
		Type:        protocol.EventTaskReported,
		WorkspaceID: parentID,
		Payload: protocol.TaskEvent{
			TaskWorkspaceID:   childID,
			ParentWorkspaceID: parentID,
			AgentID:           child.AgentID,
			Status:            string(config.TaskReported),
		},
	})

	s.writePatchArtifact(ctx, cfg, child)

	s.mu.Lock()
	ancestors := map[string]bool{}
	for _, id := range cfg.AncestorIDs(childID) {
		ancestors[id] = true
	}
	s.cache.put(childID, report, ancestors)
	waiters := s.reportWaiters[childID]
	delete(s.reportWaiters, childID)
	s.mu.Unlock()

	if len(waiters) > 0 {
		for _, ch := range waiters {
			ch <- report
			close(ch)
		}
	} else {
		s.deliverToParent(ctx, parentID, child, report)
	}

	s.cleanupReportedLeaves(ctx, childID)
	s.maybeStartQueuedTasks(ctx)
}

// readReportArgs finds the agent_report input for a tool call id, looking
// at the child's partial first and then history, newest first.
func (s *Service) readReportArgs(childID, toolCallID string) (reportArgs, error) {
	find := func(m *msg.Message) (reportArgs, bool) {
		for i := len(m.Parts) - 1; i >= 0; i-- {
			p := m.Parts[i]
			if p.Type != msg.PartDynamicTool || p.ToolName != "agent_report" {
				continue
			}
			if toolCallID != "" && p.ToolCallID != toolCallID {
				continue
			}
			var args reportArgs
			if err := json.Unmarshal(p.Input, &args); err != nil {
				continue
			}
			return args, true
		}
		return reportArgs{}, false
	}

	if partial := s.partials.ReadPartial(childID); partial != nil {
		if args, ok := find(partial); ok {
			return args, nil
		}
	}
	hist := s.store.GetHistory(childID)
	for i := len(hist) - 1; i >= 0; i-- {
		if args, ok := find(hist[i]); ok {
			return args, nil
		}
	}
	return reportArgs{}, fmt.Errorf("agent_report call %s not found for %s", toolCallID, childID)
}

// deliverToParent lands the report in the parent conversation. A parent
// blocked on a pending task tool call gets the call finalized in its
// partial; an idle parent gets a synthetic user message and a resume.
func (s *Service) deliverToParent(ctx context.Context, parentID string, child *config.WorkspaceEntry, report tools.Report) {
	if s.finalizePendingTaskCall(parentID, child.ID, report) {
		return
	}

	body := reportXML(child, report)
	userMsg := &msg.Message{
		ID:    msg.NewID(),
		Role:  msg.RoleUser,
		Parts: []msg.Part{{Type: msg.PartText, Text: body}},
		Metadata: msg.Metadata{
			Timestamp: msg.NowMillis(),
			Synthetic: true,
		},
	}
	if err := s.store.Append(parentID, userMsg); err != nil {
		slog.Error("task.report_append_failed", "parent", parentID, "err", err)
		return
	}
	s.events.Publish(protocol.Event{
		Type:        protocol.EventHistoryAppended,
		WorkspaceID: parentID,
		Payload:     protocol.HistoryAppended{Messages: []*msg.Message{userMsg}},
	})

	if !s.streams.Active(parentID) {
		if err := s.dispatch.Resume(ctx, parentID, nil); err != nil {
			slog.Warn("task.parent_resume_failed", "parent", parentID, "err", err)
		}
	}
}

// finalizePendingTaskCall looks for an input-available task/task_await
// call for this child in the parent's partial and completes it in place,
// emitting the synthetic tool-call-end the stream would have produced.
func (s *Service) finalizePendingTaskCall(parentID, childID string, report tools.Report) bool {
	partial := s.partials.ReadPartial(parentID)
	if partial == nil {
		return false
	}
	for i := range partial.Parts {
		p := &partial.Parts[i]
		if p.Type != msg.PartDynamicTool || p.State != msg.ToolInputAvailable {
			continue
		}
		if p.ToolName != "task" && p.ToolName != "task_await" {
			continue
		}
		if p.ToolName == "task_await" {
			var in struct {
				TaskID string `json:"task_id"`
			}
			if json.Unmarshal(p.Input, &in) != nil || in.TaskID != childID {
				continue
			}
		}
		out, _ := json.Marshal(map[string]any{
			"status":         "completed",
			"taskId":         childID,
			"reportMarkdown": report.ReportMarkdown,
			"title":          report.Title,
			"agentType":      report.AgentType,
		})
		p.State = msg.ToolOutputAvailable
		p.Output = out
		if err := s.partials.WritePartial(parentID, partial); err != nil {
			slog.Error("task.partial_finalize_failed", "parent", parentID, "err", err)
			return false
		}
		s.events.Publish(protocol.Event{
			Type:        protocol.EventToolCallEnd,
			WorkspaceID: parentID,
			Payload: protocol.ToolCallEnd{
				MessageID:  partial.ID,
				ToolCallID: p.ToolCallID,
				ToolName:   p.ToolName,
				Output:     out,
			},
		})
		return true
	}
	return false
}

func reportXML(child *config.WorkspaceEntry, report tools.Report) string {
	title := report.Title
	if title == "" {
		title = fmt.Sprintf("Subagent (%s) report", child.AgentID)
	}
	var b strings.Builder
	b.WriteString("<mux_subagent_report>\n")
	b.WriteString("<task_id>" + child.ID + "</task_id>\n")
	b.WriteString("<agent_type>" + child.AgentID + "</agent_type>\n")
	b.WriteString("<title>" + title + "</title>\n")
	b.WriteString("<report_markdown>" + report.ReportMarkdown + "</report_markdown>\n")
	b.WriteString("</mux_subagent_report>")
	return b.String()
}

// writePatchArtifact captures the child's commits as an mbox under the
// parent's session dir, with a sibling descriptor that tracks progress.
func (s *Service) writePatchArtifact(ctx context.Context, cfg *config.Config, child *config.WorkspaceEntry) {
	if s.flags != nil && !s.flags.Enabled(flags.FeatureTaskPatchFiles) {
		return
	}
	if child.TaskBaseCommitSha == "" || child.Runtime.Type != config.RuntimeWorktree {
		return
	}

	dir := filepath.Join(s.store.Dir(child.ParentWorkspaceID), "subagent-patches")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("task.patch_dir_failed", "task", child.ID, "err", err)
		return
	}
	descPath := filepath.Join(dir, child.ID+".json")
	now := time.Now().UnixMilli()
	desc := patchDescriptor{
		ChildTaskID:       child.ID,
		ParentWorkspaceID: child.ParentWorkspaceID,
		CreatedAtMs:       now,
		UpdatedAtMs:       now,
		Status:            "pending",
		BaseCommitSha:     child.TaskBaseCommitSha,
	}
	writeDesc := func() {
		desc.UpdatedAtMs = time.Now().UnixMilli()
		data, _ := json.MarshalIndent(desc, "", "  ")
		if err := os.WriteFile(descPath, data, 0o644); err != nil {
			slog.Error("task.patch_descriptor_failed", "task", child.ID, "err", err)
		}
	}
	writeDesc()

	rt, err := runtime.New(&child.Runtime, child.ProjectPath)
	if err != nil {
		desc.Status = "failed"
		desc.Error = err.Error()
		writeDesc()
		return
	}

	head, err := runtime.HeadCommit(ctx, rt)
	if err != nil {
		desc.Status = "failed"
		desc.Error = err.Error()
		writeDesc()
		return
	}
	desc.HeadCommitSha = head
	if head == child.TaskBaseCommitSha {
		desc.Status = "skipped"
		writeDesc()
		return
	}

	mbox, err := runtime.FormatPatch(ctx, rt, child.TaskBaseCommitSha)
	if err != nil {
		desc.Status = "failed"
		desc.Error = err.Error()
		writeDesc()
		return
	}
	if strings.TrimSpace(mbox) == "" {
		// Head moved but produced no patchable commits (merges only).
		desc.Status = "skipped"
		writeDesc()
		return
	}

	mboxPath := filepath.Join(dir, child.ID+".mbox")
	if err := os.WriteFile(mboxPath, []byte(mbox), 0o644); err != nil {
		desc.Status = "failed"
		desc.Error = err.Error()
		writeDesc()
		return
	}
	desc.Status = "ready"
	desc.MboxPath = mboxPath
	desc.CommitCount = strings.Count(mbox, "\nFrom ") + 1
	writeDesc()
	slog.Info("task.patch_ready", "task", child.ID, "commits", desc.CommitCount)
}

// cleanupReportedLeaves removes worktrees of reported tasks with no live
// descendants, walking up as parents become reclaimable.
func (s *Service) cleanupReportedLeaves(ctx context.Context, startID string) {
	cfg := s.cfg.Get()
	cur := cfg.Workspaces[startID]
	for depth := 0; cur != nil && cur.ParentWorkspaceID != "" && depth < 32; depth++ {
		if cur.TaskStatus != config.TaskReported || s.hasActiveDescendants(cfg, cur.ID, 0) {
			return
		}
		if cur.Runtime.Type == config.RuntimeWorktree {
			if parent := cfg.Workspaces[cur.ParentWorkspaceID]; parent != nil {
				if err := runtime.RemoveWorktree(ctx, parent.ProjectPath, cur.ProjectPath); err != nil {
					slog.Warn("task.worktree_cleanup_failed", "task", cur.ID, "err", err)
				}
			}
			id := cur.ID
			_ = s.cfg.Mutate(func(c *config.Config) error {
				if ws := c.Workspaces[id]; ws != nil {
					ws.Runtime.Type = config.RuntimeLocal
				}
				return nil
			})
		}
		cur = cfg.Workspaces[cur.ParentWorkspaceID]
	}
}

// HandleStreamEnd observes committed streams. Wired as the session's
// AfterStreamEnd hook.
//
// For a child task that ends without reporting it escalates: first a
// reminder resume that forces agent_report, then a synthesized fallback
// report. For a parent with live descendants it keeps the conversation
// alive so reports have somewhere to land.
func (s *Service) HandleStreamEnd(workspaceID string, final *msg.Message) {
	lk := s.wsLock(workspaceID)
	lk.Lock()
	defer lk.Unlock()

	cfg := s.cfg.Get()
	ws := cfg.Workspaces[workspaceID]
	if ws == nil {
		return
	}

	if ws.ParentWorkspaceID != "" && (ws.TaskStatus == config.TaskRunning || ws.TaskStatus == config.TaskAwaitingReport) {
		s.mu.Lock()
		done := s.delivered[workspaceID]
		s.mu.Unlock()
		if done {
			return
		}
		if final != nil && hasCompletedReportCall(final) {
			// The tool-call-end handler owns delivery.
			return
		}
		s.escalateMissingReport(cfg, ws)
		return
	}

	if ws.TaskStatus == "" || ws.TaskStatus == config.TaskReported {
		s.maybeKeepAlive(cfg, ws)
	}
}

func hasCompletedReportCall(m *msg.Message) bool {
	for _, p := range m.Parts {
		if p.Type == msg.PartDynamicTool && p.ToolName == "agent_report" && p.State == msg.ToolOutputAvailable {
			var out struct {
				OK bool `json:"ok"`
			}
			if json.Unmarshal(p.Output, &out) == nil && out.OK {
				return true
			}
		}
	}
	return false
}

func (s *Service) escalateMissingReport(cfg *config.Config, ws *config.WorkspaceEntry) {
	childID := ws.ID
	ctx := context.Background()

	s.mu.Lock()
	reminded := s.reminded[childID]
	s.reminded[childID] = true
	s.mu.Unlock()

	if !reminded {
		_ = s.cfg.Mutate(func(c *config.Config) error {
			if w := c.Workspaces[childID]; w != nil {
				w.TaskStatus = config.TaskAwaitingReport
			}
			return nil
		})
		s.publishStatus(childID, ws.ParentWorkspaceID, ws.AgentID, config.TaskAwaitingReport)

		reminder := &msg.Message{
			ID:   msg.NewID(),
			Role: msg.RoleUser,
			Parts: []msg.Part{{
				Type: msg.PartText,
				Text: "Your task turn ended without a report. Call agent_report now with your findings so the parent agent can continue.",
			}},
			Metadata: msg.Metadata{Timestamp: msg.NowMillis(), Synthetic: true},
		}
		if err := s.store.Append(childID, reminder); err != nil {
			slog.Error("task.reminder_append_failed", "task", childID, "err", err)
			return
		}
		choice := &providers.ToolChoice{Type: "tool", Name: "agent_report"}
		if err := s.dispatch.Resume(ctx, childID, choice); err != nil {
			slog.Warn("task.reminder_resume_failed", "task", childID, "err", err)
		}
		return
	}

	// Second miss: synthesize a fallback report from the last assistant text.
	slog.Warn("task.report_fallback", "task", childID)
	text := latestAssistantText(s.store.GetHistory(childID))
	if text == "" {
		text = "(no output produced)"
	}
	report := tools.Report{
		ReportMarkdown: text,
		Title:          fmt.Sprintf("Subagent (%s) report (fallback)", ws.AgentID),
		AgentType:      ws.AgentID,
	}
	s.mu.Lock()
	if s.delivered[childID] {
		s.mu.Unlock()
		return
	}
	s.delivered[childID] = true
	s.mu.Unlock()
	s.commitReport(ctx, cfg, ws, report)
}

func latestAssistantText(hist []*msg.Message) string {
	for i := len(hist) - 1; i >= 0; i-- {
		m := hist[i]
		if m.Role != msg.RoleAssistant || m.Metadata.CompactionBoundary {
			continue
		}
		var b strings.Builder
		for _, p := range m.Parts {
			if p.Type == msg.PartText {
				b.WriteString(p.Text)
			}
		}
		if out := strings.TrimSpace(b.String()); out != "" {
			return out
		}
	}
	return ""
}

// maybeKeepAlive resumes a workspace whose stream ended while child tasks
// are still live, so delivered reports find an attentive parent.
func (s *Service) maybeKeepAlive(cfg *config.Config, ws *config.WorkspaceEntry) {
	if !s.hasActiveDescendants(cfg, ws.ID, 0) {
		return
	}
	s.mu.Lock()
	awaiting := s.foregroundAwait[ws.ID] > 0
	s.mu.Unlock()
	if awaiting {
		return
	}

	keepAlive := &msg.Message{
		ID:   msg.NewID(),
		Role: msg.RoleUser,
		Parts: []msg.Part{{
			Type: msg.PartText,
			Text: "Background tasks you started are still running. Call task_await with a task id to collect a report, or continue other work and their reports will be delivered when ready.",
		}},
		Metadata: msg.Metadata{Timestamp: msg.NowMillis(), Synthetic: true},
	}
	if err := s.store.Append(ws.ID, keepAlive); err != nil {
		slog.Error("task.keepalive_append_failed", "workspace", ws.ID, "err", err)
		return
	}
	if err := s.dispatch.Resume(context.Background(), ws.ID, nil); err != nil {
		slog.Warn("task.keepalive_resume_failed", "workspace", ws.ID, "err", err)
	}
}
