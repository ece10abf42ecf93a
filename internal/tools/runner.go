package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/hooks"
	"github.com/muxworks/muxd/internal/mcp"
	"github.com/muxworks/muxd/internal/runtime"
	"github.com/muxworks/muxd/internal/stream"
)

// Runner dispatches tool calls to builtins or the workspace's MCP pool,
// wrapping every execution with the user's hook scripts.
type Runner struct {
	registry *Registry
	mcps     *mcp.Manager
	cfg      *config.Service

	// newHookRunner is swappable for tests.
	newHookRunner func(rt runtime.Runtime, workspaceID, projectDir string) *hooks.Runner
}

func NewRunner(registry *Registry, mcps *mcp.Manager, cfg *config.Service) *Runner {
	return &Runner{
		registry:      registry,
		mcps:          mcps,
		cfg:           cfg,
		newHookRunner: hooks.NewRunner,
	}
}

var _ stream.ToolRunner = (*Runner)(nil)

func (r *Runner) Run(ctx context.Context, workspaceID string, call stream.ToolCall, emit func(delta string)) (json.RawMessage, bool) {
	ws := r.cfg.Get().Workspaces[workspaceID]

	exec := func(execCtx context.Context) (json.RawMessage, bool, error) {
		out, isErr := r.dispatch(execCtx, workspaceID, ws, call, emit)
		return out, false, boolError(isErr, out)
	}

	// No workspace entry (tests, transient sends): run without hooks.
	if ws == nil {
		out, isErr, err := exec(ctx)
		return normalize(out, isErr, err)
	}

	rt, err := runtime.New(&ws.Runtime, ws.ProjectPath)
	if err != nil {
		return errorOutput(fmt.Sprintf("runtime unavailable: %v", err)), true
	}
	hook := r.newHookRunner(rt, workspaceID, ws.ProjectPath)
	out, err := hook.Run(ctx, call.Name, call.Input, exec, emit)
	if err != nil {
		return normalize(out, false, err)
	}
	return out, false
}

func (r *Runner) dispatch(ctx context.Context, workspaceID string, ws *config.WorkspaceEntry, call stream.ToolCall, emit func(delta string)) (json.RawMessage, bool) {
	if tool, ok := r.registry.Get(call.Name); ok {
		agentID := ""
		if ws != nil {
			agentID = ws.AgentID
		}
		return tool.Execute(ctx, ExecContext{
			WorkspaceID: workspaceID,
			ToolCallID:  call.ID,
			AgentID:     agentID,
			Emit:        emit,
		}, call.Input)
	}

	if r.mcps != nil {
		out, isErr, err := r.mcps.CallTool(ctx, workspaceID, call.Name, call.Input)
		if err != nil {
			slog.Warn("tools.mcp_call_failed", "workspace", workspaceID, "tool", call.Name, "err", err)
			return errorOutput(err.Error()), true
		}
		return out, isErr
	}

	return errorOutput(fmt.Sprintf("unknown tool %q", call.Name)), true
}

// toolError carries an LLM-visible failure through the hook runner so
// the post-hook sees {"error": ...} per the contract.
type toolError struct{ output json.RawMessage }

func (e *toolError) Error() string {
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(e.output, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(e.output)
}

func boolError(isErr bool, output json.RawMessage) error {
	if !isErr {
		return nil
	}
	return &toolError{output: output}
}

// normalize folds the hook-layer error back into the (output, isError)
// shape the stream loop records.
func normalize(out json.RawMessage, isErr bool, err error) (json.RawMessage, bool) {
	if err != nil {
		if te, ok := err.(*toolError); ok {
			return te.output, true
		}
		return errorOutput(err.Error()), true
	}
	return out, isErr
}
