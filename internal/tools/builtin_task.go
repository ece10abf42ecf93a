package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/muxworks/muxd/internal/providers"
)

// Report is a delivered sub-agent report.
type Report struct {
	ReportMarkdown string
	Title          string
	AgentType      string
}

// TaskCreateParams spawns a sub-agent workspace.
type TaskCreateParams struct {
	ParentWorkspaceID string
	Prompt            string
	AgentID           string
	Model             string
	ThinkingLevel     string
}

// TaskCreateResult reports the scheduling outcome.
type TaskCreateResult struct {
	TaskID string
	Status string // "running" or "queued"
}

// Tasks is the scheduler surface the task tools need.
type Tasks interface {
	Create(ctx context.Context, params TaskCreateParams) (TaskCreateResult, error)
	AwaitReport(ctx context.Context, taskID, requestingWorkspaceID string, timeout time.Duration) (Report, error)
	HasActiveDescendants(workspaceID string) bool
	Terminate(ctx context.Context, taskID string) error
}

// defaultAwaitTimeout bounds a foreground task wait.
const defaultAwaitTimeout = 30 * time.Minute

// TaskTool spawns a sub-agent and foreground-awaits its report.
type TaskTool struct {
	Tasks Tasks
}

func (t *TaskTool) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "task",
		Description: "Spawn a sub-agent to work on a prompt in its own workspace and wait for its report.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":         map[string]any{"type": "string", "description": "Task prompt for the sub-agent."},
				"agent_id":       map[string]any{"type": "string", "description": "Runnable agent to use."},
				"model":          map[string]any{"type": "string", "description": "Optional model override."},
				"thinking_level": map[string]any{"type": "string"},
			},
			"required": []string{"prompt", "agent_id"},
		},
	}
}

type taskInput struct {
	Prompt        string `json:"prompt"`
	AgentID       string `json:"agent_id"`
	Model         string `json:"model"`
	ThinkingLevel string `json:"thinking_level"`
}

func (t *TaskTool) Execute(ctx context.Context, ec ExecContext, input json.RawMessage) (json.RawMessage, bool) {
	var in taskInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorOutput(fmt.Sprintf("invalid task input: %v", err)), true
	}

	created, err := t.Tasks.Create(ctx, TaskCreateParams{
		ParentWorkspaceID: ec.WorkspaceID,
		Prompt:            in.Prompt,
		AgentID:           in.AgentID,
		Model:             in.Model,
		ThinkingLevel:     in.ThinkingLevel,
	})
	if err != nil {
		return errorOutput(err.Error()), true
	}

	report, err := t.Tasks.AwaitReport(ctx, created.TaskID, ec.WorkspaceID, defaultAwaitTimeout)
	if err != nil {
		return errorOutput(fmt.Sprintf("task %s: %v", created.TaskID, err)), true
	}
	return completedOutput(created.TaskID, report), false
}

// TaskAwaitTool waits for a previously created task.
type TaskAwaitTool struct {
	Tasks Tasks
}

func (t *TaskAwaitTool) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "task_await",
		Description: "Wait for a running or queued sub-agent task to deliver its report.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id":    map[string]any{"type": "string"},
				"timeout_ms": map[string]any{"type": "integer"},
			},
			"required": []string{"task_id"},
		},
	}
}

func (t *TaskAwaitTool) Execute(ctx context.Context, ec ExecContext, input json.RawMessage) (json.RawMessage, bool) {
	var in struct {
		TaskID    string `json:"task_id"`
		TimeoutMs int64  `json:"timeout_ms"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.TaskID == "" {
		return errorOutput("task_await requires task_id"), true
	}

	timeout := defaultAwaitTimeout
	if in.TimeoutMs > 0 {
		timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}
	report, err := t.Tasks.AwaitReport(ctx, in.TaskID, ec.WorkspaceID, timeout)
	if err != nil {
		return errorOutput(fmt.Sprintf("task %s: %v", in.TaskID, err)), true
	}
	return completedOutput(in.TaskID, report), false
}

func completedOutput(taskID string, report Report) json.RawMessage {
	out, _ := json.Marshal(map[string]any{
		"status":         "completed",
		"taskId":         taskID,
		"reportMarkdown": report.ReportMarkdown,
		"title":          report.Title,
		"agentType":      report.AgentType,
	})
	return out
}

// AgentReportTool is how a sub-agent delivers its result. The actual
// status transition and parent delivery happen in the task service's
// tool-call-end handler; the tool validates and echoes.
type AgentReportTool struct {
	Tasks Tasks
}

func (t *AgentReportTool) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "agent_report",
		Description: "Deliver the final report for this task. Call exactly once, after all sub-tasks finished.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":           map[string]any{"type": "string"},
				"report_markdown": map[string]any{"type": "string"},
			},
			"required": []string{"report_markdown"},
		},
	}
}

func (t *AgentReportTool) Execute(_ context.Context, ec ExecContext, input json.RawMessage) (json.RawMessage, bool) {
	var in struct {
		ReportMarkdown string `json:"report_markdown"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.ReportMarkdown == "" {
		return errorOutput("agent_report requires report_markdown"), true
	}
	// Reports only succeed at leaves; a task with live descendants must
	// finish or terminate them first.
	if t.Tasks != nil && t.Tasks.HasActiveDescendants(ec.WorkspaceID) {
		return errorOutput("cannot report while descendant tasks are still active; await or terminate them first"), true
	}
	out, _ := json.Marshal(map[string]any{"ok": true})
	return out, false
}
