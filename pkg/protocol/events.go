package protocol

import (
	"encoding/json"

	"github.com/muxworks/muxd/internal/msg"
)

// EventType names an outbound gateway event. Clients switch on this string.
type EventType string

const (
	// Stream lifecycle for one workspace.
	EventStreamStart EventType = "stream.start"
	EventStreamDelta EventType = "stream.delta"
	EventStreamEnd   EventType = "stream.end"
	EventStreamAbort EventType = "stream.abort"
	EventStreamError EventType = "stream.error"

	// Tool execution inside a stream.
	EventToolCallStart EventType = "tool.call_start"
	EventToolCallDelta EventType = "tool.call_delta"
	EventToolCallEnd   EventType = "tool.call_end"

	// Cumulative usage after each provider step.
	EventUsageDelta EventType = "usage.delta"

	// History mutations outside the streaming path.
	EventHistoryAppended  EventType = "history.appended"
	EventHistoryTruncated EventType = "history.truncated"
	EventHistoryCleared   EventType = "history.cleared"

	// Compaction lifecycle.
	EventCompactionStart EventType = "compaction.start"
	EventCompactionEnd   EventType = "compaction.end"

	// SSH credential prompts.
	EventSSHPromptRequest EventType = "ssh.prompt_request"
	EventSSHPromptRemoved EventType = "ssh.prompt_removed"

	// Task tree changes.
	EventTaskCreated       EventType = "task.created"
	EventTaskStatusChanged EventType = "task.status_changed"
	EventTaskReported      EventType = "task.reported"
	EventTaskTerminated    EventType = "task.terminated"

	// Config reloads visible to attached clients.
	EventConfigReloaded EventType = "config.reloaded"
)

// Event is the multiplexed unit on a workspace channel. WorkspaceID is
// empty for daemon-wide events (config reloads).
type Event struct {
	Type        EventType `json:"type"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	Payload     any       `json:"payload,omitempty"`
}

// StreamStart announces a new or replayed assistant message. Replayed
// starts carry the parts accumulated so far so late subscribers can catch
// up without waiting for the next delta.
type StreamStart struct {
	MessageID string     `json:"messageId"`
	Replay    bool       `json:"replay,omitempty"`
	Parts     []msg.Part `json:"parts,omitempty"`
}

// StreamDelta carries one incremental piece of assistant output.
type StreamDelta struct {
	MessageID string       `json:"messageId"`
	PartType  msg.PartType `json:"partType"`
	Text      string       `json:"text,omitempty"`
}

// StreamEnd carries the committed assistant message.
type StreamEnd struct {
	Message *msg.Message `json:"message"`
}

// StreamAbort reports a user-initiated interrupt. The partial survives on
// disk; MessageID names it.
type StreamAbort struct {
	MessageID string `json:"messageId"`
}

// StreamError reports a terminal stream failure with its taxonomy kind.
type StreamError struct {
	MessageID string `json:"messageId,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// ToolCallStart fires when the provider finishes emitting a tool call and
// execution begins.
type ToolCallStart struct {
	MessageID  string          `json:"messageId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolCallDelta carries streaming tool output (hook scripts that opt into
// streaming, long-running builtins).
type ToolCallDelta struct {
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	Text       string `json:"text"`
}

// ToolCallEnd carries the final tool result.
type ToolCallEnd struct {
	MessageID  string          `json:"messageId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// UsageDelta reports cumulative token usage after a provider step. Replays
// emit a single UsageDelta reflecting the running totals.
type UsageDelta struct {
	MessageID    string     `json:"messageId"`
	Usage        msg.Usage  `json:"usage"`
	ContextUsage *msg.Usage `json:"contextUsage,omitempty"`
}

// HistoryAppended announces messages added outside a stream (user sends,
// synthetic follow-ups, task reports).
type HistoryAppended struct {
	Messages []*msg.Message `json:"messages"`
}

// HistoryTruncated reports an edit-style truncation after a message id.
type HistoryTruncated struct {
	AfterMessageID string `json:"afterMessageId"`
}

// CompactionStart announces an in-progress compaction for a workspace.
type CompactionStart struct {
	Source msg.CompactionSource `json:"source"`
}

// CompactionEnd reports the boundary summary (or the failure).
type CompactionEnd struct {
	Epoch   int    `json:"epoch,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SSHPromptRequest asks attached clients for an interactive SSH credential.
type SSHPromptRequest struct {
	PromptID string `json:"promptId"`
	Host     string `json:"host"`
	Prompt   string `json:"prompt"`
	Echo     bool   `json:"echo"`
}

// SSHPromptRemoved retracts a prompt once any client answered it or the
// connection attempt gave up.
type SSHPromptRemoved struct {
	PromptID string `json:"promptId"`
}

// TaskEvent covers created/status-changed/reported/terminated. Status uses
// the workspace task status vocabulary.
type TaskEvent struct {
	TaskWorkspaceID   string `json:"taskWorkspaceId"`
	ParentWorkspaceID string `json:"parentWorkspaceId,omitempty"`
	AgentID           string `json:"agentId,omitempty"`
	Status            string `json:"status,omitempty"`
}
