package protocol

// ProtocolVersion is bumped on breaking changes to the frame shapes or
// method semantics.
const ProtocolVersion = 1

// Method names for gateway requests. Requests are JSON frames
// {"id": ..., "method": ..., "params": {...}}; responses echo the id.
const (
	MethodChatSend       = "chat.send"
	MethodChatStop       = "chat.stop"
	MethodChatHistory    = "chat.history"
	MethodChatClear      = "chat.clear"
	MethodChatTruncate   = "chat.truncate"
	MethodChatCompact    = "chat.compact"
	MethodStreamReplay   = "stream.replay"
	MethodTaskCreate     = "task.create"
	MethodTaskList       = "task.list"
	MethodTaskTerminate  = "task.terminate"
	MethodToolAnswer     = "tool.answer"
	MethodToolCancel     = "tool.cancel"
	MethodToolPending    = "tool.pending"
	MethodSSHPromptReply = "ssh.prompt_reply"
	MethodSSHPromptList  = "ssh.prompt_list"
	MethodWorkspaceList  = "workspace.list"
	MethodConfigReload   = "config.reload"
	MethodPing           = "ping"
)

// Request is one inbound gateway frame.
type Request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Response answers a request by id. Exactly one of Result or Error is set.
type Response struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}
