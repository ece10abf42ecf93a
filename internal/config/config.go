package config

import (
	"log/slog"
	"strings"
)

// TaskStatus is the lifecycle state of a sub-agent workspace.
type TaskStatus string

const (
	TaskQueued         TaskStatus = "queued"
	TaskRunning        TaskStatus = "running"
	TaskAwaitingReport TaskStatus = "awaiting_report"
	TaskReported       TaskStatus = "reported"
)

// RuntimeType selects how tool execution reaches the working directory.
type RuntimeType string

const (
	RuntimeLocal    RuntimeType = "local"
	RuntimeWorktree RuntimeType = "worktree"
	RuntimeSSH      RuntimeType = "ssh"
)

// RuntimeConfig describes the runtime of one workspace.
type RuntimeConfig struct {
	Type RuntimeType `json:"type"`
	// ssh only
	Host string `json:"host,omitempty"`
	User string `json:"user,omitempty"`
}

// AISettings is the per-workspace model selection.
type AISettings struct {
	ModelString   string `json:"modelString,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	Use1MContext  bool   `json:"use1MContext,omitempty"`
}

// WorkspaceEntry is one workspace row in the config file. Task* fields are
// only meaningful for sub-agent workspaces.
type WorkspaceEntry struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name,omitempty"`
	ProjectPath       string                 `json:"projectPath"`
	ParentWorkspaceID string                 `json:"parentWorkspaceId,omitempty"`
	Runtime           RuntimeConfig          `json:"runtimeConfig"`
	AgentID           string                 `json:"agentId,omitempty"`
	TaskStatus        TaskStatus             `json:"taskStatus,omitempty"`
	TaskPrompt        string                 `json:"taskPrompt,omitempty"`   // held only while queued
	TaskQueuedAt      int64                  `json:"taskQueuedAt,omitempty"` // unix millis, orders queue drain
	TaskTrunkBranch   string                 `json:"taskTrunkBranch,omitempty"`
	TaskBaseCommitSha string                 `json:"taskBaseCommitSha,omitempty"`
	TaskModelString   string                 `json:"taskModelString,omitempty"`
	TaskThinkingLevel string                 `json:"taskThinkingLevel,omitempty"`
	TaskExperiments   map[string]string      `json:"taskExperiments,omitempty"`
	AISettings        *AISettings            `json:"aiSettings,omitempty"`
	AISettingsByAgent map[string]*AISettings `json:"aiSettingsByAgent,omitempty"`
	ReportedAt        int64                  `json:"reportedAt,omitempty"` // unix millis
}

// ModelDefaults selects a model for a specific engine duty.
type ModelDefaults struct {
	ModelString   string `json:"modelString,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// AgentAiDefaults holds engine-wide model preferences.
type AgentAiDefaults struct {
	Compact ModelDefaults `json:"compact,omitempty"`
}

// CompactionConfig tunes the context-window monitor.
type CompactionConfig struct {
	// Threshold in (0,1]; 1 disables auto-compaction.
	Threshold float64 `json:"threshold,omitempty"`
}

// TasksConfig bounds the sub-agent scheduler.
type TasksConfig struct {
	MaxParallelAgentTasks int `json:"maxParallelAgentTasks,omitempty"`
	MaxTaskNestingDepth   int `json:"maxTaskNestingDepth,omitempty"`
}

// SubagentSpec is the subagent section of an agent definition.
type SubagentSpec struct {
	Runnable     bool `json:"runnable,omitempty"`
	SkipInitHook bool `json:"skip_init_hook,omitempty"`
}

// AgentDefinition describes an agent persona.
type AgentDefinition struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	SystemPrompt string       `json:"systemPrompt,omitempty"`
	Subagent     SubagentSpec `json:"subagent,omitempty"`
}

// ModelOverride is a per-install adjustment to a model's advertised limits.
type ModelOverride struct {
	ContextWindow    int  `json:"contextWindow,omitempty"`
	ContextWindow1M  int  `json:"contextWindow1M,omitempty"`
	Supports1MWindow bool `json:"supports1MWindow,omitempty"`
}

// ProviderConfig carries credentials plus model overrides for one provider.
type ProviderConfig struct {
	APIKey  string                    `json:"apiKey,omitempty"`
	BaseURL string                    `json:"baseURL,omitempty"`
	Models  map[string]*ModelOverride `json:"models,omitempty"`
}

// ProvidersConfig is the providers section, threaded through compaction
// checks so context windows reflect per-install overrides.
type ProvidersConfig map[string]*ProviderConfig

// MCPTransport selects the MCP wire transport.
type MCPTransport string

const (
	MCPTransportStdio MCPTransport = "stdio"
	MCPTransportHTTP  MCPTransport = "http"
	MCPTransportSSE   MCPTransport = "sse"
	MCPTransportAuto  MCPTransport = "auto"
)

// MCPServerConfig configures one MCP tool server.
type MCPServerConfig struct {
	Transport  MCPTransport      `json:"transport,omitempty"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
	ToolAllow  []string          `json:"toolAllow,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

// MCPOverride is a per-workspace enable/disable override. Explicit entries
// beat the project-level Disabled flag in either direction.
type MCPOverride struct {
	Enabled  []string `json:"enabled,omitempty"`
	Disabled []string `json:"disabled,omitempty"`
}

// GatewayConfig configures the renderer-facing websocket server.
type GatewayConfig struct {
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	Token          string   `json:"token,omitempty"`
	RateLimitRPM   int      `json:"rateLimitRPM,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// StatsConfig controls the local telemetry recorder.
type StatsConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

// TelemetryConfig configures the OTLP trace exporter. Empty endpoint
// disables tracing.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlpEndpoint,omitempty"`
	Protocol     string `json:"protocol,omitempty"` // "http" (default) or "grpc"
}

// MaintenanceConfig holds cron expressions for background sweeps.
type MaintenanceConfig struct {
	MCPEvictionSchedule    string `json:"mcpEvictionSchedule,omitempty"`
	IdleCompactionSchedule string `json:"idleCompactionSchedule,omitempty"`
	IdleCompactionAfterMin int    `json:"idleCompactionAfterMin,omitempty"`
}

// SessionsConfig locates the per-workspace session directories.
type SessionsConfig struct {
	Storage string `json:"storage,omitempty"`
}

// FeatureOverride values: "on" and "default" enable, "off" forces disabled.
type FeatureOverride string

// Config is the root config file.
type Config struct {
	DefaultModel    string                      `json:"defaultModel,omitempty"`
	Workspaces      map[string]*WorkspaceEntry  `json:"workspaces,omitempty"`
	Agents          map[string]*AgentDefinition `json:"agents,omitempty"`
	AgentAiDefaults AgentAiDefaults             `json:"agentAiDefaults,omitempty"`
	Providers       ProvidersConfig             `json:"providers,omitempty"`
	Compaction      CompactionConfig            `json:"compaction,omitempty"`
	Tasks           TasksConfig                 `json:"tasks,omitempty"`
	MCPServers      map[string]*MCPServerConfig `json:"mcpServers,omitempty"`
	MCPOverrides    map[string]*MCPOverride     `json:"mcpOverrides,omitempty"` // keyed by workspace id
	Gateway         GatewayConfig               `json:"gateway,omitempty"`
	Stats           StatsConfig                 `json:"stats,omitempty"`
	Telemetry       TelemetryConfig             `json:"telemetry,omitempty"`
	Maintenance     MaintenanceConfig           `json:"maintenance,omitempty"`
	Sessions        SessionsConfig              `json:"sessions,omitempty"`
	Features        map[string]FeatureOverride  `json:"features,omitempty"`
}

// maxTreeDepth bounds every parent-chain traversal. A config file with a
// cycle logs a warning instead of hanging.
const maxTreeDepth = 32

// ChildrenByParent derives the child index from parentWorkspaceId edges.
// Rebuilt on each call so it can never go stale against the config file.
func (c *Config) ChildrenByParent() map[string][]*WorkspaceEntry {
	out := make(map[string][]*WorkspaceEntry)
	for _, ws := range c.Workspaces {
		if ws.ParentWorkspaceID != "" {
			out[ws.ParentWorkspaceID] = append(out[ws.ParentWorkspaceID], ws)
		}
	}
	return out
}

// WorkspaceDepth walks the parent chain and returns the nesting depth of a
// workspace (0 for roots). Traversal is capped at maxTreeDepth.
func (c *Config) WorkspaceDepth(workspaceID string) int {
	depth := 0
	cur := c.Workspaces[workspaceID]
	for cur != nil && cur.ParentWorkspaceID != "" {
		depth++
		if depth >= maxTreeDepth {
			slog.Warn("config.workspace_cycle_detected", "workspace", workspaceID)
			return depth
		}
		cur = c.Workspaces[cur.ParentWorkspaceID]
	}
	return depth
}

// AncestorIDs returns the parent chain of a workspace, nearest first.
func (c *Config) AncestorIDs(workspaceID string) []string {
	var out []string
	cur := c.Workspaces[workspaceID]
	for i := 0; cur != nil && cur.ParentWorkspaceID != ""; i++ {
		if i >= maxTreeDepth {
			slog.Warn("config.workspace_cycle_detected", "workspace", workspaceID)
			break
		}
		out = append(out, cur.ParentWorkspaceID)
		cur = c.Workspaces[cur.ParentWorkspaceID]
	}
	return out
}

// ResolveWorkspaceModel resolves the effective model string for a workspace:
// explicit task model → per-agent setting → workspace setting → default.
func (c *Config) ResolveWorkspaceModel(ws *WorkspaceEntry, agentID string) string {
	if ws == nil {
		return c.DefaultModel
	}
	if ws.TaskModelString != "" {
		return ws.TaskModelString
	}
	if agentID != "" && ws.AISettingsByAgent != nil {
		if s := ws.AISettingsByAgent[agentID]; s != nil && s.ModelString != "" {
			return s.ModelString
		}
	}
	if ws.AISettings != nil && ws.AISettings.ModelString != "" {
		return ws.AISettings.ModelString
	}
	return c.DefaultModel
}

// NormalizeAgentID lower-cases an agent id for schema lookup.
func NormalizeAgentID(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

// RunnableAgentIDs lists agents usable as subagents.
func (c *Config) RunnableAgentIDs() []string {
	var out []string
	for id, def := range c.Agents {
		if def != nil && def.Subagent.Runnable {
			out = append(out, id)
		}
	}
	return out
}
