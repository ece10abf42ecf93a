package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/muxworks/muxd/internal/providers"
)

// ExecContext carries per-call context into a tool implementation.
type ExecContext struct {
	WorkspaceID string
	ToolCallID  string
	AgentID     string
	// Emit streams incremental output to the UI while the tool runs.
	Emit func(delta string)
}

// Tool is one builtin tool implementation. isError marks an LLM-visible
// failure; transport-level failures are returned as Go errors by the
// runner instead.
type Tool interface {
	Definition() providers.ToolDefinition
	Execute(ctx context.Context, ec ExecContext, input json.RawMessage) (output json.RawMessage, isError bool)
}

// Registry holds the builtin tool set.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Definition().Name] = t
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists all builtin definitions, sorted by name.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// errorOutput renders an LLM-visible tool failure.
func errorOutput(message string) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"error": message})
	return out
}
