package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/delegated"
	"github.com/muxworks/muxd/internal/providers"
)

// AskUserQuestionTool delegates execution to the attached client: the
// question renders in the UI and the answer comes back through the
// delegated registry.
type AskUserQuestionTool struct {
	Registry *delegated.Registry
}

func (t *AskUserQuestionTool) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "ask_user_question",
		Description: "Ask the user a clarifying question and wait for their answer.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string"},
				"options":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"question"},
		},
	}
}

func (t *AskUserQuestionTool) Execute(ctx context.Context, ec ExecContext, input json.RawMessage) (json.RawMessage, bool) {
	var in struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Question == "" {
		return errorOutput("ask_user_question requires question"), true
	}

	ch, err := t.Registry.RegisterPending(ec.WorkspaceID, ec.ToolCallID, "ask_user_question")
	if err != nil {
		return errorOutput(err.Error()), true
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return errorOutput(res.Err.Error()), true
		}
		return res.Output, false
	case <-ctx.Done():
		// Leave no dangling entry behind the aborted stream.
		_ = t.Registry.Cancel(ec.WorkspaceID, ec.ToolCallID, "stream aborted")
		return errorOutput("question cancelled"), true
	}
}

// SwitchAgentTool switches the workspace to a different agent persona.
// A successful switch ends the current stream; the next send runs under
// the new agent.
type SwitchAgentTool struct {
	Config *config.Service
}

func (t *SwitchAgentTool) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "switch_agent",
		Description: "Hand the conversation over to a different agent.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{"type": "string"},
				"reason":   map[string]any{"type": "string"},
			},
			"required": []string{"agent_id"},
		},
	}
}

func (t *SwitchAgentTool) Execute(_ context.Context, ec ExecContext, input json.RawMessage) (json.RawMessage, bool) {
	var in struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.AgentID == "" {
		return errorOutput("switch_agent requires agent_id"), true
	}
	agentID := config.NormalizeAgentID(in.AgentID)

	cfg := t.Config.Get()
	if cfg.Agents[agentID] == nil {
		return errorOutput(fmt.Sprintf("unknown agent %q", agentID)), true
	}

	err := t.Config.Mutate(func(c *config.Config) error {
		ws := c.Workspaces[ec.WorkspaceID]
		if ws == nil {
			return fmt.Errorf("workspace %s not found", ec.WorkspaceID)
		}
		ws.AgentID = agentID
		return nil
	})
	if err != nil {
		return errorOutput(err.Error()), true
	}

	out, _ := json.Marshal(map[string]any{"ok": true, "agentId": agentID})
	return out, false
}
