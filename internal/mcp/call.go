package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// resultPart is the model-provider shape for one content element of a
// tool result.
type resultPart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Data      string `json:"data,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// CallTool executes a namespaced tool against its owning server. The
// boolean reports whether the server flagged the result as an error.
// Activity is marked before the call so even failing calls keep the pool
// warm.
func (m *Manager) CallTool(ctx context.Context, workspaceID, namespacedName string, args json.RawMessage) (json.RawMessage, bool, error) {
	m.markActivity(workspaceID)

	m.mu.Lock()
	pool := m.pools[workspaceID]
	var (
		inst     *serverInstance
		original string
	)
	if pool != nil {
		for _, candidate := range pool.servers {
			for _, t := range candidate.tools {
				if t.Name == namespacedName {
					inst = candidate
					original = t.original
					break
				}
			}
			if inst != nil {
				break
			}
		}
	}
	m.mu.Unlock()

	if inst == nil {
		return nil, false, fmt.Errorf("mcp tool %q not found for workspace %s", namespacedName, workspaceID)
	}
	if inst.isClosed() {
		return nil, false, fmt.Errorf("mcp server %q is closed", inst.name)
	}

	callCtx, cancel := context.WithTimeout(ctx, inst.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = original
	if len(args) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, false, fmt.Errorf("tool arguments for %q are not an object: %w", namespacedName, err)
		}
		req.Params.Arguments = parsed
	}

	res, err := inst.client.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() == nil && isTransportDead(err) {
			inst.closed.Store(true)
		}
		return nil, false, fmt.Errorf("call %s on %s: %w", original, inst.name, err)
	}

	out, err := transformResult(res)
	if err != nil {
		return nil, false, err
	}
	return out, res.IsError, nil
}

// transformResult flattens MCP content into the provider part array.
func transformResult(res *mcpgo.CallToolResult) (json.RawMessage, error) {
	parts := make([]resultPart, 0, len(res.Content))
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, resultPart{Type: "text", Text: v.Text})
		case mcpgo.ImageContent:
			parts = append(parts, resultPart{Type: "image", Data: v.Data, MediaType: v.MIMEType})
		case mcpgo.EmbeddedResource:
			if text, ok := v.Resource.(mcpgo.TextResourceContents); ok {
				parts = append(parts, resultPart{Type: "text", Text: text.Text})
			}
		default:
			// Unknown content kinds degrade to their JSON rendering.
			raw, err := json.Marshal(c)
			if err != nil {
				continue
			}
			parts = append(parts, resultPart{Type: "text", Text: string(raw)})
		}
	}
	return json.Marshal(parts)
}

func isTransportDead(err error) bool {
	text := err.Error()
	for _, marker := range []string{"broken pipe", "connection refused", "connection reset", "EOF", "process already finished"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
