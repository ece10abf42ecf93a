package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/muxworks/muxd/internal/config"
)

const defaultServerTimeout = 60 * time.Second

// serverInstance is one live MCP connection.
type serverInstance struct {
	name      string
	transport string
	client    *mcpclient.Client
	tools     []Tool
	timeout   time.Duration
	closed    atomic.Bool

	autoFallbackUsed bool
}

func (s *serverInstance) isClosed() bool { return s.closed.Load() }

func (s *serverInstance) stop() {
	s.closed.Store(true)
	if s.client != nil {
		_ = s.client.Close()
	}
}

// startServer connects, handshakes and discovers tools. The auto
// transport tries streamable http first and falls back to sse when the
// endpoint rejects it with 400/404/405.
func (m *Manager) startServer(ctx context.Context, workspaceID, name string, sc *config.MCPServerConfig) (*serverInstance, error) {
	transportType := string(sc.Transport)
	if transportType == "" {
		if sc.Command != "" {
			transportType = "stdio"
		} else {
			transportType = "auto"
		}
	}

	var (
		inst *serverInstance
		err  error
	)
	if transportType == "auto" {
		inst, err = m.connect(ctx, name, "http", sc)
		if err != nil && isHTTPFallbackError(err) {
			slog.Info("mcp.server.auto_fallback", "server", name, "err", err)
			inst, err = m.connect(ctx, name, "sse", sc)
			if err == nil {
				inst.autoFallbackUsed = true
				if m.OnAutoFallback != nil {
					m.OnAutoFallback(workspaceID, name)
				}
			}
		}
	} else {
		inst, err = m.connect(ctx, name, transportType, sc)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("mcp.server.connected",
		"workspace", workspaceID,
		"server", name,
		"transport", inst.transport,
		"tools", len(inst.tools),
	)
	return inst, nil
}

func (m *Manager) connect(ctx context.Context, name, transportType string, sc *config.MCPServerConfig) (*serverInstance, error) {
	client, err := createClient(transportType, sc)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	// stdio auto-starts; network transports need an explicit Start.
	if transportType != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "muxd", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	timeout := defaultServerTimeout
	if sc.TimeoutSec > 0 {
		timeout = time.Duration(sc.TimeoutSec) * time.Second
	}

	inst := &serverInstance{
		name:      name,
		transport: transportType,
		client:    client,
		timeout:   timeout,
	}

	seen := map[string]bool{}
	for _, t := range listed.Tools {
		namespaced := NamespacedToolName(name, t.Name)
		if seen[namespaced] {
			renamed := DisambiguatedToolName(name, t.Name)
			if seen[renamed] {
				// The server listed the exact same tool twice.
				slog.Warn("mcp.tool.duplicate_listing", "server", name, "tool", t.Name)
				continue
			}
			slog.Warn("mcp.tool.name_collision", "server", name, "tool", t.Name, "renamed", renamed)
			namespaced = renamed
		}
		seen[namespaced] = true
		inst.tools = append(inst.tools, Tool{
			Name:        namespaced,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
			server:      name,
			original:    t.Name,
		})
	}
	return inst, nil
}

func createClient(transportType string, sc *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch transportType {
	case "stdio":
		env := make([]string, 0, len(sc.Env))
		for k, v := range sc.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(sc.Command, env, sc.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(sc.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(sc.Headers))
		}
		return mcpclient.NewSSEMCPClient(sc.URL, opts...)

	case "http":
		var opts []transport.StreamableHTTPCOption
		if len(sc.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(sc.Headers))
		}
		return mcpclient.NewStreamableHttpClient(sc.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport %q", transportType)
	}
}

// isHTTPFallbackError matches endpoint rejections that signal "this is an
// sse server": 400, 404 and 405 responses during connect or handshake.
func isHTTPFallbackError(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	for _, code := range []string{"400", "404", "405"} {
		if strings.Contains(text, code) {
			return true
		}
	}
	return false
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	out := map[string]any{"type": schema.Type}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
