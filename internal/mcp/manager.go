package mcp

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/muxworks/muxd/internal/config"
)

const (
	evictionInterval = 60 * time.Second
	idleTimeout      = 10 * time.Minute
)

// Tool is one namespaced MCP tool exposed to the model layer.
type Tool struct {
	Name        string // namespaced <server>_<tool>
	Description string
	InputSchema map[string]any

	server   string
	original string
}

// Server returns the owning server name.
func (t Tool) Server() string { return t.server }

// OriginalName returns the un-namespaced tool name on its server.
func (t Tool) OriginalName() string { return t.original }

// ToolsRequest resolves the tool set for one workspace.
type ToolsRequest struct {
	WorkspaceID string
	Servers     map[string]*config.MCPServerConfig // already override-resolved
	// BlockStdio and BlockRemote are policy filters (e.g. untrusted
	// project dirs may not spawn local processes).
	BlockStdio  bool
	BlockRemote bool
}

// Manager keeps one MCP connection pool per workspace with signature
// caching, leases and idle eviction.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*workspacePool

	// OnAutoFallback records an http→sse downgrade for stats. Optional.
	OnAutoFallback func(workspaceID, server string)
}

type workspacePool struct {
	signature    string
	servers      map[string]*serverInstance
	lastActivity time.Time
	leaseCount   int
}

func NewManager() *Manager {
	return &Manager{pools: make(map[string]*workspacePool)}
}

// Run drives idle eviction until ctx dies.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// EvictIdle runs one eviction sweep now (maintenance schedules call
// this outside the Run ticker).
func (m *Manager) EvictIdle() { m.evictIdle() }

func (m *Manager) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for workspaceID, pool := range m.pools {
		if pool.leaseCount > 0 {
			continue
		}
		if time.Since(pool.lastActivity) < idleTimeout {
			continue
		}
		slog.Info("mcp.pool.idle_evicted", "workspace", workspaceID)
		pool.stopLocked()
		delete(m.pools, workspaceID)
	}
}

// AcquireLease pins the workspace pool while a stream uses its tools.
func (m *Manager) AcquireLease(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool := m.pools[workspaceID]
	if pool == nil {
		pool = &workspacePool{servers: make(map[string]*serverInstance)}
		m.pools[workspaceID] = pool
	}
	pool.leaseCount++
	pool.lastActivity = time.Now()
}

func (m *Manager) ReleaseLease(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool := m.pools[workspaceID]; pool != nil && pool.leaseCount > 0 {
		pool.leaseCount--
	}
}

// StopServers tears down a workspace's pool.
func (m *Manager) StopServers(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool := m.pools[workspaceID]; pool != nil {
		pool.stopLocked()
		delete(m.pools, workspaceID)
	}
}

// StopAll tears everything down (daemon shutdown).
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pool := range m.pools {
		pool.stopLocked()
		delete(m.pools, id)
	}
}

func (p *workspacePool) stopLocked() {
	for _, inst := range p.servers {
		inst.stop()
	}
	p.servers = make(map[string]*serverInstance)
	p.signature = ""
}

// GetToolsForWorkspace returns the namespaced tool set, reusing the
// cached pool when the signature matches and every instance is healthy.
//
// A held lease freezes the pool shape: signature changes then restart
// only closed instances, and newly disabled servers merely hide their
// tools from the returned set without revoking them from the in-flight
// stream.
func (m *Manager) GetToolsForWorkspace(ctx context.Context, req ToolsRequest) ([]Tool, error) {
	servers := applyPolicy(req.Servers, req.BlockStdio, req.BlockRemote)
	sig := PoolSignature(servers)

	m.mu.Lock()
	defer m.mu.Unlock()

	pool := m.pools[req.WorkspaceID]
	if pool == nil {
		pool = &workspacePool{servers: make(map[string]*serverInstance)}
		m.pools[req.WorkspaceID] = pool
	}
	pool.lastActivity = time.Now()

	switch {
	case pool.signature == sig && !pool.anyClosed():
		return pool.toolsFor(servers), nil

	case pool.leaseCount > 0 && pool.signature != "":
		// Leased: restart only dead instances, never reshape.
		for name, inst := range pool.servers {
			if !inst.isClosed() {
				continue
			}
			sc := serverConfigByName(servers, name)
			if sc == nil {
				continue
			}
			fresh, err := m.startServer(ctx, req.WorkspaceID, name, sc)
			if err != nil {
				slog.Warn("mcp.server.restart_failed", "workspace", req.WorkspaceID, "server", name, "err", err)
				continue
			}
			inst.stop()
			pool.servers[name] = fresh
		}
		pool.dedupeToolNames()
		return pool.toolsFor(servers), nil

	default:
		pool.stopLocked()
		for name, sc := range servers {
			inst, err := m.startServer(ctx, req.WorkspaceID, name, sc)
			if err != nil {
				slog.Warn("mcp.server.connect_failed", "workspace", req.WorkspaceID, "server", name, "err", err)
				continue
			}
			pool.servers[name] = inst
		}
		pool.signature = sig
		pool.dedupeToolNames()
		return pool.toolsFor(servers), nil
	}
}

// dedupeToolNames renames cross-server namespaced collisions with the
// deterministic hash suffix. Servers are walked in sorted order so the
// same pool shape always picks the same winner, and the rename lands in
// the instance's tool list so CallTool resolves the suffixed name too.
func (p *workspacePool) dedupeToolNames() {
	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := map[string]bool{}
	for _, name := range names {
		inst := p.servers[name]
		for i := range inst.tools {
			t := &inst.tools[i]
			if seen[t.Name] {
				renamed := DisambiguatedToolName(t.server, t.original)
				slog.Warn("mcp.tool.cross_server_collision", "server", t.server, "tool", t.original, "renamed", renamed)
				t.Name = renamed
			}
			seen[t.Name] = true
		}
	}
}

// toolsFor flattens the pool's tools, filtered to servers in the current
// enabled set and their allowlists, deterministically sorted.
func (p *workspacePool) toolsFor(enabled map[string]*config.MCPServerConfig) []Tool {
	var out []Tool
	for name, inst := range p.servers {
		sc := serverConfigByName(enabled, name)
		if sc == nil {
			continue
		}
		allow := toSet(sc.ToolAllow)
		for _, t := range inst.tools {
			if len(allow) > 0 && !allow[t.original] {
				continue
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *workspacePool) anyClosed() bool {
	for _, inst := range p.servers {
		if inst.isClosed() {
			return true
		}
	}
	return false
}

// markActivity refreshes the idle clock; called on every tool execute,
// including failing ones.
func (m *Manager) markActivity(workspaceID string) {
	m.mu.Lock()
	if pool := m.pools[workspaceID]; pool != nil {
		pool.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

func applyPolicy(servers map[string]*config.MCPServerConfig, blockStdio, blockRemote bool) map[string]*config.MCPServerConfig {
	if !blockStdio && !blockRemote {
		return servers
	}
	out := make(map[string]*config.MCPServerConfig, len(servers))
	for name, sc := range servers {
		stdio := sc.Transport == config.MCPTransportStdio || (sc.Transport == "" && sc.Command != "")
		if stdio && blockStdio {
			continue
		}
		if !stdio && blockRemote {
			continue
		}
		out[name] = sc
	}
	return out
}

func serverConfigByName(servers map[string]*config.MCPServerConfig, name string) *config.MCPServerConfig {
	return servers[name]
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
