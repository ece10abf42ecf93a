package compaction

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/muxworks/muxd/internal/msg"
)

const (
	replayCacheFile    = "post-compaction.json"
	replayCacheVersion = 1

	// MaxEditedFiles bounds how many file edits survive a boundary.
	MaxEditedFiles = 20
	// MaxFileContentSize truncates any single diff (bytes).
	MaxFileContentSize = 32 * 1024
)

// FileDiff is one cached file edit from the pre-boundary epoch.
type FileDiff struct {
	Path      string `json:"path"`
	Diff      string `json:"diff"`
	Truncated bool   `json:"truncated,omitempty"`
}

type replayState struct {
	Version   int        `json:"version"`
	CreatedAt int64      `json:"createdAt"`
	Diffs     []FileDiff `json:"diffs"`
}

type cacheEntry struct {
	diffs   []FileDiff
	pending bool
	loaded  bool
}

// ReplayCache holds post-compaction file diffs per workspace, backed by
// post-compaction.json in the workspace session dir so a crash between the
// boundary write and the next send does not lose the attachments.
type ReplayCache struct {
	dirFor func(workspaceID string) string

	mu  sync.Mutex
	mem map[string]*cacheEntry
}

func NewReplayCache(dirFor func(workspaceID string) string) *ReplayCache {
	return &ReplayCache{dirFor: dirFor, mem: make(map[string]*cacheEntry)}
}

func (c *ReplayCache) path(workspaceID string) string {
	return filepath.Join(c.dirFor(workspaceID), replayCacheFile)
}

// Store caches diffs in memory and best-effort persists them. A persist
// failure is reported but the in-memory cache stays valid.
func (c *ReplayCache) Store(workspaceID string, diffs []FileDiff) error {
	c.mu.Lock()
	c.mem[workspaceID] = &cacheEntry{diffs: diffs, loaded: true}
	c.mu.Unlock()

	if len(diffs) == 0 {
		_ = os.Remove(c.path(workspaceID))
		return nil
	}

	state := replayState{Version: replayCacheVersion, CreatedAt: msg.NowMillis(), Diffs: diffs}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal replay state: %w", err)
	}
	path := c.path(workspaceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write replay state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename replay state: %w", err)
	}
	return nil
}

// PeekPendingDiffs returns the cached diffs, lazily loading the persisted
// file after a restart, and marks them pending (seen but not yet consumed).
func (c *ReplayCache) PeekPendingDiffs(workspaceID string) []FileDiff {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.load(workspaceID)
	if e == nil || len(e.diffs) == 0 {
		return nil
	}
	e.pending = true
	out := make([]FileDiff, len(e.diffs))
	copy(out, e.diffs)
	return out
}

// PeekCachedFilePaths returns the edited file paths without consuming or
// marking the cache pending.
func (c *ReplayCache) PeekCachedFilePaths(workspaceID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.load(workspaceID)
	if e == nil {
		return nil
	}
	paths := make([]string, 0, len(e.diffs))
	for _, d := range e.diffs {
		paths = append(paths, d.Path)
	}
	return paths
}

// AckConsumed clears the cache once the diffs reached the model.
func (c *ReplayCache) AckConsumed(workspaceID string) {
	c.mu.Lock()
	c.mem[workspaceID] = &cacheEntry{loaded: true}
	c.mu.Unlock()
	_ = os.Remove(c.path(workspaceID))
}

// Discard drops the cache without delivery, e.g. when the post-compaction
// request itself blew the context window.
func (c *ReplayCache) Discard(workspaceID, reason string) {
	slog.Info("compaction.replay_cache_discarded", "workspace", workspaceID, "reason", reason)
	c.AckConsumed(workspaceID)
}

// load must be called with c.mu held.
func (c *ReplayCache) load(workspaceID string) *cacheEntry {
	if e, ok := c.mem[workspaceID]; ok && e.loaded {
		return e
	}
	e := &cacheEntry{loaded: true}
	c.mem[workspaceID] = e

	data, err := os.ReadFile(c.path(workspaceID))
	if err != nil {
		return e
	}
	var state replayState
	if err := json.Unmarshal(data, &state); err != nil || state.Version != replayCacheVersion {
		slog.Warn("compaction.replay_cache_unreadable", "workspace", workspaceID, "err", err)
		return e
	}
	e.diffs = state.Diffs
	return e
}

// ExtractFileDiffs pulls file edits out of an epoch's tool results. Tools
// that modify files report `{"path": ..., "diff": ...}` in their output;
// anything else is skipped. The newest edit per path wins, capped at
// MaxEditedFiles most recent files with per-diff truncation.
func ExtractFileDiffs(messages []*msg.Message) []FileDiff {
	byPath := make(map[string]int)
	var ordered []FileDiff

	for _, m := range messages {
		if m.Role != msg.RoleAssistant {
			continue
		}
		for _, p := range m.Parts {
			if p.Type != msg.PartDynamicTool || p.State != msg.ToolOutputAvailable || len(p.Output) == 0 {
				continue
			}
			var out struct {
				Path string `json:"path"`
				Diff string `json:"diff"`
			}
			if err := json.Unmarshal(p.Output, &out); err != nil || out.Path == "" || out.Diff == "" {
				continue
			}
			d := FileDiff{Path: out.Path, Diff: out.Diff}
			if len(d.Diff) > MaxFileContentSize {
				d.Diff = d.Diff[:MaxFileContentSize]
				d.Truncated = true
			}
			if i, seen := byPath[out.Path]; seen {
				ordered[i] = d
				continue
			}
			byPath[out.Path] = len(ordered)
			ordered = append(ordered, d)
		}
	}

	if len(ordered) > MaxEditedFiles {
		ordered = ordered[len(ordered)-MaxEditedFiles:]
	}
	return ordered
}
