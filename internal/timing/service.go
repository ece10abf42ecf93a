package timing

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/muxworks/muxd/internal/msg"
)

const (
	timingFile        = "session-timing.json"
	timingFileVersion = 2
)

// Totals accumulates request timing per session or per model.
type Totals struct {
	Requests        int   `json:"requests"`
	TotalDurationMs int64 `json:"totalDurationMs"`
	TTFTMs          int64 `json:"ttftMs"`
	ToolExecutionMs int64 `json:"toolExecutionMs"`
	ModelTimeMs     int64 `json:"modelTimeMs"`
	StreamingMs     int64 `json:"streamingMs"`
	OutputTokens    int   `json:"outputTokens"`
	ReasoningTokens int   `json:"reasoningTokens"`
}

func (t *Totals) add(r *RequestTiming) {
	t.Requests++
	t.TotalDurationMs += r.TotalDurationMs
	t.TTFTMs += r.TTFTMs
	t.ToolExecutionMs += r.ToolExecutionMs
	t.ModelTimeMs += r.ModelTimeMs
	t.StreamingMs += r.StreamingMs
	t.OutputTokens += r.OutputTokens
	t.ReasoningTokens += r.ReasoningTokens
}

func (t *Totals) merge(o *Totals) {
	t.Requests += o.Requests
	t.TotalDurationMs += o.TotalDurationMs
	t.TTFTMs += o.TTFTMs
	t.ToolExecutionMs += o.ToolExecutionMs
	t.ModelTimeMs += o.ModelTimeMs
	t.StreamingMs += o.StreamingMs
	t.OutputTokens += o.OutputTokens
	t.ReasoningTokens += o.ReasoningTokens
}

// RequestTiming is the completed measurement of one stream.
type RequestTiming struct {
	Model           string   `json:"model,omitempty"`
	TotalDurationMs int64    `json:"totalDurationMs"`
	TTFTMs          int64    `json:"ttftMs"`
	ToolExecutionMs int64    `json:"toolExecutionMs"`
	ModelTimeMs     int64    `json:"modelTimeMs"`
	StreamingMs     int64    `json:"streamingMs"`
	OutputTokens    int      `json:"outputTokens"`
	ReasoningTokens int      `json:"reasoningTokens"`
	Invalid         bool     `json:"invalid,omitempty"`
	Anomalies       []string `json:"anomalies,omitempty"`
}

type sessionTiming struct {
	Totals  Totals             `json:"totals"`
	ByModel map[string]*Totals `json:"byModel,omitempty"`
}

type fileState struct {
	Version      int             `json:"version"`
	Session      sessionTiming   `json:"session"`
	LastRequest  *RequestTiming  `json:"lastRequest,omitempty"`
	RolledUpFrom map[string]bool `json:"rolledUpFrom,omitempty"`
}

// activeStream is the in-flight measurement state for one workspace.
// toolWallMs is the union of overlapping tool intervals, never their sum:
// three parallel 10s tools cost 10s of wall, not 30.
type activeStream struct {
	startMs         int64
	firstTokenMs    int64
	model           string
	writeEpoch      int
	toolWallMs      int64
	toolWallStartMs int64
	pendingStarts   map[string]int64
}

// Service measures stream timing per workspace and persists session
// aggregates to session-timing.json.
type Service struct {
	dirFor func(workspaceID string) string

	// OnComputed fires for every completed measurement, valid or not.
	OnComputed func(workspaceID string, r *RequestTiming)
	// OnInvalid fires when a completed measurement fails validation.
	OnInvalid func(workspaceID string, anomalies []string)

	mu     sync.Mutex
	active map[string]*activeStream
	files  map[string]*wsFile
}

// wsFile serializes writes per workspace. writeEpoch invalidates queued
// writes scheduled before a clear so they cannot resurrect old totals.
type wsFile struct {
	mu    sync.Mutex
	epoch int
}

func NewService(dirFor func(workspaceID string) string) *Service {
	return &Service{
		dirFor: dirFor,
		active: make(map[string]*activeStream),
		files:  make(map[string]*wsFile),
	}
}

func (s *Service) file(workspaceID string) *wsFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.files[workspaceID]
	if f == nil {
		f = &wsFile{}
		s.files[workspaceID] = f
	}
	return f
}

func (s *Service) path(workspaceID string) string {
	return filepath.Join(s.dirFor(workspaceID), timingFile)
}

// StreamStarted begins measuring a stream. The write epoch is stamped
// here: a clear racing the in-flight measurement bumps it, and the
// eventual persist compares against the stamp.
func (s *Service) StreamStarted(workspaceID, model string) {
	f := s.file(workspaceID)
	f.mu.Lock()
	epoch := f.epoch
	f.mu.Unlock()

	s.mu.Lock()
	s.active[workspaceID] = &activeStream{
		startMs:       msg.NowMillis(),
		model:         model,
		writeEpoch:    epoch,
		pendingStarts: make(map[string]int64),
	}
	s.mu.Unlock()
}

// FirstToken records time-to-first-token once.
func (s *Service) FirstToken(workspaceID string) {
	s.mu.Lock()
	if a := s.active[workspaceID]; a != nil && a.firstTokenMs == 0 {
		a.firstTokenMs = msg.NowMillis()
	}
	s.mu.Unlock()
}

// ToolStarted opens (or extends) the current tool-wall segment.
func (s *Service) ToolStarted(workspaceID, toolCallID string) {
	now := msg.NowMillis()
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.active[workspaceID]
	if a == nil {
		return
	}
	if len(a.pendingStarts) == 0 {
		a.toolWallStartMs = now
	} else if now < a.toolWallStartMs {
		a.toolWallStartMs = now
	}
	a.pendingStarts[toolCallID] = now
}

// ToolEnded closes the segment when the last concurrent tool finishes.
func (s *Service) ToolEnded(workspaceID, toolCallID string) {
	now := msg.NowMillis()
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.active[workspaceID]
	if a == nil {
		return
	}
	delete(a.pendingStarts, toolCallID)
	if len(a.pendingStarts) == 0 && a.toolWallStartMs > 0 {
		a.toolWallMs += now - a.toolWallStartMs
		a.toolWallStartMs = 0
	}
}

// StreamEnded finalizes the measurement, validates it and persists the
// aggregate. Aborted streams use the same path.
func (s *Service) StreamEnded(workspaceID string, usage *msg.Usage) *RequestTiming {
	now := msg.NowMillis()

	s.mu.Lock()
	a := s.active[workspaceID]
	delete(s.active, workspaceID)
	s.mu.Unlock()
	if a == nil {
		return nil
	}

	// Dangling tool starts close at stream end.
	if len(a.pendingStarts) > 0 && a.toolWallStartMs > 0 {
		a.toolWallMs += now - a.toolWallStartMs
	}

	r := &RequestTiming{
		Model:           a.model,
		TotalDurationMs: now - a.startMs,
		ToolExecutionMs: a.toolWallMs,
	}
	if a.firstTokenMs > 0 {
		r.TTFTMs = a.firstTokenMs - a.startMs
	}
	if usage != nil {
		r.OutputTokens = usage.OutputTokens
		r.ReasoningTokens = usage.ReasoningTokens
	}

	r.ModelTimeMs = r.TotalDurationMs - r.ToolExecutionMs
	if r.ModelTimeMs < 0 {
		r.ModelTimeMs = 0
	}
	r.StreamingMs = r.TotalDurationMs - r.ToolExecutionMs - r.TTFTMs
	if r.StreamingMs < 0 {
		r.StreamingMs = 0
	}

	validate(r)
	if s.OnComputed != nil {
		s.OnComputed(workspaceID, r)
	}
	if r.Invalid && s.OnInvalid != nil {
		s.OnInvalid(workspaceID, r.Anomalies)
	}

	s.persistRequest(workspaceID, r, a.writeEpoch)
	return r
}

func validate(r *RequestTiming) {
	if r.TotalDurationMs < 0 || r.TTFTMs < 0 || r.ToolExecutionMs < 0 {
		r.Anomalies = append(r.Anomalies, "negative_duration")
	}
	if r.ToolExecutionMs > r.TotalDurationMs {
		r.Anomalies = append(r.Anomalies, "tool_gt_total")
	}
	if r.TTFTMs > r.TotalDurationMs {
		r.Anomalies = append(r.Anomalies, "ttft_gt_total")
	}
	r.Invalid = len(r.Anomalies) > 0
}

// persistRequest folds a measurement into the workspace file. epoch is
// the stamp taken when the measurement began; a clear in between bumped
// the file's epoch and the stale write is dropped.
func (s *Service) persistRequest(workspaceID string, r *RequestTiming, epoch int) {
	f := s.file(workspaceID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if epoch != f.epoch {
		slog.Debug("timing.stale_write_discarded", "workspace", workspaceID)
		return
	}

	state := s.readState(workspaceID)
	state.Session.Totals.add(r)
	if r.Model != "" {
		if state.Session.ByModel == nil {
			state.Session.ByModel = make(map[string]*Totals)
		}
		if state.Session.ByModel[r.Model] == nil {
			state.Session.ByModel[r.Model] = &Totals{}
		}
		state.Session.ByModel[r.Model].add(r)
	}
	state.LastRequest = r
	s.writeState(workspaceID, state)
}

// ClearTimingFile deletes the file and bumps the write epoch so any
// write scheduled before the clear is discarded instead of resurrecting
// the old totals.
func (s *Service) ClearTimingFile(workspaceID string) {
	f := s.file(workspaceID)
	f.mu.Lock()
	f.epoch++
	if err := os.Remove(s.path(workspaceID)); err != nil && !os.IsNotExist(err) {
		slog.Warn("timing.clear_failed", "workspace", workspaceID, "err", err)
	}
	f.mu.Unlock()
}

// RollUpIntoParent folds a finished child's session totals into the
// parent. Idempotent through the rolledUpFrom ledger; the parent's
// lastRequest is left alone.
func (s *Service) RollUpIntoParent(parentWorkspaceID, childWorkspaceID string) {
	child := s.readState(childWorkspaceID)
	if child.Session.Totals.Requests == 0 {
		return
	}

	f := s.file(parentWorkspaceID)
	f.mu.Lock()
	defer f.mu.Unlock()

	parent := s.readState(parentWorkspaceID)
	if parent.RolledUpFrom[childWorkspaceID] {
		return
	}

	parent.Session.Totals.merge(&child.Session.Totals)
	for model, t := range child.Session.ByModel {
		if parent.Session.ByModel == nil {
			parent.Session.ByModel = make(map[string]*Totals)
		}
		if parent.Session.ByModel[model] == nil {
			parent.Session.ByModel[model] = &Totals{}
		}
		parent.Session.ByModel[model].merge(t)
	}
	if parent.RolledUpFrom == nil {
		parent.RolledUpFrom = make(map[string]bool)
	}
	parent.RolledUpFrom[childWorkspaceID] = true
	s.writeState(parentWorkspaceID, parent)
}

// ReadState returns the persisted timing for inspection (doctor, stats).
func (s *Service) ReadState(workspaceID string) (Totals, *RequestTiming) {
	st := s.readState(workspaceID)
	return st.Session.Totals, st.LastRequest
}

func (s *Service) readState(workspaceID string) *fileState {
	state := &fileState{Version: timingFileVersion}
	data, err := os.ReadFile(s.path(workspaceID))
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, state); err != nil {
		slog.Warn("timing.state_unreadable", "workspace", workspaceID, "err", err)
		return &fileState{Version: timingFileVersion}
	}
	return state
}

func (s *Service) writeState(workspaceID string, state *fileState) {
	state.Version = timingFileVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		slog.Warn("timing.marshal_failed", "workspace", workspaceID, "err", err)
		return
	}
	path := s.path(workspaceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("timing.dir_create_failed", "workspace", workspaceID, "err", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("timing.write_failed", "workspace", workspaceID, "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("timing.rename_failed", "workspace", workspaceID, "err", err)
	}
}
