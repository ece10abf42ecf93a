package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/internal/history"
	"github.com/muxworks/muxd/internal/msg"
	"github.com/muxworks/muxd/internal/providers"
	"github.com/muxworks/muxd/pkg/protocol"
)

const (
	// stepCap bounds autonomous multi-step runs.
	stepCap = 100_000
	// partialFlushDebounce batches high-frequency delta flushes.
	partialFlushDebounce = 150 * time.Millisecond
)

// ToolCall identifies one call to execute.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolRunner executes one tool call. Streaming output goes through emit;
// the final output and error flag come back as the result.
type ToolRunner interface {
	Run(ctx context.Context, workspaceID string, call ToolCall, emit func(delta string)) (output json.RawMessage, isError bool)
}

// StartRequest describes one stream to run for a workspace.
type StartRequest struct {
	WorkspaceID string
	Model       string // provider:model
	System      string
	Messages    []*msg.Message
	Tools       []providers.ToolDefinition
	ToolChoice  *providers.ToolChoice
	Thinking    string
	Use1M       bool
	AgentID     string

	// ProviderOptions, e.g. openai.previousResponseId. Mutated by the
	// recovery path when an id turns out to be lost.
	ProviderOptions map[string]map[string]any

	// Ctx is the caller's abort signal. Nil means background.
	Ctx context.Context

	// QueuedFollowUp reports whether the outer layer queued a user
	// message; the loop stops after the current step when it does.
	QueuedFollowUp func() bool

	// ProposePlanStops makes a successful propose_plan output a stop
	// condition (feature-flagged planning UI).
	ProposePlanStops bool
}

// Manager owns at most one live provider stream per workspace.
type Manager struct {
	store    *history.Store
	partials *history.PartialStore
	registry *providers.Registry
	events   bus.Publisher
	tools    ToolRunner
	tmpBase  string

	// OnStreamEnd runs after a stream commits its final message
	// (compaction handler, timing service). Optional.
	OnStreamEnd func(workspaceID string, final *msg.Message)

	// MidStreamCheck inspects per-step usage; returning true stops the
	// loop after the current step and fires OnMidStreamCompact.
	MidStreamCheck     func(workspaceID string, usage *msg.Usage) bool
	OnMidStreamCompact func(workspaceID string)

	startLocks sync.Map // workspaceID -> *sync.Mutex
	active     sync.Map // workspaceID -> *workspaceStream

	lostMu          sync.Mutex
	lostResponseIDs map[string]bool
}

func NewManager(store *history.Store, partials *history.PartialStore, registry *providers.Registry, events bus.Publisher, tools ToolRunner) *Manager {
	base := ".mux-tmp"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".mux-tmp")
	}
	return &Manager{
		store:           store,
		partials:        partials,
		registry:        registry,
		events:          events,
		tools:           tools,
		tmpBase:         base,
		lostResponseIDs: make(map[string]bool),
	}
}

// SetTmpBase overrides the stream temp dir root; used by tests.
func (m *Manager) SetTmpBase(dir string) { m.tmpBase = dir }

// workspaceStream is the live state of one stream.
type workspaceStream struct {
	workspaceID string
	token       string
	tmpDir      string
	messageID   string
	model       string
	agentID     string
	sequence    int // historySequence reserved by the placeholder row

	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	parts          []msg.Part
	toolStarts     map[string]int64 // toolCallID -> start millis
	toolCompletion map[string]int64 // toolCallID -> completion millis
	toolErrors     map[string]bool  // toolCallID -> result was an error
	lastStepUsage  *msg.Usage
	cumulative     msg.Usage
	startedAt      int64
	firstTokenAt   int64
	abandonPartial bool
	closed         bool
	flushTimer     *time.Timer
	responseID     string
}

// snapshotParts copies the live parts; replay and flushing must never
// iterate the array the processing goroutine is appending to.
func (s *workspaceStream) snapshotParts() []msg.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]msg.Part, len(s.parts))
	copy(out, s.parts)
	return out
}

func (m *Manager) startLock(workspaceID string) *sync.Mutex {
	l, _ := m.startLocks.LoadOrStore(workspaceID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Active reports whether a stream is live for the workspace.
func (m *Manager) Active(workspaceID string) bool {
	_, ok := m.active.Load(workspaceID)
	return ok
}

// StartStream serializes stream creation per workspace, stops any previous
// stream (committing its partial), and launches background processing. An
// abort that fires before atomic creation is a success-with-no-op.
func (m *Manager) StartStream(req StartRequest) error {
	if req.WorkspaceID == "" {
		return newError(ErrInvalid, "workspace id required")
	}
	if req.Ctx == nil {
		req.Ctx = context.Background()
	}

	lock := m.startLock(req.WorkspaceID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.ensureStreamSafety(req.WorkspaceID); err != nil {
		return err
	}

	token := uuid.NewString()
	tmpDir := filepath.Join(m.tmpBase, token)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create stream temp dir: %w", err)
	}

	select {
	case <-req.Ctx.Done():
		_ = os.RemoveAll(tmpDir)
		return nil
	default:
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Ctx))
	s := &workspaceStream{
		workspaceID:    req.WorkspaceID,
		token:          token,
		tmpDir:         tmpDir,
		messageID:      msg.NewID(),
		model:          req.Model,
		agentID:        req.AgentID,
		cancel:         cancel,
		done:           make(chan struct{}),
		toolStarts:     make(map[string]int64),
		toolCompletion: make(map[string]int64),
		toolErrors:     make(map[string]bool),
		startedAt:      msg.NowMillis(),
	}

	if _, raced := m.active.LoadOrStore(req.WorkspaceID, s); raced {
		cancel()
		_ = os.RemoveAll(tmpDir)
		return newError(ErrAlreadyStreaming, "stream already active for workspace")
	}

	// The caller's abort signal maps onto the processing context.
	go func() {
		select {
		case <-req.Ctx.Done():
			cancel()
		case <-s.done:
		}
	}()

	go m.processStreamWithCleanup(ctx, s, req)
	return nil
}

// ensureStreamSafety stops a leftover stream and commits its partial so
// the new stream starts from durable state. Caller holds the start lock.
func (m *Manager) ensureStreamSafety(workspaceID string) error {
	v, ok := m.active.Load(workspaceID)
	if !ok {
		return nil
	}
	prev := v.(*workspaceStream)
	prev.cancel()
	<-prev.done

	if err := m.partials.CommitToHistory(workspaceID); err != nil {
		slog.Warn("stream.safety_commit_failed", "workspace", workspaceID, "err", err)
	}
	return nil
}

// StopStream aborts the live stream. When none exists, a synthetic abort
// with an empty message id unblocks waiting subscribers.
func (m *Manager) StopStream(workspaceID string, abandonPartial bool) error {
	v, ok := m.active.Load(workspaceID)
	if !ok {
		m.events.Publish(protocol.Event{
			Type:        protocol.EventStreamAbort,
			WorkspaceID: workspaceID,
			Payload:     protocol.StreamAbort{},
		})
		return nil
	}
	s := v.(*workspaceStream)
	s.mu.Lock()
	s.abandonPartial = abandonPartial
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

// markResponseIDLost records a lost previous-response id. Idempotent.
func (m *Manager) markResponseIDLost(id string) bool {
	m.lostMu.Lock()
	defer m.lostMu.Unlock()
	if m.lostResponseIDs[id] {
		return false
	}
	m.lostResponseIDs[id] = true
	return true
}
