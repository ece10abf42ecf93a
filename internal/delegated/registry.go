package delegated

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/muxworks/muxd/internal/msg"
)

// Result settles a delegated tool call: either an answer payload or the
// cancellation error, never both.
type Result struct {
	Output json.RawMessage
	Err    error
}

type pendingCall struct {
	toolName  string
	createdAt int64
	ch        chan Result
}

// Registry tracks tool calls whose execution is delegated to an attached
// client (e.g. ask_user_question rendered in the UI). Entries self-remove
// when settled; a stream abort cancels everything for the workspace.
type Registry struct {
	mu      sync.Mutex
	pending map[string]map[string]*pendingCall // workspaceID -> toolCallID
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]map[string]*pendingCall)}
}

// RegisterPending reserves a tool call and returns the channel its
// settlement arrives on. Registering an already-pending id is an error.
func (r *Registry) RegisterPending(workspaceID, toolCallID, toolName string) (<-chan Result, error) {
	if workspaceID == "" || toolCallID == "" {
		return nil, fmt.Errorf("delegated call requires workspace and tool call ids")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ws := r.pending[workspaceID]
	if ws == nil {
		ws = make(map[string]*pendingCall)
		r.pending[workspaceID] = ws
	}
	if ws[toolCallID] != nil {
		return nil, fmt.Errorf("tool call %s already registered for workspace %s", toolCallID, workspaceID)
	}

	p := &pendingCall{
		toolName:  toolName,
		createdAt: msg.NowMillis(),
		ch:        make(chan Result, 1),
	}
	ws[toolCallID] = p
	return p.ch, nil
}

// Answer settles a pending call with the client's payload.
func (r *Registry) Answer(workspaceID, toolCallID string, output json.RawMessage) error {
	p, err := r.take(workspaceID, toolCallID)
	if err != nil {
		return err
	}
	p.ch <- Result{Output: output}
	return nil
}

// Cancel settles a pending call with an error carrying the caller's
// reason.
func (r *Registry) Cancel(workspaceID, toolCallID, reason string) error {
	p, err := r.take(workspaceID, toolCallID)
	if err != nil {
		return err
	}
	p.ch <- Result{Err: fmt.Errorf("%s", reason)}
	return nil
}

// CancelAll settles every pending call for the workspace.
func (r *Registry) CancelAll(workspaceID, reason string) {
	r.mu.Lock()
	ws := r.pending[workspaceID]
	delete(r.pending, workspaceID)
	r.mu.Unlock()

	for _, p := range ws {
		p.ch <- Result{Err: fmt.Errorf("%s", reason)}
	}
}

// GetLatestPending returns the most recently registered call, for UIs
// reconnecting mid-stream.
func (r *Registry) GetLatestPending(workspaceID string) (toolCallID, toolName string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest int64
	for id, p := range r.pending[workspaceID] {
		if p.createdAt >= latest {
			latest = p.createdAt
			toolCallID, toolName, ok = id, p.toolName, true
		}
	}
	return
}

func (r *Registry) take(workspaceID, toolCallID string) (*pendingCall, error) {
	if workspaceID == "" || toolCallID == "" {
		return nil, fmt.Errorf("delegated call requires workspace and tool call ids")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := r.pending[workspaceID]
	p := ws[toolCallID]
	if p == nil {
		return nil, fmt.Errorf("no pending tool call %s for workspace %s", toolCallID, workspaceID)
	}
	delete(ws, toolCallID)
	if len(ws) == 0 {
		delete(r.pending, workspaceID)
	}
	return p, nil
}
