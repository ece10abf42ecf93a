package sshprompt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/pkg/protocol"
)

// DefaultTimeout bounds how long a prompt waits for a responder before
// resolving empty.
const DefaultTimeout = 60 * time.Second

// Kind distinguishes host-key confirmations from credential prompts.
// Host-key prompts for the same key dedupe into one request; credential
// prompts never do.
type Kind string

const (
	KindHostKey    Kind = "hostkey"
	KindCredential Kind = "credential"
)

// PromptParams describes one interactive SSH prompt.
type PromptParams struct {
	WorkspaceID string
	Host        string
	Prompt      string
	Echo        bool
	Kind        Kind
	DedupeKey   string
	Timeout     time.Duration
}

type pendingPrompt struct {
	id        string
	params    PromptParams
	waiters   []chan string
	timer     *time.Timer
	resolved  bool
	createdAt time.Time
}

// Service brokers interactive SSH prompts between connecting runtimes
// and whatever UI is attached. With no responder attached prompts
// resolve immediately with an empty answer so connections fail fast
// instead of hanging.
type Service struct {
	events bus.Publisher

	mu         sync.Mutex
	responders int
	pending    map[string]*pendingPrompt
	dedupe     map[string]string // dedupeKey -> promptID, host-key prompts only
}

func NewService(events bus.Publisher) *Service {
	return &Service{
		events:  events,
		pending: make(map[string]*pendingPrompt),
		dedupe:  make(map[string]string),
	}
}

// RegisterResponder marks a UI capable of answering prompts.
func (s *Service) RegisterResponder() {
	s.mu.Lock()
	s.responders++
	s.mu.Unlock()
}

// ReleaseResponder detaches a responder. Pending prompts stay pending:
// another responder may still answer before the timeout fires.
func (s *Service) ReleaseResponder() {
	s.mu.Lock()
	if s.responders > 0 {
		s.responders--
	}
	s.mu.Unlock()
}

// RequestPrompt asks for an interactive answer and blocks until a
// responder replies, the timeout fires, or ctx dies. Timeout and missing
// responders both resolve with "".
func (s *Service) RequestPrompt(ctx context.Context, params PromptParams) (string, error) {
	s.mu.Lock()
	if s.responders == 0 {
		s.mu.Unlock()
		return "", nil
	}

	ch := make(chan string, 1)

	// Host-key prompts for the same key join the existing request
	// instead of stacking duplicates in the UI.
	if params.Kind == KindHostKey && params.DedupeKey != "" {
		if id, ok := s.dedupe[params.DedupeKey]; ok {
			if p := s.pending[id]; p != nil && !p.resolved {
				p.waiters = append(p.waiters, ch)
				s.mu.Unlock()
				return s.wait(ctx, ch)
			}
		}
	}

	p := &pendingPrompt{
		id:        uuid.NewString(),
		params:    params,
		waiters:   []chan string{ch},
		createdAt: time.Now(),
	}
	s.pending[p.id] = p
	if params.Kind == KindHostKey && params.DedupeKey != "" {
		s.dedupe[params.DedupeKey] = p.id
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p.timer = time.AfterFunc(timeout, func() { s.expire(p.id) })
	s.mu.Unlock()

	s.events.Publish(protocol.Event{
		Type:        protocol.EventSSHPromptRequest,
		WorkspaceID: params.WorkspaceID,
		Payload: protocol.SSHPromptRequest{
			PromptID: p.id,
			Host:     params.Host,
			Prompt:   params.Prompt,
			Echo:     params.Echo,
		},
	})

	return s.wait(ctx, ch)
}

func (s *Service) wait(ctx context.Context, ch chan string) (string, error) {
	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Respond resolves a pending prompt and all of its joined waiters. A
// second respond for the same id, or one arriving after the timeout, is
// a no-op.
func (s *Service) Respond(promptID, response string) {
	s.mu.Lock()
	p := s.pending[promptID]
	if p == nil || p.resolved {
		s.mu.Unlock()
		return
	}
	s.resolveLocked(p, response)
	s.mu.Unlock()

	s.removed(p)
}

func (s *Service) expire(promptID string) {
	s.mu.Lock()
	p := s.pending[promptID]
	if p == nil || p.resolved {
		s.mu.Unlock()
		return
	}
	slog.Info("sshprompt.timeout", "workspace", p.params.WorkspaceID, "host", p.params.Host)
	s.resolveLocked(p, "")
	s.mu.Unlock()

	s.removed(p)
}

func (s *Service) resolveLocked(p *pendingPrompt, response string) {
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	for _, ch := range p.waiters {
		ch <- response
	}
	delete(s.pending, p.id)
	if p.params.DedupeKey != "" && s.dedupe[p.params.DedupeKey] == p.id {
		delete(s.dedupe, p.params.DedupeKey)
	}
}

func (s *Service) removed(p *pendingPrompt) {
	s.events.Publish(protocol.Event{
		Type:        protocol.EventSSHPromptRemoved,
		WorkspaceID: p.params.WorkspaceID,
		Payload:     protocol.SSHPromptRemoved{PromptID: p.id},
	})
}

// PendingPrompts snapshots outstanding requests so late subscribers can
// catch up.
func (s *Service) PendingPrompts() []protocol.SSHPromptRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.SSHPromptRequest, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, protocol.SSHPromptRequest{
			PromptID: p.id,
			Host:     p.params.Host,
			Prompt:   p.params.Prompt,
			Echo:     p.params.Echo,
		})
	}
	return out
}
