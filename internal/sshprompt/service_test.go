package sshprompt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/pkg/protocol"
)

type testBus struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (b *testBus) Subscribe(string, bus.Handler) {}
func (b *testBus) Unsubscribe(string)            {}

func (b *testBus) Publish(ev protocol.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *testBus) ofType(t protocol.EventType) []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestNoResponderResolvesEmpty(t *testing.T) {
	b := &testBus{}
	s := NewService(b)

	answer, err := s.RequestPrompt(context.Background(), PromptParams{Host: "h", Prompt: "p"})
	if err != nil || answer != "" {
		t.Fatalf("got (%q, %v), want empty immediate resolution", answer, err)
	}
	if n := len(b.ofType(protocol.EventSSHPromptRequest)); n != 0 {
		t.Errorf("no request event expected, got %d", n)
	}
}

func TestRespondResolvesWaiter(t *testing.T) {
	b := &testBus{}
	s := NewService(b)
	s.RegisterResponder()

	done := make(chan string, 1)
	go func() {
		answer, _ := s.RequestPrompt(context.Background(), PromptParams{
			WorkspaceID: "ws", Host: "h", Prompt: "password:", Kind: KindCredential,
		})
		done <- answer
	}()

	id := waitForPrompt(t, s)
	s.Respond(id, "hunter2")

	if got := <-done; got != "hunter2" {
		t.Errorf("answer = %q, want hunter2", got)
	}
	if n := len(b.ofType(protocol.EventSSHPromptRemoved)); n != 1 {
		t.Errorf("removed events = %d, want 1", n)
	}

	// A second respond is a no-op.
	s.Respond(id, "other")
	if n := len(b.ofType(protocol.EventSSHPromptRemoved)); n != 1 {
		t.Errorf("double respond emitted extra removed event")
	}
}

func TestHostKeyPromptsDedupe(t *testing.T) {
	b := &testBus{}
	s := NewService(b)
	s.RegisterResponder()

	params := PromptParams{
		WorkspaceID: "ws", Host: "h", Prompt: "trust key?",
		Kind: KindHostKey, DedupeKey: "h:sha256:abc",
	}

	answers := make(chan string, 2)
	go func() { a, _ := s.RequestPrompt(context.Background(), params); answers <- a }()
	waitForPrompt(t, s)
	go func() { a, _ := s.RequestPrompt(context.Background(), params); answers <- a }()

	// Second request joins the first: still one pending prompt.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		joined := false
		for _, p := range s.pending {
			joined = len(p.waiters) == 2
		}
		s.mu.Unlock()
		if joined {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if n := len(b.ofType(protocol.EventSSHPromptRequest)); n != 1 {
		t.Fatalf("request events = %d, want 1 (deduped)", n)
	}

	s.Respond(s.PendingPrompts()[0].PromptID, "yes")
	if a, b := <-answers, <-answers; a != "yes" || b != "yes" {
		t.Errorf("answers = %q, %q; want yes for both waiters", a, b)
	}
}

func TestCredentialPromptsNeverDedupe(t *testing.T) {
	b := &testBus{}
	s := NewService(b)
	s.RegisterResponder()

	params := PromptParams{
		WorkspaceID: "ws", Host: "h", Prompt: "password:",
		Kind: KindCredential, DedupeKey: "h:cred",
	}
	go s.RequestPrompt(context.Background(), params)
	waitForPrompt(t, s)
	go s.RequestPrompt(context.Background(), params)

	deadline := time.Now().Add(time.Second)
	for len(s.PendingPrompts()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := len(s.PendingPrompts()); n != 2 {
		t.Errorf("pending = %d, want 2 distinct prompts", n)
	}
}

func TestTimeoutResolvesEmptyAndEmitsRemoved(t *testing.T) {
	b := &testBus{}
	s := NewService(b)
	s.RegisterResponder()

	answer, err := s.RequestPrompt(context.Background(), PromptParams{
		WorkspaceID: "ws", Host: "h", Prompt: "p", Timeout: 20 * time.Millisecond,
	})
	if err != nil || answer != "" {
		t.Fatalf("got (%q, %v), want empty timeout resolution", answer, err)
	}
	if n := len(b.ofType(protocol.EventSSHPromptRemoved)); n != 1 {
		t.Errorf("removed events = %d, want 1", n)
	}
	if n := len(s.PendingPrompts()); n != 0 {
		t.Errorf("pending after timeout = %d", n)
	}
}

func TestResponderReleaseKeepsPromptPending(t *testing.T) {
	b := &testBus{}
	s := NewService(b)
	s.RegisterResponder()

	done := make(chan string, 1)
	go func() {
		a, _ := s.RequestPrompt(context.Background(), PromptParams{WorkspaceID: "ws", Host: "h", Prompt: "p"})
		done <- a
	}()
	id := waitForPrompt(t, s)

	// Losing the responder does not reject the waiter.
	s.ReleaseResponder()
	select {
	case a := <-done:
		t.Fatalf("prompt resolved early with %q", a)
	case <-time.After(20 * time.Millisecond):
	}

	// A newly connected responder can still answer.
	s.RegisterResponder()
	s.Respond(id, "late-answer")
	if got := <-done; got != "late-answer" {
		t.Errorf("answer = %q", got)
	}
}

func TestContextCancelUnblocksWaiter(t *testing.T) {
	s := NewService(&testBus{})
	s.RegisterResponder()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.RequestPrompt(ctx, PromptParams{WorkspaceID: "ws", Host: "h", Prompt: "p"})
		done <- err
	}()
	waitForPrompt(t, s)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func waitForPrompt(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pending := s.PendingPrompts(); len(pending) > 0 {
			return pending[0].PromptID
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("prompt never became pending")
	return ""
}
