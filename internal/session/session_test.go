package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/internal/compaction"
	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/history"
	"github.com/muxworks/muxd/internal/msg"
	"github.com/muxworks/muxd/internal/providers"
	"github.com/muxworks/muxd/internal/stream"
	"github.com/muxworks/muxd/internal/timing"
	"github.com/muxworks/muxd/internal/tools"
	"github.com/muxworks/muxd/pkg/protocol"
)

type captureBus struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *captureBus) Subscribe(string, bus.Handler) {}
func (c *captureBus) Unsubscribe(string)            {}
func (c *captureBus) Publish(ev protocol.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureBus) byType(t protocol.EventType) []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeStream struct {
	events []providers.Event
	pos    int
	usage  *msg.Usage
}

func (f *fakeStream) Recv() (*providers.Event, error) {
	if f.pos >= len(f.events) {
		return nil, io.EOF
	}
	ev := f.events[f.pos]
	f.pos++
	return &ev, nil
}

func (f *fakeStream) TotalUsage() *msg.Usage            { return f.usage }
func (f *fakeStream) ProviderMetadata() json.RawMessage { return nil }
func (f *fakeStream) Close() error                      { return nil }

type fakeProvider struct {
	mu    sync.Mutex
	steps []fakeStream
	calls int
	reqs  []providers.Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) StreamStep(_ context.Context, req providers.Request) (providers.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.calls >= len(f.steps) {
		return nil, errors.New("no more scripted steps")
	}
	s := f.steps[f.calls]
	f.calls++
	return &s, nil
}

func (f *fakeProvider) requests() []providers.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providers.Request(nil), f.reqs...)
}

func textStep(text string, usage *msg.Usage) fakeStream {
	return fakeStream{
		events: []providers.Event{
			{Type: providers.EventTextDelta, Text: text},
			{Type: providers.EventFinish, Finish: providers.FinishStop},
		},
		usage: usage,
	}
}

type fixture struct {
	session  *Session
	store    *history.Store
	events   *captureBus
	provider *fakeProvider
	streams  *stream.Manager
	project  string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	locks := history.NewLocks()
	store := history.NewStore(t.TempDir(), locks)
	partials := history.NewPartialStore(store, locks)
	events := &captureBus{}

	provider := &fakeProvider{}
	registry := providers.NewRegistry(nil)
	registry.Register(provider)

	streams := stream.NewManager(store, partials, registry, events, &nopTools{})
	streams.SetTmpBase(t.TempDir())

	project := t.TempDir()
	cfg := &config.Config{
		DefaultModel: "fake:base",
		Workspaces: map[string]*config.WorkspaceEntry{
			"ws": {ID: "ws", ProjectPath: project},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	cfgSvc, err := config.NewService(path)
	if err != nil {
		t.Fatal(err)
	}

	compactor := compaction.NewHandler(store, partials, compaction.NewReplayCache(store.Dir), events)
	sess := New(Deps{
		Config:    cfgSvc,
		Store:     store,
		Partials:  partials,
		Streams:   streams,
		Compactor: compactor,
		Events:    events,
		Builtins:  tools.NewRegistry(),
		Timing:    timing.NewService(store.Dir),
	})
	return &fixture{session: sess, store: store, events: events, provider: provider, streams: streams, project: project}
}

type nopTools struct{}

func (nopTools) Run(context.Context, string, stream.ToolCall, func(string)) (json.RawMessage, bool) {
	return json.RawMessage(`{"ok":true}`), false
}

func (f *fixture) waitDrained(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !f.streams.Active("ws") {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("stream never drained")
}

func (f *fixture) seedUsage(t *testing.T, totalContextTokens int) {
	t.Helper()
	err := f.store.Append("ws", &msg.Message{
		ID:    msg.NewID(),
		Role:  msg.RoleAssistant,
		Parts: []msg.Part{{Type: msg.PartText, Text: "earlier answer"}},
		Metadata: msg.Metadata{
			Timestamp:    msg.NowMillis(),
			ContextUsage: &msg.Usage{TotalContextTokens: totalContextTokens},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPlainSendPersistsAndStreams(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.steps = []fakeStream{textStep("hi there", &msg.Usage{InputTokens: 10, OutputTokens: 3})}

	if err := f.session.SendMessage(context.Background(), "ws", "hello", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t)

	hist := f.store.GetHistory("ws")
	// user + placeholder-committed assistant
	if len(hist) != 2 || hist[0].Role != msg.RoleUser || hist[1].Role != msg.RoleAssistant {
		t.Fatalf("history = %d messages", len(hist))
	}
	if hist[1].Parts[0].Text != "hi there" {
		t.Errorf("assistant text = %q", hist[1].Parts[0].Text)
	}
	if n := len(f.events.byType(protocol.EventHistoryAppended)); n != 1 {
		t.Errorf("history-appended events = %d", n)
	}
}

// Force-compaction defers the user's snapshot entirely: no chat event,
// no persisted mention snapshot, one compaction-request in history.
func TestForceCompactDefersSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	// base model resolves to the 128k default window; 126k forces.
	f.seedUsage(t, 126_000)
	if err := os.WriteFile(filepath.Join(f.project, "foo.ts"), []byte("export const x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.provider.steps = []fakeStream{
		textStep(strings.Repeat("summary of the work so far. ", 10), &msg.Usage{InputTokens: 100, OutputTokens: 50}),
		textStep("continuing", &msg.Usage{InputTokens: 10, OutputTokens: 5}),
	}

	if err := f.session.SendMessage(context.Background(), "ws", "please inspect @foo.ts", SendOptions{}); err != nil {
		t.Fatal(err)
	}

	// The compaction turn lands a boundary, then the follow-up replays.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hist := f.store.GetHistory("ws")
		var sawFollowUp bool
		for _, m := range hist {
			if m.Role == msg.RoleUser && strings.Contains(partText(m), "please inspect @foo.ts") && m.MuxType() != msg.MuxCompactionRequest {
				sawFollowUp = true
			}
		}
		if sawFollowUp && !f.streams.Active("ws") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	hist := f.store.GetHistory("ws")
	var request, boundary *msg.Message
	for _, m := range hist {
		if m.MuxType() == msg.MuxCompactionRequest {
			request = m
		}
		if m.Metadata.CompactionBoundary {
			boundary = m
		}
	}
	if request == nil {
		t.Fatal("no compaction-request persisted")
	}
	if boundary == nil {
		t.Fatal("no boundary written")
	}
	if request.Metadata.Mux.PendingFollowUp == nil || request.Metadata.Mux.PendingFollowUp.Text != "please inspect @foo.ts" {
		t.Errorf("pendingFollowUp = %+v", request.Metadata.Mux.PendingFollowUp)
	}
	if boundary.Metadata.Mux == nil || boundary.Metadata.Mux.PendingFollowUp == nil ||
		boundary.Metadata.Mux.PendingFollowUp.Text != "please inspect @foo.ts" {
		t.Errorf("boundary pendingFollowUp = %+v", boundary.Metadata.Mux)
	}
	var replayed bool
	for _, m := range hist {
		if m.Role == msg.RoleUser && m.MuxType() != msg.MuxCompactionRequest && strings.Contains(partText(m), "please inspect @foo.ts") {
			replayed = true
		}
	}
	if !replayed {
		t.Error("deferred message never replayed after the boundary")
	}

	// The snapshot must not be emitted before the boundary lands; it is
	// reconsidered only on the post-compaction follow-up turn.
	f.events.mu.Lock()
	ordered := append([]protocol.Event(nil), f.events.events...)
	f.events.mu.Unlock()
	boundarySeen := false
	for _, ev := range ordered {
		if ev.Type == protocol.EventCompactionEnd {
			boundarySeen = true
		}
		if ev.Type != protocol.EventHistoryAppended {
			continue
		}
		for _, m := range ev.Payload.(protocol.HistoryAppended).Messages {
			if len(m.Metadata.FileAtMentionSnapshot) > 0 && !boundarySeen {
				t.Error("snapshot emitted before the boundary landed")
			}
		}
	}
}

// Mid-stream compaction carries the continue sentinel through the
// boundary and resumes the stream off the fresh summary; the sentinel
// strings never reach prompt text.
func TestMidStreamCompactionResumesAfterBoundary(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.steps = []fakeStream{
		textStep(strings.Repeat("summary of interrupted work. ", 10), &msg.Usage{InputTokens: 50, OutputTokens: 20}),
		textStep("picking the work back up", &msg.Usage{InputTokens: 10, OutputTokens: 5}),
	}

	f.session.compactMidStream("ws")

	var boundary *msg.Message
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		boundary = nil
		for _, m := range f.store.GetHistory("ws") {
			if m.Metadata.CompactionBoundary {
				boundary = m
			}
		}
		if boundary != nil && len(f.provider.requests()) >= 2 && !f.streams.Active("ws") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if boundary == nil {
		t.Fatal("no boundary written")
	}
	fu := boundary.Metadata.Mux.PendingFollowUp
	if fu == nil || !strings.Contains(fu.Text, "[CONTINUE]") {
		t.Fatalf("boundary pendingFollowUp = %+v", fu)
	}

	reqs := f.provider.requests()
	if len(reqs) < 2 {
		t.Fatalf("provider calls = %d, want a post-boundary resume", len(reqs))
	}
	for _, req := range reqs {
		for _, m := range req.Messages {
			text := partText(m)
			if strings.Contains(text, "[CONTINUE]") || strings.Contains(text, "The user wants to continue with:") {
				t.Errorf("sentinel leaked into prompt text: %q", text)
			}
		}
	}

	hist := f.store.GetHistory("ws")
	last := hist[len(hist)-1]
	if last.Role != msg.RoleAssistant || last.Metadata.CompactionBoundary {
		t.Errorf("resume turn missing; last message = %+v", last)
	}
}

// Warn-only keeps the user's message and adds a provider-payload
// preamble without persisting it.
func TestWarningInjectsPreamble(t *testing.T) {
	f := newFixture(t, nil)
	// 112k of 128k = 87.5%: over the 85% threshold, under the +5pt force.
	f.seedUsage(t, 112_000)
	f.provider.steps = []fakeStream{textStep("answer", &msg.Usage{InputTokens: 10, OutputTokens: 2})}

	if err := f.session.SendMessage(context.Background(), "ws", "keep going", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t)

	reqs := f.provider.requests()
	if len(reqs) == 0 {
		t.Fatal("no provider request")
	}
	var preamble bool
	for _, m := range reqs[0].Messages {
		if m.MuxType() == msg.MuxCompactionRequest {
			preamble = true
		}
	}
	if !preamble {
		t.Error("provider payload should contain a compaction-request preamble")
	}

	for _, m := range f.store.GetHistory("ws") {
		if m.MuxType() == msg.MuxCompactionRequest {
			t.Error("preamble must not be persisted")
		}
	}
	var persisted bool
	for _, m := range f.store.GetHistory("ws") {
		if m.Role == msg.RoleUser && partText(m) == "keep going" {
			persisted = true
		}
	}
	if !persisted {
		t.Error("user message must be persisted on warn-only")
	}
}

// The preferred compaction model from agentAiDefaults drives the
// compaction turn and is recorded as requestedModel.
func TestPreferredCompactionModel(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.AgentAiDefaults.Compact.ModelString = "fake:mini"
	})
	f.seedUsage(t, 126_000)
	f.provider.steps = []fakeStream{textStep(strings.Repeat("summary. ", 20), &msg.Usage{InputTokens: 5, OutputTokens: 5})}

	if err := f.session.SendMessage(context.Background(), "ws", "next thing", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t)

	var request *msg.Message
	for _, m := range f.store.GetHistory("ws") {
		if m.MuxType() == msg.MuxCompactionRequest {
			request = m
		}
	}
	if request == nil {
		t.Fatal("no compaction request")
	}
	if request.Metadata.Mux.RequestedModel != "fake:mini" {
		t.Errorf("requestedModel = %q", request.Metadata.Mux.RequestedModel)
	}
	if reqs := f.provider.requests(); len(reqs) == 0 || reqs[0].Model != "mini" {
		t.Errorf("compaction stream model = %+v", reqs)
	}
}

// Usage is seeded from the active epoch only: a boundary hides all
// pre-boundary assistant usage.
func TestActiveEpochUsageIgnoresPreBoundary(t *testing.T) {
	f := newFixture(t, nil)
	f.seedUsage(t, 95_100)
	boundary := &msg.Message{
		ID:    msg.NewID(),
		Role:  msg.RoleAssistant,
		Parts: []msg.Part{{Type: msg.PartText, Text: "summary"}},
		Metadata: msg.Metadata{
			Timestamp:          msg.NowMillis(),
			CompactionBoundary: true,
			CompactionEpoch:    7,
			Compacted:          msg.CompactedUser,
		},
	}
	if err := f.store.Append("ws", boundary); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Append("ws", &msg.Message{
		ID: msg.NewID(), Role: msg.RoleUser,
		Parts:    []msg.Part{{Type: msg.PartText, Text: "post-boundary"}},
		Metadata: msg.Metadata{Timestamp: msg.NowMillis()},
	}); err != nil {
		t.Fatal(err)
	}

	if usage := f.session.activeEpochUsage("ws"); usage != nil {
		t.Errorf("usage = %+v, want nil (no assistant usage in active epoch)", usage)
	}
}

// A failing nested mid-stream compaction dispatch surfaces a
// stream-error with the nested message.
func TestMidStreamDispatchFailureEmitsStreamError(t *testing.T) {
	f := newFixture(t, nil)

	f.session.compactMidStream("ghost")

	errs := f.events.byType(protocol.EventStreamError)
	if len(errs) != 1 {
		t.Fatalf("stream-error events = %d", len(errs))
	}
	payload := errs[0].Payload.(protocol.StreamError)
	if !strings.Contains(payload.Message, "not found") {
		t.Errorf("message = %q", payload.Message)
	}
}

func TestTimingRecordedOnStreamEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.steps = []fakeStream{textStep("hi", &msg.Usage{InputTokens: 4, OutputTokens: 9})}

	if err := f.session.SendMessage(context.Background(), "ws", "hello", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(f.store.Dir("ws"), "session-timing.json")); err == nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session-timing.json never written")
}

func TestStripFollowUpSentinels(t *testing.T) {
	got := stripFollowUpSentinels("The user wants to continue with: [CONTINUE]")
	if got != "" {
		t.Errorf("got %q, want empty", got)
	}
	got = stripFollowUpSentinels("The user wants to continue with: fix the tests")
	if got != "fix the tests" {
		t.Errorf("got %q", got)
	}
}

func TestMaterializeFileMentions(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := materializeFileMentions("look at @a.go and @missing.go", dir)
	if m == nil {
		t.Fatal("expected a snapshot message")
	}
	if !m.Metadata.Synthetic {
		t.Error("snapshot must be synthetic")
	}
	if len(m.Metadata.FileAtMentionSnapshot) != 1 || m.Metadata.FileAtMentionSnapshot[0] != "@a.go" {
		t.Errorf("tokens = %v", m.Metadata.FileAtMentionSnapshot)
	}
	if !strings.Contains(partText(m), "package a") {
		t.Errorf("content = %q", partText(m))
	}

	if m := materializeFileMentions("no mentions here", dir); m != nil {
		t.Errorf("got %+v, want nil", m)
	}
}

func partText(m *msg.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == msg.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
