package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/internal/history"
	"github.com/muxworks/muxd/internal/msg"
	"github.com/muxworks/muxd/internal/providers"
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

// fakeStream replays a scripted event list; Recv blocks on hold (when
// set) until the context dies, simulating a stalled provider.
type fakeStream struct {
	ctx    context.Context
	events []providers.Event
	pos    int
	usage  *msg.Usage
	hold   bool
}

func (f *fakeStream) Recv() (*providers.Event, error) {
	if f.pos >= len(f.events) {
		if f.hold {
			<-f.ctx.Done()
			return nil, f.ctx.Err()
		}
		return nil, io.EOF
	}
	ev := f.events[f.pos]
	f.pos++
	return &ev, nil
}

func (f *fakeStream) TotalUsage() *msg.Usage            { return f.usage }
func (f *fakeStream) ProviderMetadata() json.RawMessage { return nil }
func (f *fakeStream) Close() error                      { return nil }

// fakeProvider serves one scripted step per StreamStep call.
type fakeProvider struct {
	mu    sync.Mutex
	steps []fakeStream
	errs  []error
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) StreamStep(ctx context.Context, req providers.Request) (providers.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.steps) {
		return nil, errors.New("no more scripted steps")
	}
	s := f.steps[i]
	s.ctx = ctx
	return &s, nil
}

type fakeTools struct {
	mu   sync.Mutex
	runs []string
	out  map[string]string
	errs map[string]bool
}

func (f *fakeTools) Run(_ context.Context, _ string, call ToolCall, _ func(string)) (json.RawMessage, bool) {
	f.mu.Lock()
	f.runs = append(f.runs, call.Name)
	f.mu.Unlock()
	if out, ok := f.out[call.Name]; ok {
		return json.RawMessage(out), f.errs[call.Name]
	}
	return json.RawMessage(`{"ok":true}`), false
}

type fixture struct {
	store    *history.Store
	partials *history.PartialStore
	manager  *Manager
	events   *captureBus
	provider *fakeProvider
	tools    *fakeTools
}

func newFixture(t *testing.T, provider *fakeProvider) *fixture {
	t.Helper()
	locks := history.NewLocks()
	store := history.NewStore(t.TempDir(), locks)
	partials := history.NewPartialStore(store, locks)
	events := &captureBus{}
	tools := &fakeTools{out: map[string]string{}, errs: map[string]bool{}}

	registry := providers.NewRegistry(nil)
	registry.Register(provider)

	m := NewManager(store, partials, registry, events, tools)
	m.SetTmpBase(t.TempDir())
	return &fixture{store: store, partials: partials, manager: m, events: events, provider: provider, tools: tools}
}

func (f *fixture) waitDrained(t *testing.T, ws string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.manager.Active(ws) {
		if time.Now().After(deadline) {
			t.Fatal("stream did not drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func textStep(text string, finish providers.FinishReason, usage *msg.Usage) fakeStream {
	return fakeStream{
		events: []providers.Event{
			{Type: providers.EventStreamStart, ResponseID: "resp_test"},
			{Type: providers.EventTextDelta, Text: text},
			{Type: providers.EventFinish, Finish: finish},
		},
		usage: usage,
	}
}

func TestStartStreamCommitsFinalMessage(t *testing.T) {
	p := &fakeProvider{steps: []fakeStream{
		textStep("hello world", providers.FinishStop, &msg.Usage{InputTokens: 10, OutputTokens: 5}),
	}}
	f := newFixture(t, p)

	if err := f.manager.StartStream(StartRequest{WorkspaceID: "ws", Model: "fake:m"}); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t, "ws")

	hist := f.store.GetHistory("ws")
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist))
	}
	got := hist[0]
	if got.Role != msg.RoleAssistant || len(got.Parts) != 1 || got.Parts[0].Text != "hello world" {
		t.Fatalf("committed message = %+v", got)
	}
	if got.Metadata.Partial {
		t.Error("committed message must not be partial")
	}
	if got.Metadata.Usage == nil || got.Metadata.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", got.Metadata.Usage)
	}
	if f.partials.ReadPartial("ws") != nil {
		t.Error("partial must be deleted after commit")
	}
	if n := len(f.events.byType(protocol.EventStreamEnd)); n != 1 {
		t.Errorf("stream-end events = %d, want 1", n)
	}
}

func TestStartStreamToolLoop(t *testing.T) {
	p := &fakeProvider{steps: []fakeStream{
		{
			events: []providers.Event{
				{Type: providers.EventStreamStart, ResponseID: "resp_1"},
				{Type: providers.EventToolCall, ToolCallID: "tc1", ToolName: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
				{Type: providers.EventFinish, Finish: providers.FinishToolCalls},
			},
			usage: &msg.Usage{InputTokens: 20, OutputTokens: 3},
		},
		textStep("done reading", providers.FinishStop, &msg.Usage{InputTokens: 30, OutputTokens: 4}),
	}}
	f := newFixture(t, p)
	f.tools.out["read_file"] = `{"content":"package main"}`

	if err := f.manager.StartStream(StartRequest{WorkspaceID: "ws", Model: "fake:m"}); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t, "ws")

	if got := f.tools.runs; len(got) != 1 || got[0] != "read_file" {
		t.Fatalf("tool runs = %v", got)
	}
	hist := f.store.GetHistory("ws")
	if len(hist) != 1 {
		t.Fatalf("history len = %d", len(hist))
	}
	parts := hist[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[0].State != msg.ToolOutputAvailable {
		t.Error("tool part must carry its output")
	}
	if parts[1].Text != "done reading" {
		t.Errorf("second step text = %q", parts[1].Text)
	}
	// Output tokens accumulate across steps; input reflects the last
	// step's prompt.
	if u := hist[0].Metadata.Usage; u.OutputTokens != 7 || u.InputTokens != 30 {
		t.Errorf("cumulative usage = %+v", u)
	}
}

func TestForcedToolIsSingleStep(t *testing.T) {
	p := &fakeProvider{steps: []fakeStream{
		{
			events: []providers.Event{
				{Type: providers.EventToolCall, ToolCallID: "tc1", ToolName: "summarize", Input: json.RawMessage(`{}`)},
				{Type: providers.EventFinish, Finish: providers.FinishToolCalls},
			},
		},
	}}
	f := newFixture(t, p)

	err := f.manager.StartStream(StartRequest{
		WorkspaceID: "ws",
		Model:       "fake:m",
		ToolChoice:  &providers.ToolChoice{Type: "tool", Name: "summarize"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t, "ws")

	if p.calls != 1 {
		t.Errorf("provider calls = %d, want exactly 1", p.calls)
	}
}

func TestAgentReportStopsLoop(t *testing.T) {
	p := &fakeProvider{steps: []fakeStream{
		{
			events: []providers.Event{
				{Type: providers.EventToolCall, ToolCallID: "tc1", ToolName: "agent_report", Input: json.RawMessage(`{"title":"t"}`)},
				{Type: providers.EventFinish, Finish: providers.FinishToolCalls},
			},
		},
		// Would run a second step if the stop condition failed.
		textStep("should not happen", providers.FinishStop, nil),
	}}
	f := newFixture(t, p)

	if err := f.manager.StartStream(StartRequest{WorkspaceID: "ws", Model: "fake:m"}); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t, "ws")

	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (agent_report success stops)", p.calls)
	}
}

func TestStopStreamAbandonsPartial(t *testing.T) {
	p := &fakeProvider{steps: []fakeStream{
		{
			events: []providers.Event{
				{Type: providers.EventTextDelta, Text: "partial text"},
			},
			hold: true,
		},
	}}
	f := newFixture(t, p)

	if err := f.manager.StartStream(StartRequest{WorkspaceID: "ws", Model: "fake:m"}); err != nil {
		t.Fatal(err)
	}
	// Wait until the delta arrived so the stream is mid-flight.
	deadline := time.Now().Add(5 * time.Second)
	for len(f.events.byType(protocol.EventStreamDelta)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no delta observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.manager.StopStream("ws", true); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t, "ws")

	if f.partials.ReadPartial("ws") != nil {
		t.Error("abandoned partial must be deleted")
	}
	if len(f.store.GetHistory("ws")) != 0 {
		t.Error("abandoned stream must not commit")
	}
	aborts := f.events.byType(protocol.EventStreamAbort)
	if len(aborts) != 1 {
		t.Fatalf("abort events = %d, want 1", len(aborts))
	}
}

func TestStopStreamCommitsByDefault(t *testing.T) {
	p := &fakeProvider{steps: []fakeStream{
		{
			events: []providers.Event{{Type: providers.EventTextDelta, Text: "keep me"}},
			hold:   true,
		},
	}}
	f := newFixture(t, p)

	if err := f.manager.StartStream(StartRequest{WorkspaceID: "ws", Model: "fake:m"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(f.events.byType(protocol.EventStreamDelta)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no delta observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.manager.StopStream("ws", false); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t, "ws")

	hist := f.store.GetHistory("ws")
	if len(hist) != 1 || hist[0].Parts[0].Text != "keep me" {
		t.Fatalf("history = %+v, want the aborted text committed", hist)
	}
}

func TestStopStreamWithoutStream(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	if err := f.manager.StopStream("ws", false); err != nil {
		t.Fatal(err)
	}
	aborts := f.events.byType(protocol.EventStreamAbort)
	if len(aborts) != 1 {
		t.Fatalf("abort events = %d, want synthetic abort", len(aborts))
	}
	if payload := aborts[0].Payload.(protocol.StreamAbort); payload.MessageID != "" {
		t.Error("synthetic abort must carry an empty message id")
	}
}

func TestStreamErrorEmitsTaxonomyKind(t *testing.T) {
	p := &fakeProvider{errs: []error{&providers.APIError{StatusCode: 429, Message: "slow down"}}}
	f := newFixture(t, p)

	if err := f.manager.StartStream(StartRequest{WorkspaceID: "ws", Model: "fake:m"}); err != nil {
		t.Fatal(err)
	}
	f.waitDrained(t, "ws")

	errs := f.events.byType(protocol.EventStreamError)
	if len(errs) != 1 {
		t.Fatalf("stream-error events = %d, want 1", len(errs))
	}
	if payload := errs[0].Payload.(protocol.StreamError); payload.Kind != string(ErrRateLimit) {
		t.Errorf("kind = %q, want rate_limit", payload.Kind)
	}
}

func TestReplayDuringLiveStream(t *testing.T) {
	p := &fakeProvider{steps: []fakeStream{
		{
			events: []providers.Event{
				{Type: providers.EventTextDelta, Text: "so far"},
				{Type: providers.EventUsage, Usage: &msg.Usage{InputTokens: 9, OutputTokens: 1}},
			},
			hold: true,
		},
	}}
	f := newFixture(t, p)

	if err := f.manager.StartStream(StartRequest{WorkspaceID: "ws", Model: "fake:m"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(f.events.byType(protocol.EventUsageDelta)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no usage observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if ok := f.manager.Replay("ws", ReplayOptions{}); !ok {
		t.Fatal("replay should find the live stream")
	}

	starts := f.events.byType(protocol.EventStreamStart)
	if len(starts) != 2 {
		t.Fatalf("stream-start events = %d, want original + replay", len(starts))
	}
	replay := starts[1].Payload.(protocol.StreamStart)
	if !replay.Replay || len(replay.Parts) != 1 {
		t.Errorf("replay start = %+v", replay)
	}
	// Full replay includes exactly one synthetic usage event.
	if n := len(f.events.byType(protocol.EventUsageDelta)); n != 2 {
		t.Errorf("usage events = %d, want live + replay", n)
	}

	_ = f.manager.StopStream("ws", true)
	f.waitDrained(t, "ws")
}

func TestReplayAfterTimestampSkipsUsage(t *testing.T) {
	p := &fakeProvider{steps: []fakeStream{
		{
			events: []providers.Event{
				{Type: providers.EventTextDelta, Text: "x"},
				{Type: providers.EventUsage, Usage: &msg.Usage{InputTokens: 1}},
			},
			hold: true,
		},
	}}
	f := newFixture(t, p)

	if err := f.manager.StartStream(StartRequest{WorkspaceID: "ws", Model: "fake:m"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(f.events.byType(protocol.EventUsageDelta)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no usage observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.manager.Replay("ws", ReplayOptions{AfterTimestamp: msg.NowMillis() + time.Hour.Milliseconds()})
	if n := len(f.events.byType(protocol.EventUsageDelta)); n != 1 {
		t.Errorf("usage events = %d; incremental replay must not re-emit usage", n)
	}

	_ = f.manager.StopStream("ws", true)
	f.waitDrained(t, "ws")
}

func TestReplayWithoutStream(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	if f.manager.Replay("ws", ReplayOptions{}) {
		t.Fatal("replay with no live stream must report false")
	}
}

func TestStartStreamAbortBeforeCreate(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.manager.StartStream(StartRequest{WorkspaceID: "ws", Model: "fake:m", Ctx: ctx}); err != nil {
		t.Fatal(err)
	}
	if len(f.events.byType(protocol.EventStreamStart)) != 0 {
		t.Error("pre-create abort must not emit stream-start")
	}
	if f.manager.Active("ws") {
		t.Error("no stream must be installed")
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"quota 402", &providers.APIError{StatusCode: 402}, ErrQuota},
		{"quota insufficient", &providers.APIError{StatusCode: 429, Code: "insufficient_quota"}, ErrQuota},
		{"rate limit", &providers.APIError{StatusCode: 429}, ErrRateLimit},
		{"model not found", &providers.APIError{StatusCode: 404, Message: "model does not exist"}, ErrModelNotFound},
		{"context exceeded", &providers.APIError{StatusCode: 400, Message: "prompt is too long"}, ErrContextExceeded},
		{"auth", &providers.APIError{StatusCode: 401, Message: "bad key"}, ErrAuth},
		{"lost response id", &providers.APIError{StatusCode: 400, Message: "response resp_abc123 not found"}, ErrPreviousResponseNotFound},
		{"network", errors.New("dial tcp 1.2.3.4: connection refused"), ErrNetwork},
		{"unknown", errors.New("weird"), ErrUnknown},
		{
			"unwraps retry error",
			&providers.RetryError{Attempts: 3, LastError: &providers.APIError{StatusCode: 429}},
			ErrRateLimit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.want {
				t.Errorf("Categorize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripEncryptedContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"array shape",
			`[{"type":"text","text":"hi","encryptedContent":"opaque"}]`,
			`[{"text":"hi","type":"text"}]`,
		},
		{
			"json wrapper shape",
			`{"type":"json","value":[{"encryptedContent":"x","ok":true}]}`,
			`{"type":"json","value":[{"ok":true}]}`,
		},
		{
			"untouched scalar",
			`"plain string"`,
			`"plain string"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripEncryptedContent(json.RawMessage(tt.in))
			var a, b any
			if err := json.Unmarshal(got, &a); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal([]byte(tt.want), &b); err != nil {
				t.Fatal(err)
			}
			ga, _ := json.Marshal(a)
			gb, _ := json.Marshal(b)
			if string(ga) != string(gb) {
				t.Errorf("got %s, want %s", ga, gb)
			}
		})
	}
}

func TestStripPreviousResponseID(t *testing.T) {
	opts := map[string]map[string]any{"openai": {"previousResponseId": "resp_1", "other": 1}}
	if got := stripPreviousResponseID(opts); got != "resp_1" {
		t.Fatalf("stripped id = %q", got)
	}
	if _, ok := opts["openai"]["previousResponseId"]; ok {
		t.Error("id must be removed")
	}
	if got := stripPreviousResponseID(opts); got != "" {
		t.Errorf("second strip = %q, want empty", got)
	}
	if got := stripPreviousResponseID(nil); got != "" {
		t.Errorf("nil opts = %q", got)
	}
}
