package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/delegated"
	"github.com/muxworks/muxd/internal/stream"
)

type fakeTasks struct {
	created   []TaskCreateParams
	createRes TaskCreateResult
	createErr error
	report    Report
	awaitErr  error
	activeDes bool
}

func (f *fakeTasks) Create(_ context.Context, params TaskCreateParams) (TaskCreateResult, error) {
	f.created = append(f.created, params)
	return f.createRes, f.createErr
}

func (f *fakeTasks) AwaitReport(_ context.Context, taskID, _ string, _ time.Duration) (Report, error) {
	return f.report, f.awaitErr
}

func (f *fakeTasks) HasActiveDescendants(string) bool { return f.activeDes }

func (f *fakeTasks) Terminate(context.Context, string) error { return nil }

func TestTaskToolCreatesAndAwaits(t *testing.T) {
	tasks := &fakeTasks{
		createRes: TaskCreateResult{TaskID: "child-1", Status: "running"},
		report:    Report{ReportMarkdown: "done", Title: "Result", AgentType: "explore"},
	}
	tool := &TaskTool{Tasks: tasks}

	out, isErr := tool.Execute(context.Background(), ExecContext{WorkspaceID: "parent"},
		json.RawMessage(`{"prompt":"investigate","agent_id":"explore"}`))
	if isErr {
		t.Fatalf("unexpected error: %s", out)
	}

	var res map[string]any
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatal(err)
	}
	if res["status"] != "completed" || res["taskId"] != "child-1" || res["reportMarkdown"] != "done" {
		t.Errorf("result = %v", res)
	}
	if len(tasks.created) != 1 || tasks.created[0].ParentWorkspaceID != "parent" {
		t.Errorf("created = %+v", tasks.created)
	}
}

func TestTaskToolSurfacesCreateError(t *testing.T) {
	tasks := &fakeTasks{createErr: fmt.Errorf("runnable agents are: explore, review")}
	tool := &TaskTool{Tasks: tasks}

	out, isErr := tool.Execute(context.Background(), ExecContext{WorkspaceID: "p"},
		json.RawMessage(`{"prompt":"x","agent_id":"nope"}`))
	if !isErr || !strings.Contains(string(out), "runnable agents") {
		t.Errorf("got (%s, %v)", out, isErr)
	}
}

func TestAgentReportRejectsActiveDescendants(t *testing.T) {
	tool := &AgentReportTool{Tasks: &fakeTasks{activeDes: true}}
	out, isErr := tool.Execute(context.Background(), ExecContext{WorkspaceID: "child"},
		json.RawMessage(`{"report_markdown":"done"}`))
	if !isErr || !strings.Contains(string(out), "descendant") {
		t.Errorf("got (%s, %v)", out, isErr)
	}

	tool.Tasks = &fakeTasks{}
	if _, isErr := tool.Execute(context.Background(), ExecContext{WorkspaceID: "child"},
		json.RawMessage(`{"report_markdown":"done"}`)); isErr {
		t.Error("leaf report should succeed")
	}
}

func TestAskUserQuestionRoundTrip(t *testing.T) {
	reg := delegated.NewRegistry()
	tool := &AskUserQuestionTool{Registry: reg}

	done := make(chan json.RawMessage, 1)
	go func() {
		out, _ := tool.Execute(context.Background(),
			ExecContext{WorkspaceID: "ws", ToolCallID: "call-1"},
			json.RawMessage(`{"question":"proceed?"}`))
		done <- out
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := reg.GetLatestPending("ws"); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := reg.Answer("ws", "call-1", json.RawMessage(`{"answer":"yes"}`)); err != nil {
		t.Fatal(err)
	}
	if out := <-done; string(out) != `{"answer":"yes"}` {
		t.Errorf("out = %s", out)
	}
}

func TestAskUserQuestionAbort(t *testing.T) {
	reg := delegated.NewRegistry()
	tool := &AskUserQuestionTool{Registry: reg}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, isErr := tool.Execute(ctx, ExecContext{WorkspaceID: "ws", ToolCallID: "call-1"},
			json.RawMessage(`{"question":"proceed?"}`))
		done <- isErr
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := reg.GetLatestPending("ws"); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if isErr := <-done; !isErr {
		t.Error("aborted question should be an error result")
	}
	if _, _, ok := reg.GetLatestPending("ws"); ok {
		t.Error("pending entry should be cleaned up on abort")
	}
}

func newConfigService(t *testing.T, cfg *config.Config) *config.Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	svc, err := config.NewService(path)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestSwitchAgent(t *testing.T) {
	svc := newConfigService(t, &config.Config{
		Workspaces: map[string]*config.WorkspaceEntry{
			"ws": {ID: "ws", ProjectPath: "/tmp/p"},
		},
		Agents: map[string]*config.AgentDefinition{
			"review": {ID: "review"},
		},
	})
	tool := &SwitchAgentTool{Config: svc}

	out, isErr := tool.Execute(context.Background(), ExecContext{WorkspaceID: "ws"},
		json.RawMessage(`{"agent_id":"Review"}`))
	if isErr {
		t.Fatalf("switch failed: %s", out)
	}
	if got := svc.Get().Workspaces["ws"].AgentID; got != "review" {
		t.Errorf("agentId = %q, want review (normalized)", got)
	}

	if _, isErr := tool.Execute(context.Background(), ExecContext{WorkspaceID: "ws"},
		json.RawMessage(`{"agent_id":"ghost"}`)); !isErr {
		t.Error("unknown agent must fail")
	}
}

func TestRunnerDispatchesBuiltins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&AgentReportTool{Tasks: &fakeTasks{}})
	svc := newConfigService(t, &config.Config{})
	r := NewRunner(reg, nil, svc)

	out, isErr := r.Run(context.Background(), "ws",
		stream.ToolCall{ID: "c1", Name: "agent_report", Input: json.RawMessage(`{"report_markdown":"done"}`)}, nil)
	if isErr {
		t.Fatalf("got error output: %s", out)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("out = %s", out)
	}
}

func TestRunnerUnknownTool(t *testing.T) {
	svc := newConfigService(t, &config.Config{})
	r := NewRunner(NewRegistry(), nil, svc)

	out, isErr := r.Run(context.Background(), "ws",
		stream.ToolCall{ID: "c1", Name: "no_such_tool", Input: json.RawMessage(`{}`)}, nil)
	if !isErr || !strings.Contains(string(out), "unknown tool") {
		t.Errorf("got (%s, %v)", out, isErr)
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&SwitchAgentTool{})
	reg.Register(&AgentReportTool{})
	reg.Register(&TaskTool{})

	defs := reg.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	want := []string{"agent_report", "switch_agent", "task"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}
