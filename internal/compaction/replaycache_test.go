package compaction

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/muxworks/muxd/internal/msg"
)

func tempCache(t *testing.T) *ReplayCache {
	t.Helper()
	base := t.TempDir()
	return NewReplayCache(func(ws string) string { return filepath.Join(base, ws) })
}

func TestReplayCacheRoundTrip(t *testing.T) {
	c := tempCache(t)
	diffs := []FileDiff{{Path: "a.go", Diff: "-x\n+y"}}
	if err := c.Store("ws", diffs); err != nil {
		t.Fatal(err)
	}

	got := c.PeekPendingDiffs("ws")
	if len(got) != 1 || got[0].Path != "a.go" {
		t.Fatalf("peek = %+v", got)
	}

	// Peek does not consume.
	if again := c.PeekPendingDiffs("ws"); len(again) != 1 {
		t.Fatal("peek must be repeatable")
	}

	c.AckConsumed("ws")
	if left := c.PeekPendingDiffs("ws"); left != nil {
		t.Fatalf("after ack, diffs = %+v, want none", left)
	}
	if _, err := os.Stat(filepath.Join(c.dirFor("ws"), replayCacheFile)); !os.IsNotExist(err) {
		t.Fatal("persisted file must be deleted on ack")
	}
}

func TestReplayCacheLazyLoad(t *testing.T) {
	base := t.TempDir()
	dirFor := func(ws string) string { return filepath.Join(base, ws) }

	first := NewReplayCache(dirFor)
	if err := first.Store("ws", []FileDiff{{Path: "b.go", Diff: "+b"}}); err != nil {
		t.Fatal(err)
	}

	// Fresh instance simulates a daemon restart.
	second := NewReplayCache(dirFor)
	if paths := second.PeekCachedFilePaths("ws"); len(paths) != 1 || paths[0] != "b.go" {
		t.Fatalf("paths after restart = %v", paths)
	}
}

func TestReplayCacheDiscard(t *testing.T) {
	c := tempCache(t)
	if err := c.Store("ws", []FileDiff{{Path: "c.go", Diff: "+c"}}); err != nil {
		t.Fatal(err)
	}
	c.Discard("ws", "context_exceeded")
	if got := c.PeekPendingDiffs("ws"); got != nil {
		t.Fatalf("after discard, diffs = %+v", got)
	}
}

func TestReplayCacheUnreadableFile(t *testing.T) {
	base := t.TempDir()
	dirFor := func(ws string) string { return filepath.Join(base, ws) }
	dir := dirFor("ws")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, replayCacheFile), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewReplayCache(dirFor)
	if got := c.PeekPendingDiffs("ws"); got != nil {
		t.Fatalf("unreadable cache should read as empty, got %+v", got)
	}
}

func toolOutputMsg(toolCallID, output string) *msg.Message {
	return &msg.Message{
		ID:   msg.NewID(),
		Role: msg.RoleAssistant,
		Parts: []msg.Part{{
			Type:       msg.PartDynamicTool,
			ToolCallID: toolCallID,
			ToolName:   "edit_file",
			State:      msg.ToolOutputAvailable,
			Output:     json.RawMessage(output),
		}},
	}
}

func TestExtractFileDiffs(t *testing.T) {
	msgs := []*msg.Message{
		toolOutputMsg("t1", `{"path":"a.go","diff":"v1"}`),
		toolOutputMsg("t2", `{"path":"b.go","diff":"+b"}`),
		toolOutputMsg("t3", `{"path":"a.go","diff":"v2"}`),
		toolOutputMsg("t4", `{"result":"no file fields"}`),
		toolOutputMsg("t5", `not json at all`),
	}
	diffs := ExtractFileDiffs(msgs)
	if len(diffs) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(diffs), diffs)
	}
	if diffs[0].Path != "a.go" || diffs[0].Diff != "v2" {
		t.Errorf("newest edit per path must win, got %+v", diffs[0])
	}
}

func TestExtractFileDiffsTruncation(t *testing.T) {
	big := strings.Repeat("x", MaxFileContentSize+100)
	msgs := []*msg.Message{
		toolOutputMsg("t1", `{"path":"big.go","diff":"`+big+`"}`),
	}
	diffs := ExtractFileDiffs(msgs)
	if len(diffs) != 1 {
		t.Fatalf("len = %d, want 1", len(diffs))
	}
	if !diffs[0].Truncated {
		t.Error("oversized diff must be marked truncated")
	}
	if len(diffs[0].Diff) != MaxFileContentSize {
		t.Errorf("diff len = %d, want %d", len(diffs[0].Diff), MaxFileContentSize)
	}
}

func TestExtractFileDiffsFileCap(t *testing.T) {
	var msgs []*msg.Message
	for i := 0; i < MaxEditedFiles+5; i++ {
		path := string(rune('a'+i%26)) + "/" + string(rune('0'+i/26)) + ".go"
		msgs = append(msgs, toolOutputMsg("t", `{"path":"`+path+`","diff":"+x"}`))
	}
	diffs := ExtractFileDiffs(msgs)
	if len(diffs) != MaxEditedFiles {
		t.Fatalf("len = %d, want cap %d", len(diffs), MaxEditedFiles)
	}
}
