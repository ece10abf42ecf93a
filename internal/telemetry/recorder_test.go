package telemetry

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "stats.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func (r *Recorder) waitRows(t *testing.T, table string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var n int
		if err := r.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never reached %d rows", table, want)
}

func TestRecordStreamTiming(t *testing.T) {
	r := openTestRecorder(t)

	r.Record(StreamTimingComputed{
		WorkspaceID:     "ws",
		Model:           "anthropic:claude-sonnet-4-5",
		TotalDurationMs: 1200,
		TTFTMs:          300,
		ToolExecutionMs: 400,
		ModelTimeMs:     800,
		StreamingMs:     500,
		OutputTokens:    42,
	})
	r.waitRows(t, "stream_timings", 1)

	var model string
	var total int64
	err := r.db.QueryRow("SELECT model, total_duration_ms FROM stream_timings").Scan(&model, &total)
	if err != nil {
		t.Fatal(err)
	}
	if model != "anthropic:claude-sonnet-4-5" || total != 1200 {
		t.Errorf("row = %s/%d", model, total)
	}
}

func TestRecordInvalidTimingAndCompaction(t *testing.T) {
	r := openTestRecorder(t)

	r.Record(StreamTimingInvalid{WorkspaceID: "ws", Anomalies: []string{"tool_gt_total", "negative_duration"}})
	r.Record(CompactionCompleted{WorkspaceID: "ws", Source: "on-send", Epoch: 3, Success: true})
	r.waitRows(t, "timing_anomalies", 1)
	r.waitRows(t, "compactions", 1)

	var anomalies string
	if err := r.db.QueryRow("SELECT anomalies FROM timing_anomalies").Scan(&anomalies); err != nil {
		t.Fatal(err)
	}
	if anomalies != "tool_gt_total,negative_duration" {
		t.Errorf("anomalies = %q", anomalies)
	}

	var source string
	var success int
	if err := r.db.QueryRow("SELECT source, success FROM compactions").Scan(&source, &success); err != nil {
		t.Fatal(err)
	}
	if source != "on-send" || success != 1 {
		t.Errorf("compaction row = %s/%d", source, success)
	}
}

func TestStatsByModel(t *testing.T) {
	r := openTestRecorder(t)

	for i := 0; i < 3; i++ {
		r.Record(StreamTimingComputed{WorkspaceID: "ws", Model: "fake:base", TotalDurationMs: 100, OutputTokens: 10})
	}
	r.Record(StreamTimingComputed{WorkspaceID: "ws", Model: "fake:mini", TotalDurationMs: 50, Invalid: true, Anomalies: []string{"ttft_gt_total"}})
	r.waitRows(t, "stream_timings", 4)

	stats, err := r.StatsByModel()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %d models", len(stats))
	}
	if stats[0].Model != "fake:base" || stats[0].Requests != 3 || stats[0].OutputTokens != 30 {
		t.Errorf("first = %+v", stats[0])
	}
	if stats[1].InvalidCount != 1 {
		t.Errorf("invalid count = %d", stats[1].InvalidCount)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := openTestRecorder(t)
	if err := Migrate(r.db); err != nil {
		t.Fatal(err)
	}
}
