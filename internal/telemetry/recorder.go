package telemetry

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/muxworks/muxd/internal/flags"
	"github.com/muxworks/muxd/internal/msg"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const recordQueueSize = 256

// Recorder writes telemetry events to a local SQLite database. Recording
// is asynchronous; a full queue drops events rather than stalling the
// streaming path. The stats feature gate silences it entirely.
type Recorder struct {
	db    *sql.DB
	flags *flags.Service

	ch   chan Event
	done chan struct{}

	closeOnce sync.Once
}

// Open opens (creating if needed) the stats database and applies pending
// migrations.
func Open(dbPath string, fl *flags.Service) (*Recorder, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	r := &Recorder{
		db:    db,
		flags: fl,
		ch:    make(chan Event, recordQueueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Migrate brings the stats schema up to date.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Record enqueues an event. Dropped silently when the stats gate is off,
// with a warning when the queue is saturated.
func (r *Recorder) Record(ev Event) {
	if r == nil {
		return
	}
	if r.flags != nil && !r.flags.Enabled(flags.FeatureStats) {
		return
	}
	select {
	case r.ch <- ev:
	default:
		slog.Warn("telemetry.queue_full")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.ch {
		if err := r.insert(ev); err != nil {
			slog.Warn("telemetry.insert_failed", "err", err)
		}
	}
}

func (r *Recorder) insert(ev Event) error {
	now := msg.NowMillis()
	switch e := ev.(type) {
	case StreamTimingComputed:
		_, err := r.db.Exec(`INSERT INTO stream_timings
			(workspace_id, model, total_duration_ms, ttft_ms, tool_execution_ms,
			 model_time_ms, streaming_ms, output_tokens, reasoning_tokens,
			 invalid, anomalies, recorded_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.WorkspaceID, e.Model, e.TotalDurationMs, e.TTFTMs, e.ToolExecutionMs,
			e.ModelTimeMs, e.StreamingMs, e.OutputTokens, e.ReasoningTokens,
			boolInt(e.Invalid), strings.Join(e.Anomalies, ","), now)
		return err
	case StreamTimingInvalid:
		_, err := r.db.Exec(`INSERT INTO timing_anomalies
			(workspace_id, anomalies, recorded_at_ms) VALUES (?, ?, ?)`,
			e.WorkspaceID, strings.Join(e.Anomalies, ","), now)
		return err
	case CompactionCompleted:
		_, err := r.db.Exec(`INSERT INTO compactions
			(workspace_id, source, epoch, success, error, recorded_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.WorkspaceID, e.Source, e.Epoch, boolInt(e.Success), e.Error, now)
		return err
	default:
		return fmt.Errorf("unknown telemetry event %T", ev)
	}
}

// ModelStats is one row of the per-model rollup.
type ModelStats struct {
	Model           string
	Requests        int
	TotalDurationMs int64
	OutputTokens    int64
	InvalidCount    int
}

// StatsByModel aggregates recorded stream timings per model.
func (r *Recorder) StatsByModel() ([]ModelStats, error) {
	rows, err := r.db.Query(`SELECT model, COUNT(*), SUM(total_duration_ms),
			SUM(output_tokens), SUM(invalid)
		FROM stream_timings GROUP BY model ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelStats
	for rows.Next() {
		var s ModelStats
		if err := rows.Scan(&s.Model, &s.Requests, &s.TotalDurationMs, &s.OutputTokens, &s.InvalidCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close drains the queue and closes the database.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		close(r.ch)
		<-r.done
	})
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
