package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/muxworks/muxd/internal/msg"
)

const (
	chatFile    = "chat.jsonl"
	partialFile = "partial.json"
)

// ErrNotFound is returned by Update when no message with the given id exists.
var ErrNotFound = errors.New("message not found")

// Store is the append-only per-workspace message log. Every write rewrites
// the full chat.jsonl through a temp file + rename so a crash can never
// leave torn JSON behind.
type Store struct {
	baseDir string
	locks   *Locks
}

// NewStore creates a history store rooted at baseDir (one subdirectory per
// workspace). The locks instance must be shared with PartialStore and the
// timing store.
func NewStore(baseDir string, locks *Locks) *Store {
	return &Store{baseDir: baseDir, locks: locks}
}

// Dir returns the session directory for a workspace.
func (s *Store) Dir(workspaceID string) string {
	return filepath.Join(s.baseDir, workspaceID)
}

func (s *Store) chatPath(workspaceID string) string {
	return filepath.Join(s.Dir(workspaceID), chatFile)
}

// Append assigns the next historySequence and persists the message.
func (s *Store) Append(workspaceID string, m *msg.Message) error {
	return s.locks.With(workspaceID, func() error {
		msgs := s.readLocked(workspaceID)
		maxSeq := 0
		for _, existing := range msgs {
			if existing.Metadata.HistorySequence > maxSeq {
				maxSeq = existing.Metadata.HistorySequence
			}
		}
		m.Metadata.HistorySequence = maxSeq + 1
		msgs = append(msgs, m)
		return s.writeLocked(workspaceID, msgs)
	})
}

// Update replaces the message with the same id in place, preserving its
// historySequence.
func (s *Store) Update(workspaceID string, m *msg.Message) error {
	return s.locks.With(workspaceID, func() error {
		msgs := s.readLocked(workspaceID)
		for i, existing := range msgs {
			if existing.ID == m.ID {
				m.Metadata.HistorySequence = existing.Metadata.HistorySequence
				msgs[i] = m
				return s.writeLocked(workspaceID, msgs)
			}
		}
		return fmt.Errorf("update %s: %w", m.ID, ErrNotFound)
	})
}

// GetHistory returns the full ordered log.
func (s *Store) GetHistory(workspaceID string) []*msg.Message {
	mu := s.locks.Get(workspaceID)
	mu.Lock()
	defer mu.Unlock()
	return s.readLocked(workspaceID)
}

// GetLastMessages returns the tail window of at most n messages.
func (s *Store) GetLastMessages(workspaceID string, n int) []*msg.Message {
	msgs := s.GetHistory(workspaceID)
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// GetHistoryFromLatestBoundary returns the slice from (and including) the
// newest valid compaction boundary to the tail, or the full history when no
// boundary exists.
func (s *Store) GetHistoryFromLatestBoundary(workspaceID string) []*msg.Message {
	return msg.SliceFromLatestBoundary(s.GetHistory(workspaceID))
}

// RemoveMessage deletes the row with the given id. Unknown ids are a
// no-op. Used to retract a stream placeholder on an abandoned abort.
func (s *Store) RemoveMessage(workspaceID, id string) error {
	return s.locks.With(workspaceID, func() error {
		msgs := s.readLocked(workspaceID)
		for i, m := range msgs {
			if m.ID == id {
				msgs = append(msgs[:i], msgs[i+1:]...)
				return s.writeLocked(workspaceID, msgs)
			}
		}
		return nil
	})
}

// TruncateAfterMessage drops every message after the one with the given id.
// Unknown ids are a no-op.
func (s *Store) TruncateAfterMessage(workspaceID, id string) error {
	return s.locks.With(workspaceID, func() error {
		msgs := s.readLocked(workspaceID)
		for i, m := range msgs {
			if m.ID == id {
				return s.writeLocked(workspaceID, msgs[:i+1])
			}
		}
		return nil
	})
}

// ClearHistory erases the log.
func (s *Store) ClearHistory(workspaceID string) error {
	return s.locks.With(workspaceID, func() error {
		return s.writeLocked(workspaceID, nil)
	})
}

// DeletePartial erases the partial slot. No-op when absent.
func (s *Store) DeletePartial(workspaceID string) error {
	return s.locks.With(workspaceID, func() error {
		err := os.Remove(filepath.Join(s.Dir(workspaceID), partialFile))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete partial: %w", err)
		}
		return nil
	})
}

// readLocked loads and parses chat.jsonl. The caller holds the workspace
// lock. Parse failures reset to empty with a warning — history is
// self-healing rather than fail-stop.
func (s *Store) readLocked(workspaceID string) []*msg.Message {
	data, err := os.ReadFile(s.chatPath(workspaceID))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("history.read_failed", "workspace", workspaceID, "error", err)
		}
		return nil
	}

	var msgs []*msg.Message
	seen := make(map[int]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m msg.Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("history.parse_failed_resetting", "workspace", workspaceID, "error", err)
			return nil
		}
		if seq := m.Metadata.HistorySequence; seq > 0 && seen[seq] {
			// Ties are impossible by construction; if a file shows one
			// anyway, the earliest row wins.
			slog.Warn("history.duplicate_sequence", "workspace", workspaceID, "sequence", seq, "id", m.ID)
			continue
		}
		seen[m.Metadata.HistorySequence] = true
		msgs = append(msgs, &m)
	}
	if err := sc.Err(); err != nil {
		slog.Warn("history.scan_failed_resetting", "workspace", workspaceID, "error", err)
		return nil
	}
	return msgs
}

// writeLocked serializes the full log and atomically replaces chat.jsonl.
func (s *Store) writeLocked(workspaceID string, msgs []*msg.Message) error {
	dir := s.Dir(workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return atomicWrite(s.chatPath(workspaceID), buf.Bytes())
}

// atomicWrite writes data to a sibling temp file then renames it over path.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
