package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/muxworks/muxd/internal/msg"
)

// ErrInvalidPartial is returned by CommitToHistory when the partial lacks a
// historySequence and so cannot be matched against a placeholder.
var ErrInvalidPartial = errors.New("partial has no historySequence")

// PartialStore persists the single in-flight assistant message per
// workspace. A partial either commits into history on stream end or is
// discarded on an abandoned abort; it never survives next to a committed
// copy of itself.
type PartialStore struct {
	store *Store
	locks *Locks
}

func NewPartialStore(store *Store, locks *Locks) *PartialStore {
	return &PartialStore{store: store, locks: locks}
}

func (p *PartialStore) path(workspaceID string) string {
	return filepath.Join(p.store.Dir(workspaceID), partialFile)
}

// WritePartial stamps partial=true and atomically replaces the partial file.
func (p *PartialStore) WritePartial(workspaceID string, m *msg.Message) error {
	return p.locks.With(workspaceID, func() error {
		m.Metadata.Partial = true
		if err := os.MkdirAll(p.store.Dir(workspaceID), 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal partial: %w", err)
		}
		return atomicWrite(p.path(workspaceID), data)
	})
}

// ReadPartial returns the in-flight message, or nil when absent or
// unreadable.
func (p *PartialStore) ReadPartial(workspaceID string) *msg.Message {
	mu := p.locks.Get(workspaceID)
	mu.Lock()
	defer mu.Unlock()
	return p.readLocked(workspaceID)
}

func (p *PartialStore) readLocked(workspaceID string) *msg.Message {
	data, err := os.ReadFile(p.path(workspaceID))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("partial.read_failed", "workspace", workspaceID, "error", err)
		}
		return nil
	}
	var m msg.Message
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("partial.parse_failed", "workspace", workspaceID, "error", err)
		return nil
	}
	return &m
}

// Delete removes the partial file. No-op when absent.
func (p *PartialStore) Delete(workspaceID string) error {
	return p.store.DeletePartial(workspaceID)
}

// CommitToHistory finalizes the in-flight message:
//
//  1. transient error metadata is stripped,
//  2. a placeholder with the same historySequence is located in the active
//     epoch,
//  3. commit-worthy content is appended or updated in place,
//  4. the partial file is deleted regardless of whether anything committed.
//
// A partial holding only input-available tool parts is never committed (it
// would brick subsequent provider requests) but its file is still deleted.
// IO failures abort without deleting the partial so the commit re-runs on
// next start.
func (p *PartialStore) CommitToHistory(workspaceID string) error {
	mu := p.locks.Get(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	partial := p.readLocked(workspaceID)
	if partial == nil {
		return nil
	}

	partial.Metadata.Error = ""
	partial.Metadata.ErrorType = ""
	partial.Metadata.Partial = false

	seq := partial.Metadata.HistorySequence
	if seq <= 0 {
		return fmt.Errorf("commit partial %s: %w", partial.ID, ErrInvalidPartial)
	}

	if msg.CommitWorthy(partial.Parts) {
		active := msg.SliceFromLatestBoundary(p.store.readLocked(workspaceID))
		var placeholder *msg.Message
		for _, m := range active {
			if m.Metadata.HistorySequence == seq {
				placeholder = m
				break
			}
		}

		switch {
		case placeholder == nil:
			if err := p.appendWithSequenceLocked(workspaceID, partial); err != nil {
				return err
			}
		case len(placeholder.Parts) < len(partial.Parts):
			if err := p.updateLocked(workspaceID, partial); err != nil {
				return err
			}
		default:
			// Placeholder already holds at least as much content.
		}
	}

	if err := os.Remove(p.path(workspaceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete partial after commit: %w", err)
	}
	return nil
}

// appendWithSequenceLocked appends preserving the partial's already-assigned
// sequence. Caller holds the workspace lock.
func (p *PartialStore) appendWithSequenceLocked(workspaceID string, m *msg.Message) error {
	msgs := p.store.readLocked(workspaceID)
	msgs = append(msgs, m)
	return p.store.writeLocked(workspaceID, msgs)
}

func (p *PartialStore) updateLocked(workspaceID string, m *msg.Message) error {
	msgs := p.store.readLocked(workspaceID)
	for i, existing := range msgs {
		if existing.ID == m.ID {
			m.Metadata.HistorySequence = existing.Metadata.HistorySequence
			msgs[i] = m
			return p.store.writeLocked(workspaceID, msgs)
		}
	}
	// Placeholder vanished between reads; fall back to append.
	msgs = append(msgs, m)
	return p.store.writeLocked(workspaceID, msgs)
}
