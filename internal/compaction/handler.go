package compaction

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/internal/history"
	"github.com/muxworks/muxd/internal/msg"
	"github.com/muxworks/muxd/pkg/protocol"
)

// requestLookback bounds the trigger-detection scan: a compaction request
// is always among the last few rows when its summary stream ends.
const requestLookback = 10

// Handler turns a streamed compaction summary into a durable epoch
// boundary and feeds the post-compaction replay cache.
type Handler struct {
	store    *history.Store
	partials *history.PartialStore
	cache    *ReplayCache
	events   bus.Publisher

	// OnComplete runs after a boundary lands, e.g. to clear an
	// idle-compaction pending flag. Optional.
	OnComplete func(workspaceID string, epoch int)

	mu        sync.Mutex
	processed map[string]bool // compaction-request message ids
}

func NewHandler(store *history.Store, partials *history.PartialStore, cache *ReplayCache, events bus.Publisher) *Handler {
	return &Handler{
		store:     store,
		partials:  partials,
		cache:     cache,
		events:    events,
		processed: make(map[string]bool),
	}
}

// Cache exposes the replay cache for the send path.
func (h *Handler) Cache() *ReplayCache { return h.cache }

// HandleStreamEnd inspects a finished stream for a pending compaction
// request and, if the summary is acceptable, persists the boundary.
// Returns (false, nil) when the stream was not a compaction turn.
func (h *Handler) HandleStreamEnd(workspaceID string, final *msg.Message) (bool, error) {
	req := h.findRequest(workspaceID)
	if req == nil {
		return false, nil
	}

	h.mu.Lock()
	done := h.processed[req.ID]
	h.mu.Unlock()
	if done {
		return false, nil
	}

	summary := summaryText(final)
	// Self-healing rejections: leave the request unprocessed so the user
	// can retry the compaction.
	if summary == "" {
		slog.Warn("compaction.empty_summary_rejected", "workspace", workspaceID, "request", req.ID)
		return false, nil
	}
	if looksLikeRawJSONObject(summary) {
		slog.Warn("compaction.json_summary_rejected", "workspace", workspaceID, "request", req.ID)
		return false, nil
	}

	// A concurrent partial commit would re-append pre-boundary content
	// after the summary, so the stale partial dies first.
	if err := h.partials.Delete(workspaceID); err != nil {
		slog.Warn("compaction.stale_partial_delete_failed", "workspace", workspaceID, "err", err)
	}

	full := h.store.GetHistory(workspaceID)
	epochMessages := msg.SliceFromLatestBoundary(full)
	diffs := ExtractFileDiffs(epochMessages)
	if err := h.cache.Store(workspaceID, diffs); err != nil {
		// Best effort: losing the replay cache does not abort compaction.
		slog.Warn("compaction.replay_cache_persist_failed", "workspace", workspaceID, "err", err)
	}

	epoch := msg.NextCompactionEpoch(full)
	boundary := buildBoundary(final, req, epoch, lastTimestamp(full))

	if err := h.persistBoundary(workspaceID, full, boundary); err != nil {
		return false, fmt.Errorf("persist compaction boundary: %w", err)
	}

	h.mu.Lock()
	h.processed[req.ID] = true
	h.mu.Unlock()

	h.events.Publish(protocol.Event{
		Type:        protocol.EventCompactionEnd,
		WorkspaceID: workspaceID,
		Payload:     protocol.CompactionEnd{Epoch: epoch, Success: true},
	})
	h.events.Publish(protocol.Event{
		Type:        protocol.EventStreamEnd,
		WorkspaceID: workspaceID,
		Payload:     protocol.StreamEnd{Message: boundary},
	})

	if h.OnComplete != nil {
		h.OnComplete(workspaceID, epoch)
	}
	slog.Info("compaction.boundary_written", "workspace", workspaceID, "epoch", epoch, "diffs", len(diffs))
	return true, nil
}

// findRequest returns the newest compaction request among the last rows.
func (h *Handler) findRequest(workspaceID string) *msg.Message {
	recent := h.store.GetLastMessages(workspaceID, requestLookback)
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.Role == msg.RoleUser && m.MuxType() == msg.MuxCompactionRequest {
			return m
		}
	}
	return nil
}

// persistBoundary updates the streamed message in place when it already
// landed (preserving its sequence), otherwise appends.
func (h *Handler) persistBoundary(workspaceID string, full []*msg.Message, boundary *msg.Message) error {
	for _, m := range full {
		if m.ID == boundary.ID {
			boundary.Metadata.HistorySequence = m.Metadata.HistorySequence
			return h.store.Update(workspaceID, boundary)
		}
	}
	boundary.Metadata.HistorySequence = 0
	return h.store.Append(workspaceID, boundary)
}

// buildBoundary sanitizes the streamed summary into the durable row.
// Provider metadata and context usage are dropped so clients never merge
// stale pre-compaction values into the new epoch.
func buildBoundary(final, req *msg.Message, epoch int, lastTS int64) *msg.Message {
	out := final.Clone()
	out.Metadata.Partial = false
	out.Metadata.CompactionBoundary = true
	out.Metadata.CompactionEpoch = epoch
	out.Metadata.ProviderMetadata = nil
	out.Metadata.ContextProviderMeta = nil
	out.Metadata.ContextUsage = nil
	out.Metadata.Error = ""
	out.Metadata.ErrorType = ""
	// The deferred follow-up rides the request into the boundary so the
	// post-compaction replay can find it.
	mux := &msg.MuxMetadata{Type: msg.MuxCompactionSummary}
	if req.Metadata.Mux != nil {
		mux.PendingFollowUp = req.Metadata.Mux.PendingFollowUp
	}
	out.Metadata.Mux = mux

	source := msg.CompactionSourceUser
	if req.Metadata.Mux != nil && req.Metadata.Mux.Source != "" {
		source = req.Metadata.Mux.Source
	}
	switch source {
	case msg.CompactionSourceIdle:
		out.Metadata.Compacted = msg.CompactedIdle
		// Idle compaction must not bump workspace recency.
		if lastTS > 0 {
			out.Metadata.Timestamp = lastTS
		}
	default:
		out.Metadata.Compacted = msg.CompactedUser
		out.Metadata.Timestamp = msg.NowMillis()
	}
	return out
}

func summaryText(m *msg.Message) string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == msg.PartText {
			b.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// looksLikeRawJSONObject detects a tool call leaked as summary text.
func looksLikeRawJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var obj map[string]any
	return json.Unmarshal([]byte(s), &obj) == nil
}

func lastTimestamp(msgs []*msg.Message) int64 {
	var ts int64
	for _, m := range msgs {
		if m.Metadata.Timestamp > ts {
			ts = m.Metadata.Timestamp
		}
	}
	return ts
}
