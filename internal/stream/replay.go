package stream

import (
	"github.com/muxworks/muxd/internal/msg"
	"github.com/muxworks/muxd/pkg/protocol"
)

// ReplayOptions filter an incremental replay. AfterTimestamp (millis)
// limits tool-call-end replays to completions after that instant.
type ReplayOptions struct {
	AfterTimestamp int64
}

// Replay re-emits the live stream's accumulated state for a late
// subscriber. Returns false when no stream is active.
func (m *Manager) Replay(workspaceID string, opts ReplayOptions) bool {
	v, ok := m.active.Load(workspaceID)
	if !ok {
		return false
	}
	s := v.(*workspaceStream)

	// Snapshot first: the processing goroutine keeps appending to the
	// live array while we iterate.
	parts := s.snapshotParts()

	s.mu.Lock()
	completions := make(map[string]int64, len(s.toolCompletion))
	for id, ts := range s.toolCompletion {
		completions[id] = ts
	}
	toolErrors := make(map[string]bool, len(s.toolErrors))
	for id, e := range s.toolErrors {
		toolErrors[id] = e
	}
	var lastStep *msg.Usage
	if s.lastStepUsage != nil {
		u := *s.lastStepUsage
		lastStep = &u
	}
	cumulative := s.cumulative
	s.mu.Unlock()

	m.events.Publish(protocol.Event{
		Type:        protocol.EventStreamStart,
		WorkspaceID: workspaceID,
		Payload:     protocol.StreamStart{MessageID: s.messageID, Replay: true, Parts: parts},
	})

	for _, p := range parts {
		switch p.Type {
		case msg.PartText, msg.PartReasoning:
			m.events.Publish(protocol.Event{
				Type:        protocol.EventStreamDelta,
				WorkspaceID: workspaceID,
				Payload:     protocol.StreamDelta{MessageID: s.messageID, PartType: p.Type, Text: p.Text},
			})
		case msg.PartDynamicTool:
			m.events.Publish(protocol.Event{
				Type:        protocol.EventToolCallStart,
				WorkspaceID: workspaceID,
				Payload: protocol.ToolCallStart{
					MessageID:  s.messageID,
					ToolCallID: p.ToolCallID,
					ToolName:   p.ToolName,
					Input:      p.Input,
				},
			})
			if p.State != msg.ToolOutputAvailable {
				continue
			}
			if opts.AfterTimestamp > 0 && completions[p.ToolCallID] <= opts.AfterTimestamp {
				continue
			}
			m.events.Publish(protocol.Event{
				Type:        protocol.EventToolCallEnd,
				WorkspaceID: workspaceID,
				Payload: protocol.ToolCallEnd{
					MessageID:  s.messageID,
					ToolCallID: p.ToolCallID,
					ToolName:   p.ToolName,
					Output:     p.Output,
					IsError:    toolErrors[p.ToolCallID],
				},
			})
		}
	}

	// Full replays get one synthetic usage event; incremental reconnects
	// skip it so clients never double-count.
	if opts.AfterTimestamp == 0 && lastStep != nil {
		m.events.Publish(protocol.Event{
			Type:        protocol.EventUsageDelta,
			WorkspaceID: workspaceID,
			Payload: protocol.UsageDelta{
				MessageID:    s.messageID,
				Usage:        cumulative,
				ContextUsage: lastStep,
			},
		})
	}
	return true
}
