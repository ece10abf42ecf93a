package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/muxworks/muxd/internal/msg"
	"github.com/muxworks/muxd/internal/providers"
	"github.com/muxworks/muxd/internal/telemetry"
	"github.com/muxworks/muxd/pkg/protocol"
)

// toolCall is one pending execution collected during a step.
type toolCall struct {
	id    string
	name  string
	input json.RawMessage
}

type toolResult struct {
	call    toolCall
	output  json.RawMessage
	isError bool
	millis  int64
}

func (m *Manager) processStreamWithCleanup(ctx context.Context, s *workspaceStream, req StartRequest) {
	ctx, span := telemetry.Tracer().Start(ctx, "stream.run")
	span.SetAttributes(
		attribute.String("workspace.id", s.workspaceID),
		attribute.String("model", req.Model),
	)
	defer span.End()
	defer func() {
		s.mu.Lock()
		if s.flushTimer != nil {
			s.flushTimer.Stop()
		}
		s.mu.Unlock()
		m.active.Delete(s.workspaceID)
		_ = os.RemoveAll(s.tmpDir)
		close(s.done)
	}()

	m.events.Publish(protocol.Event{
		Type:        protocol.EventStreamStart,
		WorkspaceID: s.workspaceID,
		Payload:     protocol.StreamStart{MessageID: s.messageID},
	})

	// The placeholder row reserves the historySequence the partial will
	// carry; commit later reconciles against it by sequence.
	placeholder := s.buildMessage()
	if err := m.store.Append(s.workspaceID, placeholder); err != nil {
		m.failStream(s, fmt.Errorf("append stream placeholder: %w", err))
		return
	}
	s.mu.Lock()
	s.sequence = placeholder.Metadata.HistorySequence
	s.mu.Unlock()
	m.flushPartialNow(s)

	provider, model, err := m.registry.Resolve(req.Model)
	if err != nil {
		m.failStream(s, err)
		return
	}

	var (
		finishReason      providers.FinishReason
		stopForCompaction bool
		didRetryPrevID    bool
	)

	for step := 1; step <= stepCap; step++ {
		preq := providers.Request{
			Model:           model,
			System:          req.System,
			Messages:        m.stepMessages(s, req.Messages),
			Tools:           req.Tools,
			ToolChoice:      req.ToolChoice,
			Thinking:        req.Thinking,
			Use1M:           req.Use1M,
			ProviderOptions: req.ProviderOptions,
		}

		calls, stepErr := m.runStep(ctx, s, provider, preq, &finishReason, &stopForCompaction)
		if stepErr != nil {
			if ctx.Err() != nil {
				m.handleAbort(s)
				return
			}
			// Previous-response-id recovery: drop the lost id and, once
			// a step boundary exists, retry from the tracked messages.
			if Categorize(stepErr) == ErrPreviousResponseNotFound {
				if id := stripPreviousResponseID(req.ProviderOptions); id != "" {
					m.markResponseIDLost(id)
					if step > 1 && !didRetryPrevID {
						didRetryPrevID = true
						slog.Info("stream.previous_response_recovery", "workspace", s.workspaceID, "lost_id", id)
						continue
					}
				}
			}
			m.failStream(s, stepErr)
			return
		}

		if len(calls) > 0 {
			m.runTools(ctx, s, calls)
			m.flushPartialNow(s)
		}

		if ctx.Err() != nil {
			m.handleAbort(s)
			return
		}
		if m.shouldStop(s, req, finishReason, stopForCompaction) {
			break
		}
	}

	m.finalizeStream(s)
	if stopForCompaction && m.OnMidStreamCompact != nil {
		m.OnMidStreamCompact(s.workspaceID)
	}
}

// stepMessages is the provider conversation for the next step: the request
// messages plus the assistant message accumulated so far, when any.
func (m *Manager) stepMessages(s *workspaceStream, base []*msg.Message) []*msg.Message {
	parts := s.snapshotParts()
	if len(parts) == 0 {
		return base
	}
	out := make([]*msg.Message, 0, len(base)+1)
	out = append(out, base...)
	out = append(out, &msg.Message{
		ID:    s.messageID,
		Role:  msg.RoleAssistant,
		Parts: parts,
	})
	return out
}

// runStep consumes one provider stream and returns the tool calls it
// requested.
func (m *Manager) runStep(ctx context.Context, s *workspaceStream, provider providers.Provider, preq providers.Request, finishReason *providers.FinishReason, stopForCompaction *bool) ([]toolCall, error) {
	ps, err := provider.StreamStep(ctx, preq)
	if err != nil {
		return nil, err
	}
	defer ps.Close()

	var calls []toolCall
	for {
		ev, err := ps.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev.Type {
		case providers.EventStreamStart:
			s.mu.Lock()
			s.responseID = ev.ResponseID
			s.mu.Unlock()

		case providers.EventTextDelta:
			m.appendTextDelta(s, msg.PartText, ev.Text)

		case providers.EventReasoningDelta:
			m.appendTextDelta(s, msg.PartReasoning, ev.Text)

		case providers.EventToolInputDelta:
			m.events.Publish(protocol.Event{
				Type:        protocol.EventToolCallDelta,
				WorkspaceID: s.workspaceID,
				Payload: protocol.ToolCallDelta{
					MessageID:  s.messageID,
					ToolCallID: ev.ToolCallID,
					Text:       ev.InputDelta,
				},
			})

		case providers.EventToolCall:
			now := msg.NowMillis()
			s.mu.Lock()
			s.parts = append(s.parts, msg.Part{
				Type:       msg.PartDynamicTool,
				ToolCallID: ev.ToolCallID,
				ToolName:   ev.ToolName,
				State:      msg.ToolInputAvailable,
				Input:      ev.Input,
			})
			s.toolStarts[ev.ToolCallID] = now
			s.mu.Unlock()

			m.events.Publish(protocol.Event{
				Type:        protocol.EventToolCallStart,
				WorkspaceID: s.workspaceID,
				Payload: protocol.ToolCallStart{
					MessageID:  s.messageID,
					ToolCallID: ev.ToolCallID,
					ToolName:   ev.ToolName,
					Input:      ev.Input,
				},
			})
			calls = append(calls, toolCall{id: ev.ToolCallID, name: ev.ToolName, input: ev.Input})

			// ask_user_question blocks on the user; the call must be on
			// disk before that wait in case the daemon dies during it.
			if ev.ToolName == "ask_user_question" {
				m.flushPartialNow(s)
			} else {
				m.scheduleFlush(s)
			}

		case providers.EventUsage:
			if ev.Usage != nil {
				u := *ev.Usage
				s.mu.Lock()
				s.lastStepUsage = &u
				s.mu.Unlock()
				m.events.Publish(protocol.Event{
					Type:        protocol.EventUsageDelta,
					WorkspaceID: s.workspaceID,
					Payload:     protocol.UsageDelta{MessageID: s.messageID, Usage: u},
				})
				if m.MidStreamCheck != nil && m.MidStreamCheck(s.workspaceID, &u) {
					*stopForCompaction = true
				}
			}

		case providers.EventFinish:
			*finishReason = ev.Finish
		}
	}

	if tu := ps.TotalUsage(); tu != nil {
		s.mu.Lock()
		s.lastStepUsage = tu
		s.cumulative.InputTokens = tu.InputTokens // prompt size is per step, not additive
		s.cumulative.CachedInputTokens = tu.CachedInputTokens
		s.cumulative.OutputTokens += tu.OutputTokens
		s.cumulative.ReasoningTokens += tu.ReasoningTokens
		s.mu.Unlock()
	}
	return calls, nil
}

// appendTextDelta extends the trailing part of the same type or opens a
// new one, then emits the delta and schedules a flush.
func (m *Manager) appendTextDelta(s *workspaceStream, partType msg.PartType, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	if s.firstTokenAt == 0 && partType == msg.PartText {
		s.firstTokenAt = msg.NowMillis()
	}
	if n := len(s.parts); n > 0 && s.parts[n-1].Type == partType {
		s.parts[n-1].Text += text
	} else {
		s.parts = append(s.parts, msg.Part{Type: partType, Text: text})
	}
	s.mu.Unlock()

	m.events.Publish(protocol.Event{
		Type:        protocol.EventStreamDelta,
		WorkspaceID: s.workspaceID,
		Payload:     protocol.StreamDelta{MessageID: s.messageID, PartType: partType, Text: text},
	})
	m.scheduleFlush(s)
}

// runTools executes the step's calls in parallel and applies results in
// call order so the parts array stays deterministic.
func (m *Manager) runTools(ctx context.Context, s *workspaceStream, calls []toolCall) {
	results := make([]toolResult, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c toolCall) {
			defer wg.Done()
			toolCtx, span := telemetry.Tracer().Start(ctx, "tool.execute")
			span.SetAttributes(
				attribute.String("tool.name", c.name),
				attribute.String("workspace.id", s.workspaceID),
			)
			defer span.End()
			start := time.Now()
			emit := func(delta string) {
				m.events.Publish(protocol.Event{
					Type:        protocol.EventToolCallDelta,
					WorkspaceID: s.workspaceID,
					Payload:     protocol.ToolCallDelta{MessageID: s.messageID, ToolCallID: c.id, Text: delta},
				})
			}
			out, isErr := m.tools.Run(toolCtx, s.workspaceID, ToolCall{ID: c.id, Name: c.name, Input: c.input}, emit)
			results[i] = toolResult{
				call:    c,
				output:  StripEncryptedContent(out),
				isError: isErr,
				millis:  time.Since(start).Milliseconds(),
			}
		}(i, c)
	}
	wg.Wait()

	for _, r := range results {
		now := msg.NowMillis()
		s.mu.Lock()
		for j := range s.parts {
			if s.parts[j].Type == msg.PartDynamicTool && s.parts[j].ToolCallID == r.call.id {
				s.parts[j].State = msg.ToolOutputAvailable
				s.parts[j].Output = r.output
				break
			}
		}
		s.toolCompletion[r.call.id] = now
		s.toolErrors[r.call.id] = r.isError
		s.mu.Unlock()

		m.events.Publish(protocol.Event{
			Type:        protocol.EventToolCallEnd,
			WorkspaceID: s.workspaceID,
			Payload: protocol.ToolCallEnd{
				MessageID:  s.messageID,
				ToolCallID: r.call.id,
				ToolName:   r.call.name,
				Output:     r.output,
				IsError:    r.isError,
				DurationMs: r.millis,
			},
		})
	}
}

// shouldStop evaluates the stop-condition set after a step.
func (m *Manager) shouldStop(s *workspaceStream, req StartRequest, finishReason providers.FinishReason, stopForCompaction bool) bool {
	// A forced tool is single-step by contract.
	if req.ToolChoice != nil && req.ToolChoice.Type == "tool" {
		return true
	}
	if finishReason != providers.FinishToolCalls {
		return true
	}
	if stopForCompaction {
		return true
	}
	if s.hasSuccessfulToolOutput("agent_report") || s.hasSuccessfulToolOutput("switch_agent") {
		return true
	}
	if req.ProposePlanStops && s.hasSuccessfulToolOutput("propose_plan") {
		return true
	}
	if req.QueuedFollowUp != nil && req.QueuedFollowUp() {
		return true
	}
	return false
}

func (s *workspaceStream) hasSuccessfulToolOutput(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parts {
		if p.Type == msg.PartDynamicTool && p.ToolName == name && p.State == msg.ToolOutputAvailable && !s.toolErrors[p.ToolCallID] {
			return true
		}
	}
	return false
}

// buildMessage renders the stream state as a message row.
func (s *workspaceStream) buildMessage() *msg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]msg.Part, len(s.parts))
	copy(parts, s.parts)
	return &msg.Message{
		ID:    s.messageID,
		Role:  msg.RoleAssistant,
		Parts: parts,
		Metadata: msg.Metadata{
			HistorySequence: s.sequence,
			Timestamp:       s.startedAt,
			Model:           s.model,
			AgentID:         s.agentID,
		},
	}
}

func (m *Manager) scheduleFlush(s *workspaceStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushTimer != nil {
		return
	}
	s.flushTimer = time.AfterFunc(partialFlushDebounce, func() {
		s.mu.Lock()
		s.flushTimer = nil
		s.mu.Unlock()
		m.flushPartialNow(s)
	})
}

// flushPartialNow persists the in-flight message. Failures are logged and
// swallowed: partial flushing is best-effort crash insurance. Once the
// stream settles its partial (commit, delete, error write) the closed
// flag keeps a straggling debounce timer from resurrecting the file.
func (m *Manager) flushPartialNow(s *workspaceStream) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := m.partials.WritePartial(s.workspaceID, s.buildMessage()); err != nil {
		slog.Warn("stream.partial_flush_failed", "workspace", s.workspaceID, "err", err)
	}
}

// settle marks the stream's partial as finally handled and cancels any
// pending debounce flush.
func (s *workspaceStream) settle() {
	s.mu.Lock()
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()
}

// failStream persists the partial with transient error fields and emits
// stream-error. The partial survives so the user can inspect or retry.
func (m *Manager) failStream(s *workspaceStream, err error) {
	kind := Categorize(err)
	slog.Error("stream.failed", "workspace", s.workspaceID, "kind", kind, "err", err)

	s.settle()
	final := s.buildMessage()
	// A failure before the placeholder landed has no sequence to commit
	// against; writing that partial would leave an uncommittable file.
	if final.Metadata.HistorySequence > 0 {
		final.Metadata.Error = err.Error()
		final.Metadata.ErrorType = string(kind)
		if werr := m.partials.WritePartial(s.workspaceID, final); werr != nil {
			slog.Warn("stream.error_partial_flush_failed", "workspace", s.workspaceID, "err", werr)
		}
	}

	m.events.Publish(protocol.Event{
		Type:        protocol.EventStreamError,
		WorkspaceID: s.workspaceID,
		Payload:     protocol.StreamError{MessageID: s.messageID, Kind: string(kind), Message: err.Error()},
	})
}

// handleAbort emits stream-abort, then either abandons or commits the
// partial per the stop request.
func (m *Manager) handleAbort(s *workspaceStream) {
	s.mu.Lock()
	abandon := s.abandonPartial
	s.mu.Unlock()

	m.flushPartialNow(s)
	s.settle()
	m.events.Publish(protocol.Event{
		Type:        protocol.EventStreamAbort,
		WorkspaceID: s.workspaceID,
		Payload:     protocol.StreamAbort{MessageID: s.messageID},
	})

	if abandon {
		if err := m.partials.Delete(s.workspaceID); err != nil {
			slog.Warn("stream.abort_discard_failed", "workspace", s.workspaceID, "err", err)
		}
		if err := m.store.RemoveMessage(s.workspaceID, s.messageID); err != nil {
			slog.Warn("stream.abort_placeholder_remove_failed", "workspace", s.workspaceID, "err", err)
		}
		return
	}
	if err := m.partials.CommitToHistory(s.workspaceID); err != nil {
		slog.Warn("stream.abort_commit_failed", "workspace", s.workspaceID, "err", err)
	}
}

// finalizeStream stamps final metadata, commits the partial and emits
// stream-end with the committed row.
func (m *Manager) finalizeStream(s *workspaceStream) {
	s.settle()
	final := s.buildMessage()

	s.mu.Lock()
	now := msg.NowMillis()
	final.Metadata.Duration = now - s.startedAt
	if s.firstTokenAt > 0 {
		final.Metadata.TTFTMs = s.firstTokenAt - s.startedAt
	}
	// Cumulative usage covers every step of this stream, including any
	// post-recovery retry slice; per-step provider totals do not.
	usage := s.cumulative
	final.Metadata.Usage = &usage
	if s.lastStepUsage != nil {
		ctxUsage := *s.lastStepUsage
		ctxUsage.TotalContextTokens = ctxUsage.InputTokens + ctxUsage.OutputTokens
		final.Metadata.ContextUsage = &ctxUsage
	}
	if s.responseID != "" {
		final.Metadata.ProviderMetadata, _ = json.Marshal(map[string]any{"responseId": s.responseID})
	}
	s.mu.Unlock()

	if err := m.partials.WritePartial(s.workspaceID, final); err != nil {
		slog.Warn("stream.final_partial_flush_failed", "workspace", s.workspaceID, "err", err)
	}
	if err := m.partials.CommitToHistory(s.workspaceID); err != nil {
		slog.Error("stream.final_commit_failed", "workspace", s.workspaceID, "err", err)
		m.events.Publish(protocol.Event{
			Type:        protocol.EventStreamError,
			WorkspaceID: s.workspaceID,
			Payload:     protocol.StreamError{MessageID: s.messageID, Kind: string(ErrIO), Message: err.Error()},
		})
		return
	}

	committed := final
	for _, h := range m.store.GetHistory(s.workspaceID) {
		if h.ID == final.ID {
			committed = h
			break
		}
	}

	m.events.Publish(protocol.Event{
		Type:        protocol.EventStreamEnd,
		WorkspaceID: s.workspaceID,
		Payload:     protocol.StreamEnd{Message: committed},
	})
	if m.OnStreamEnd != nil {
		m.OnStreamEnd(s.workspaceID, committed)
	}
}
