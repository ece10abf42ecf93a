package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/muxworks/muxd/internal/msg"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropic1MBeta     = "context-1m-2025-08-07"
)

// AnthropicProvider is the reference streaming client. It speaks the
// Messages SSE protocol directly; the engine consumes only the Provider
// contract, so alternative backends slot in behind the same interface.
type AnthropicProvider struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	retryConfig RetryConfig
}

func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &AnthropicProvider{
		apiKey:      apiKey,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		retryConfig: DefaultRetryConfig(),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// StreamStep opens one streaming Messages call. Only the connection phase
// retries.
func (p *AnthropicProvider) StreamStep(ctx context.Context, req Request) (Stream, error) {
	body, err := p.buildRequestBody(req)
	if err != nil {
		return nil, err
	}

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, req, body)
	})
	if err != nil {
		return nil, err
	}

	return &anthropicStream{
		body:    respBody,
		scanner: newSSEScanner(respBody),
	}, nil
}

func (p *AnthropicProvider) doRequest(ctx context.Context, req Request, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicAPIVersion)
	if req.Use1M {
		httpReq.Header.Set("Anthropic-Beta", anthropic1MBeta)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var wire struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &wire)
		message := wire.Error.Message
		if message == "" {
			message = strings.TrimSpace(string(data))
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Code: wire.Error.Type, Message: message}
	}
	return resp.Body, nil
}

func (p *AnthropicProvider) buildRequestBody(req Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	payload := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"stream":     true,
		"messages":   buildAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		payload["tools"] = tools
		if req.ToolChoice != nil && req.ToolChoice.Type == "tool" {
			payload["tool_choice"] = map[string]any{"type": "tool", "name": req.ToolChoice.Name}
		}
	}
	if req.Thinking != "" {
		budget := map[string]int{"low": 2048, "medium": 8192, "high": 32768}[req.Thinking]
		if budget > 0 {
			payload["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// buildAnthropicMessages converts log messages into wire messages.
// Incomplete tool parts are stripped; completed tool calls become a
// tool_use block on the assistant turn plus a tool_result block on a
// following user turn.
func buildAnthropicMessages(messages []*msg.Message) []map[string]any {
	var out []map[string]any
	for _, m := range messages {
		role := string(m.Role)
		if role == string(msg.RoleSystem) {
			// System rows ride in the dedicated system field.
			continue
		}

		var blocks []map[string]any
		var toolResults []map[string]any
		for _, part := range msg.StripIncompleteToolParts(m.Parts) {
			switch part.Type {
			case msg.PartText:
				if part.Text != "" {
					blocks = append(blocks, map[string]any{"type": "text", "text": part.Text})
				}
			case msg.PartReasoning:
				// Reasoning is not replayed to the provider.
			case msg.PartFile:
				blocks = append(blocks, map[string]any{
					"type": "text",
					"text": fmt.Sprintf("[file: %s]", part.Filename),
				})
			case msg.PartDynamicTool:
				input := json.RawMessage("{}")
				if len(part.Input) > 0 {
					input = part.Input
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    part.ToolCallID,
					"name":  part.ToolName,
					"input": input,
				})
				content := "null"
				if len(part.Output) > 0 {
					content = string(part.Output)
				}
				toolResults = append(toolResults, map[string]any{
					"type":        "tool_result",
					"tool_use_id": part.ToolCallID,
					"content":     content,
				})
			}
		}

		if len(blocks) > 0 {
			out = append(out, map[string]any{"role": role, "content": blocks})
		}
		if len(toolResults) > 0 {
			results := make([]map[string]any, len(toolResults))
			copy(results, toolResults)
			out = append(out, map[string]any{"role": "user", "content": results})
		}
	}
	return out
}

func newSSEScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return sc
}

// anthropicStream adapts the SSE byte stream to the Stream contract.
type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	currentEvent string
	blockType    map[int]string // content block index → type
	toolIDs      map[int]string
	toolNames    map[int]string
	toolJSON     map[int]*strings.Builder

	usage      msg.Usage
	finished   bool
	finish     FinishReason
	queued     []*Event
	responseID string
}

func (s *anthropicStream) Recv() (*Event, error) {
	if len(s.queued) > 0 {
		ev := s.queued[0]
		s.queued = s.queued[1:]
		return ev, nil
	}
	if s.finished {
		return nil, io.EOF
	}
	if s.blockType == nil {
		s.blockType = make(map[int]string)
		s.toolIDs = make(map[int]string)
		s.toolNames = make(map[int]string)
		s.toolJSON = make(map[int]*strings.Builder)
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			s.currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if ev := s.handleEvent(data); ev != nil {
			return ev, nil
		}
		if len(s.queued) > 0 {
			ev := s.queued[0]
			s.queued = s.queued[1:]
			return ev, nil
		}
		if s.finished {
			return nil, io.EOF
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	s.finished = true
	return nil, io.EOF
}

func (s *anthropicStream) handleEvent(data string) *Event {
	switch s.currentEvent {
	case "message_start":
		var ev struct {
			Message struct {
				ID    string `json:"id"`
				Usage struct {
					InputTokens          int `json:"input_tokens"`
					CacheReadInputTokens int `json:"cache_read_input_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if json.Unmarshal([]byte(data), &ev) == nil {
			// input_tokens already includes cache reads.
			s.usage.InputTokens = ev.Message.Usage.InputTokens
			s.usage.CachedInputTokens = ev.Message.Usage.CacheReadInputTokens
			s.responseID = ev.Message.ID
		}
		return &Event{Type: EventStreamStart, ResponseID: s.responseID}

	case "content_block_start":
		var ev struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if json.Unmarshal([]byte(data), &ev) == nil {
			s.blockType[ev.Index] = ev.ContentBlock.Type
			if ev.ContentBlock.Type == "tool_use" {
				s.toolIDs[ev.Index] = ev.ContentBlock.ID
				s.toolNames[ev.Index] = strings.TrimSpace(ev.ContentBlock.Name)
				s.toolJSON[ev.Index] = &strings.Builder{}
			}
		}
		return nil

	case "content_block_delta":
		var ev struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				Thinking    string `json:"thinking"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return &Event{Type: EventTextDelta, Text: ev.Delta.Text}
		case "thinking_delta":
			return &Event{Type: EventReasoningDelta, Text: ev.Delta.Thinking}
		case "input_json_delta":
			if b := s.toolJSON[ev.Index]; b != nil {
				b.WriteString(ev.Delta.PartialJSON)
			}
			return &Event{
				Type:       EventToolInputDelta,
				ToolCallID: s.toolIDs[ev.Index],
				ToolName:   s.toolNames[ev.Index],
				InputDelta: ev.Delta.PartialJSON,
			}
		}
		return nil

	case "content_block_stop":
		var ev struct {
			Index int `json:"index"`
		}
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		if s.blockType[ev.Index] == "tool_use" {
			raw := s.toolJSON[ev.Index].String()
			if strings.TrimSpace(raw) == "" {
				raw = "{}"
			}
			return &Event{
				Type:       EventToolCall,
				ToolCallID: s.toolIDs[ev.Index],
				ToolName:   s.toolNames[ev.Index],
				Input:      json.RawMessage(raw),
			}
		}
		return nil

	case "message_delta":
		var ev struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		s.usage.OutputTokens = ev.Usage.OutputTokens
		s.usage.TotalContextTokens = s.usage.InputTokens + s.usage.OutputTokens
		switch ev.Delta.StopReason {
		case "tool_use":
			s.finish = FinishToolCalls
		case "max_tokens":
			s.finish = FinishLength
		default:
			s.finish = FinishStop
		}
		return &Event{Type: EventUsage, Usage: s.usageCopy()}

	case "message_stop":
		s.finished = true
		s.queued = append(s.queued, &Event{Type: EventFinish, Finish: s.finish, Usage: s.usageCopy()})
		return nil
	}
	return nil
}

func (s *anthropicStream) usageCopy() *msg.Usage {
	u := s.usage
	return &u
}

func (s *anthropicStream) TotalUsage() *msg.Usage { return s.usageCopy() }

func (s *anthropicStream) ProviderMetadata() json.RawMessage {
	if s.responseID == "" {
		return nil
	}
	meta, _ := json.Marshal(map[string]any{"anthropic": map[string]string{"responseId": s.responseID}})
	return meta
}

func (s *anthropicStream) Close() error { return s.body.Close() }
