package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/muxworks/muxd/internal/msg"
)

// EventType discriminates stream events.
type EventType string

const (
	EventStreamStart    EventType = "stream-start"
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolInputDelta EventType = "tool-input-delta"
	EventToolCall       EventType = "tool-call"
	EventUsage          EventType = "usage"
	EventFinish         EventType = "finish"
)

// FinishReason mirrors the provider's stop reason for one step.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool-calls"
	FinishLength    FinishReason = "length"
)

// Event is one element of a provider step stream.
type Event struct {
	Type EventType

	// text-delta / reasoning-delta
	Text string

	// tool-input-delta / tool-call
	ToolCallID string
	ToolName   string
	InputDelta string
	Input      json.RawMessage

	// usage (running) and finish (final for the step)
	Usage  *msg.Usage
	Finish FinishReason

	// stream-start
	ResponseID string
}

// Stream is a pull-based sequence of events for a single provider step.
// Recv returns io.EOF after the finish event; TotalUsage and
// ProviderMetadata are valid only after EOF.
type Stream interface {
	Recv() (*Event, error)
	TotalUsage() *msg.Usage
	ProviderMetadata() json.RawMessage
	Close() error
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolChoice forces a specific tool for single-step requests.
type ToolChoice struct {
	Type string `json:"type"` // "auto" or "tool"
	Name string `json:"name,omitempty"`
}

// Request is the input for one provider step.
type Request struct {
	Model      string // bare model id (provider prefix already resolved)
	System     string
	Messages   []*msg.Message
	Tools      []ToolDefinition
	ToolChoice *ToolChoice
	MaxTokens  int
	Thinking   string // "", "low", "medium", "high"
	Use1M      bool

	// ProviderOptions carries provider-specific knobs, e.g.
	// openai.previousResponseId. Stripped entries survive into retries.
	ProviderOptions map[string]map[string]any
}

// Provider runs one model step at a time.
type Provider interface {
	Name() string
	StreamStep(ctx context.Context, req Request) (Stream, error)
}

// ParseModelString splits "provider:model" into its halves.
func ParseModelString(s string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(s, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("invalid model string %q (want provider:model)", s)
	}
	return provider, model, nil
}

// APIError is a provider HTTP failure with enough structure for the stream
// error taxonomy.
type APIError struct {
	StatusCode int
	Code       string // provider error code, e.g. "insufficient_quota"
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// RetryError wraps the last failure after retries are exhausted. The stream
// layer unwraps it before classification.
type RetryError struct {
	Attempts  int
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *RetryError) Unwrap() error { return e.LastError }
