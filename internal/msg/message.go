package msg

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the part union.
type PartType string

const (
	PartText        PartType = "text"
	PartReasoning   PartType = "reasoning"
	PartFile        PartType = "file"
	PartDynamicTool PartType = "dynamic-tool"
)

// ToolState is the lifecycle state of a dynamic-tool part.
type ToolState string

const (
	// ToolInputAvailable means the call has arguments but no result yet.
	// Parts in this state are never sent to providers and never committed
	// in a non-partial row.
	ToolInputAvailable ToolState = "input-available"
	// ToolOutputAvailable means the call completed and carries a result.
	ToolOutputAvailable ToolState = "output-available"
)

// Part is one element of a message body. The Type field discriminates which
// of the remaining fields are meaningful; consumers switch exhaustively on it.
type Part struct {
	Type PartType `json:"type"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// file
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`

	// dynamic-tool
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// MuxMetadataType classifies a message's role in the compaction protocol.
type MuxMetadataType string

const (
	MuxNormal            MuxMetadataType = "normal"
	MuxCompactionRequest MuxMetadataType = "compaction-request"
	MuxCompactionSummary MuxMetadataType = "compaction-summary"
)

// CompactionSource records what triggered a compaction request.
type CompactionSource string

const (
	CompactionSourceUser      CompactionSource = "user"
	CompactionSourceIdle      CompactionSource = "idle"
	CompactionSourceOnSend    CompactionSource = "on-send"
	CompactionSourceMidStream CompactionSource = "mid-stream"
)

// PendingFollowUp is the user's deferred message carried through a
// compaction turn so it can be replayed after the summary lands.
type PendingFollowUp struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// MuxMetadata is engine-internal message metadata.
type MuxMetadata struct {
	Type            MuxMetadataType  `json:"type,omitempty"`
	Source          CompactionSource `json:"source,omitempty"`
	RequestedModel  string           `json:"requestedModel,omitempty"`
	PendingFollowUp *PendingFollowUp `json:"pendingFollowUp,omitempty"`
}

// CompactedKind is the compaction marker on a summary message. Historic logs
// stored it as boolean true; newer ones use "user" or "idle". The codec
// accepts both shapes.
type CompactedKind string

const (
	CompactedNone CompactedKind = ""
	CompactedTrue CompactedKind = "true"
	CompactedUser CompactedKind = "user"
	CompactedIdle CompactedKind = "idle"
)

// Valid reports whether the marker is one of the accepted compaction values.
func (c CompactedKind) Valid() bool {
	switch c {
	case CompactedTrue, CompactedUser, CompactedIdle:
		return true
	}
	return false
}

func (c CompactedKind) MarshalJSON() ([]byte, error) {
	switch c {
	case CompactedNone:
		return []byte("null"), nil
	case CompactedTrue:
		return []byte("true"), nil
	default:
		return json.Marshal(string(c))
	}
}

func (c *CompactedKind) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")), bytes.Equal(b, []byte("false")):
		*c = CompactedNone
		return nil
	case bytes.Equal(b, []byte("true")):
		*c = CompactedTrue
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Self-healing read path: unknown shapes degrade to "not compacted".
		*c = CompactedNone
		return nil
	}
	switch CompactedKind(s) {
	case CompactedTrue, CompactedUser, CompactedIdle:
		*c = CompactedKind(s)
	default:
		*c = CompactedNone
	}
	return nil
}

// Usage is token accounting attached to assistant messages. InputTokens
// already includes cache reads (the provider reports them that way), so
// CachedInputTokens must never be added on top of it.
type Usage struct {
	InputTokens        int `json:"inputTokens,omitempty"`
	OutputTokens       int `json:"outputTokens,omitempty"`
	ReasoningTokens    int `json:"reasoningTokens,omitempty"`
	CachedInputTokens  int `json:"cachedInputTokens,omitempty"`
	TotalContextTokens int `json:"totalContextTokens,omitempty"`
}

// Metadata is the per-message envelope.
//
// HistorySequence is 0 when unassigned; HistoryStore assigns sequences
// starting at 1, strictly increasing per workspace.
type Metadata struct {
	HistorySequence       int             `json:"historySequence,omitempty"`
	Timestamp             int64           `json:"timestamp,omitempty"` // unix millis
	Model                 string          `json:"model,omitempty"`
	Partial               bool            `json:"partial,omitempty"`
	Compacted             CompactedKind   `json:"compacted,omitempty"`
	CompactionBoundary    bool            `json:"compactionBoundary,omitempty"`
	CompactionEpoch       int             `json:"compactionEpoch,omitempty"`
	Mux                   *MuxMetadata    `json:"muxMetadata,omitempty"`
	Synthetic             bool            `json:"synthetic,omitempty"`
	FileAtMentionSnapshot []string        `json:"fileAtMentionSnapshot,omitempty"`
	AgentID               string          `json:"agentId,omitempty"`
	Usage                 *Usage          `json:"usage,omitempty"`
	ContextUsage          *Usage          `json:"contextUsage,omitempty"`
	Duration              int64           `json:"duration,omitempty"` // millis
	TTFTMs                int64           `json:"ttftMs,omitempty"`
	SystemMessageTokens   int             `json:"systemMessageTokens,omitempty"`
	ProviderMetadata      json.RawMessage `json:"providerMetadata,omitempty"`
	ContextProviderMeta   json.RawMessage `json:"contextProviderMetadata,omitempty"`

	// Transient UI-only fields, stripped before commit.
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

// Message is one row of the per-workspace chat log.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// NewID returns a fresh message id.
func NewID() string { return uuid.NewString() }

// NowMillis is the timestamp convention used across the log.
func NowMillis() int64 { return time.Now().UnixMilli() }

// MuxType returns the mux metadata type, defaulting to normal.
func (m *Message) MuxType() MuxMetadataType {
	if m.Metadata.Mux == nil || m.Metadata.Mux.Type == "" {
		return MuxNormal
	}
	return m.Metadata.Mux.Type
}

// Clone returns a deep-enough copy: parts slice and metadata pointers are
// duplicated so mutating the clone never aliases the original.
func (m *Message) Clone() *Message {
	out := *m
	out.Parts = make([]Part, len(m.Parts))
	copy(out.Parts, m.Parts)
	if m.Metadata.Mux != nil {
		mux := *m.Metadata.Mux
		if m.Metadata.Mux.PendingFollowUp != nil {
			pf := *m.Metadata.Mux.PendingFollowUp
			mux.PendingFollowUp = &pf
		}
		out.Metadata.Mux = &mux
	}
	if m.Metadata.Usage != nil {
		u := *m.Metadata.Usage
		out.Metadata.Usage = &u
	}
	if m.Metadata.ContextUsage != nil {
		u := *m.Metadata.ContextUsage
		out.Metadata.ContextUsage = &u
	}
	if len(m.Metadata.FileAtMentionSnapshot) > 0 {
		snap := make([]string, len(m.Metadata.FileAtMentionSnapshot))
		copy(snap, m.Metadata.FileAtMentionSnapshot)
		out.Metadata.FileAtMentionSnapshot = snap
	}
	return &out
}

// CommitWorthy reports whether a partial message carries durable content:
// non-empty trimmed text, any reasoning or file part, or a completed tool
// call. A partial made only of input-available tool parts is not worth
// committing — a committed dangling call would break every later provider
// request for the workspace.
func CommitWorthy(parts []Part) bool {
	for _, p := range parts {
		switch p.Type {
		case PartText:
			if strings.TrimSpace(p.Text) != "" {
				return true
			}
		case PartReasoning, PartFile:
			return true
		case PartDynamicTool:
			if p.State == ToolOutputAvailable {
				return true
			}
		}
	}
	return false
}

// StripIncompleteToolParts drops input-available tool parts. Provider
// requests must never carry calls without results.
func StripIncompleteToolParts(parts []Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.Type == PartDynamicTool && p.State != ToolOutputAvailable {
			continue
		}
		out = append(out, p)
	}
	return out
}
