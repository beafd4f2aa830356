// Package llm provides streaming clients for hosted chat-completion
// providers.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation history. It is a tagged union
// keyed by Role:
//
//   - user: Content holds the caller utterance.
//   - assistant with no ToolCalls: Content holds spoken text.
//   - assistant with ToolCalls: a tool invocation request. Content may
//     carry text the model produced in the same round.
//   - tool: Content holds the result for ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// UserMessage returns a caller utterance message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage returns a spoken assistant reply.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolRequestMessage returns an assistant message requesting a single
// tool invocation.
func ToolRequestMessage(text string, call ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: []ToolCall{call}}
}

// ToolResultMessage returns the result paired with a tool call ID.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// IsToolRequest reports whether m is an assistant tool invocation request.
func (m Message) IsToolRequest() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ToolCall is a complete tool invocation surfaced by a stream. Arguments
// is the raw JSON argument string exactly as the model produced it; it
// is validated by the tool registry, not here.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef describes a tool offered to the model. Parameters is a JSON
// Schema object.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a single streaming completion request (one round).
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Usage is provider-neutral token accounting for one round.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindTextDelta is an incremental text fragment from the model.
	KindTextDelta StreamEventKind = iota

	// KindToolCall carries one fully reassembled tool invocation.
	// Emitted only after the provider finished the turn, in call order.
	KindToolCall

	// KindTurnComplete is always the last event of a successful stream.
	KindTurnComplete
)

// String returns a log-friendly name for the kind.
func (k StreamEventKind) String() string {
	switch k {
	case KindTextDelta:
		return "text_delta"
	case KindToolCall:
		return "tool_call"
	case KindTurnComplete:
		return "turn_complete"
	default:
		return "unknown"
	}
}

// StreamEvent is a single element of a completion stream. Consumers
// switch on Kind to determine which fields are set.
type StreamEvent struct {
	Kind StreamEventKind

	// Text is set for KindTextDelta.
	Text string

	// ToolCall is set for KindToolCall.
	ToolCall *ToolCall

	// StopReason and Usage are set for KindTurnComplete.
	StopReason string
	Usage      Usage
}
