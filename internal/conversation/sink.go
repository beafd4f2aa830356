package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/nugget/vanguard/internal/llm"
)

// Fixed caller-facing texts.
const (
	TransferText = "Transferring you to a human agent, please wait."
	ApologyText  = "I'm sorry, I'm having trouble processing that. Could you try again?"
)

// Sink receives the outbound frames of a turn. Implementations deliver
// them to the caller-facing transport. The loop never calls a Sink
// concurrently for the same session.
type Sink interface {
	// SendText delivers a text token. last is true exactly once per
	// completed, transferred or failed turn.
	SendText(token string, last bool) error

	// SendEnd ends the relay session with a handoff payload. It is
	// only used on the transfer path.
	SendEnd(handoffData string) error
}

// Handoff is the payload passed to the transport when a turn ends in a
// transfer to a human agent.
type Handoff struct {
	Reason              string        `json:"reason"`
	ConversationHistory []llm.Message `json:"conversationHistory"`
}

// EncodeHandoff renders the handoff payload as the JSON string the
// transport expects in handoffData.
func EncodeHandoff(reason string, history []llm.Message) (string, error) {
	data, err := json.Marshal(Handoff{Reason: reason, ConversationHistory: history})
	if err != nil {
		return "", fmt.Errorf("encode handoff: %w", err)
	}
	return string(data), nil
}

// DecodeHandoff parses a handoffData string.
func DecodeHandoff(data string) (Handoff, error) {
	var h Handoff
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return Handoff{}, fmt.Errorf("decode handoff: %w", err)
	}
	return h, nil
}
