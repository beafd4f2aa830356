package conversation

import (
	"encoding/json"
	"testing"

	"github.com/nugget/vanguard/internal/llm"
)

func TestEncodeHandoff_WireShape(t *testing.T) {
	data, err := EncodeHandoff("lost wallet escalation", []llm.Message{
		llm.UserMessage("I lost my wallet"),
		llm.ToolRequestMessage("", llm.ToolCall{ID: "t1", Name: "transfer_to_human", Arguments: `{"reason":"lost wallet escalation"}`}),
		llm.ToolResultMessage("t1", `{"action":"transfer"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		t.Fatalf("handoffData is not a JSON object: %v", err)
	}
	if _, ok := raw["reason"]; !ok {
		t.Error("missing reason key")
	}
	if _, ok := raw["conversationHistory"]; !ok {
		t.Error("missing conversationHistory key")
	}

	h, err := DecodeHandoff(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.Reason != "lost wallet escalation" || len(h.ConversationHistory) != 3 {
		t.Errorf("round trip = %+v", h)
	}
	if h.ConversationHistory[1].ToolCalls[0].Name != "transfer_to_human" {
		t.Errorf("tool call lost in round trip: %+v", h.ConversationHistory[1])
	}
}

func TestDecodeHandoff_Invalid(t *testing.T) {
	if _, err := DecodeHandoff("not json"); err == nil {
		t.Error("expected error")
	}
}
