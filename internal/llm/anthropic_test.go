package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicStream_TextAndToolUse(t *testing.T) {
	var body map[string]any
	srv := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":120,"output_tokens":1}}}`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check "}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"that."}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_schedule","input":{}}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"route_na"}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"me\":\"42\"}"}}`,
		`data: {"type":"content_block_stop","index":1}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":33}}`,
		`data: {"type":"message_stop"}`,
	}, &body)
	defer srv.Close()

	c := NewAnthropicClient("key", srv.URL, nil)
	events, err := collect(t, c, Request{
		Model:    "claude-test",
		System:   "You are Vanguard.",
		Messages: []Message{UserMessage("When is route 42?")},
	})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	var text strings.Builder
	for _, ev := range events[:2] {
		if ev.Kind != KindTextDelta {
			t.Fatalf("expected text delta, got %v", ev.Kind)
		}
		text.WriteString(ev.Text)
	}
	if text.String() != "Let me check that." {
		t.Errorf("text = %q", text.String())
	}

	call := events[2].ToolCall
	if call == nil || call.ID != "toolu_1" || call.Name != "get_schedule" || call.Arguments != `{"route_name":"42"}` {
		t.Errorf("tool call = %+v", call)
	}

	done := events[3]
	if done.Kind != KindTurnComplete || done.StopReason != "tool_use" {
		t.Errorf("turn complete = %+v", done)
	}
	if done.Usage.InputTokens != 120 || done.Usage.OutputTokens != 33 {
		t.Errorf("usage = %+v", done.Usage)
	}

	if body["system"] != "You are Vanguard." {
		t.Errorf("system = %v", body["system"])
	}
	if body["stream"] != true {
		t.Errorf("stream = %v", body["stream"])
	}
}

func TestAnthropicStream_ErrorEvent(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
		`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	}, nil)
	defer srv.Close()

	c := NewAnthropicClient("key", srv.URL, nil)
	_, err := collect(t, c, Request{Model: "claude-test"})
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Fatalf("error = %v, want overloaded_error", err)
	}
}

func TestAnthropicStream_MissingMessageStop(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
	}, nil)
	defer srv.Close()

	c := NewAnthropicClient("key", srv.URL, nil)
	events, err := collect(t, c, Request{Model: "claude-test"})
	if err == nil {
		t.Fatal("expected error when message_stop never arrives")
	}
	if len(events) != 1 {
		t.Errorf("got %d events before error, want 1", len(events))
	}
}

func TestAnthropicStream_SendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"type":"error"}`))
			return
		}
		w.Write([]byte("data: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer srv.Close()

	if _, err := collect(t, NewAnthropicClient("key", srv.URL, nil), Request{Model: "m"}); err != nil {
		t.Errorf("Stream with good headers: %v", err)
	}
	if _, err := collect(t, NewAnthropicClient("nope", srv.URL, nil), Request{Model: "m"}); err == nil {
		t.Error("Stream with bad key should fail")
	}
}

func TestConvertToAnthropic(t *testing.T) {
	history := []Message{
		UserMessage("I lost my bag on the ferry"),
		ToolRequestMessage("One moment.", ToolCall{ID: "t1", Name: "get_routes", Arguments: `{}`}),
		ToolRequestMessage("", ToolCall{ID: "t2", Name: "get_schedule", Arguments: `not json`}),
		ToolResultMessage("t1", "[]"),
		ToolResultMessage("t2", "{}"),
		AssistantMessage("Thanks, I can file a report."),
		UserMessage("Please do."),
	}

	got := convertToAnthropic(history)

	wantRoles := []string{"user", "assistant", "user", "assistant", "user"}
	if len(got) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(got), len(wantRoles))
	}
	for i, role := range wantRoles {
		if got[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, got[i].Role, role)
		}
	}

	asst := got[1].Content
	if len(asst) != 3 {
		t.Fatalf("assistant blocks = %d, want 3 (text + 2 tool_use)", len(asst))
	}
	if asst[0].Type != "text" || asst[1].Type != "tool_use" || asst[2].Type != "tool_use" {
		t.Errorf("assistant block types = %s, %s, %s", asst[0].Type, asst[1].Type, asst[2].Type)
	}
	if string(asst[2].Input) != "{}" {
		t.Errorf("invalid arguments should become {}, got %s", asst[2].Input)
	}

	results := got[2].Content
	if len(results) != 2 || results[0].ToolUseID != "t1" || results[1].ToolUseID != "t2" {
		t.Errorf("tool results = %+v", results)
	}
}

func TestConvertToolsToAnthropic_DefaultSchema(t *testing.T) {
	tools := convertToolsToAnthropic([]ToolDef{{Name: "get_routes"}})
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}
	raw, err := json.Marshal(tools[0].InputSchema)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"type":"object"`) {
		t.Errorf("schema = %s, want object schema", raw)
	}
	if convertToolsToAnthropic(nil) != nil {
		t.Error("no tools should convert to nil")
	}
}
