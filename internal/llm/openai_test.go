package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// sseServer replies to every request with the given SSE lines and
// records the decoded request body.
func sseServer(t *testing.T, lines []string, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotBody != nil {
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, gotBody)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
}

func collect(t *testing.T, c Client, req Request) ([]StreamEvent, error) {
	t.Helper()
	var events []StreamEvent
	for ev, err := range c.Stream(context.Background(), req) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestOpenAIStream_TextOnly(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"The ferry "}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"runs every 30 minutes."}}]}`,
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":42,"completion_tokens":7}}`,
		`data: [DONE]`,
	}, nil)
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	events, err := collect(t, c, Request{Model: "gpt-test", Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Kind != KindTextDelta || events[0].Text != "The ferry " {
		t.Errorf("event[0] = %+v", events[0])
	}
	last := events[2]
	if last.Kind != KindTurnComplete {
		t.Fatalf("last event kind = %v, want turn_complete", last.Kind)
	}
	if last.StopReason != "stop" {
		t.Errorf("StopReason = %q, want stop", last.StopReason)
	}
	if last.Usage.InputTokens != 42 || last.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v, want 42/7", last.Usage)
	}
}

func TestOpenAIStream_ReassemblesToolCallFragments(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"get_schedule","arguments":""}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"route_"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"get_routes","arguments":""}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"name\":\"ferry\"}"}}]}}]}`,
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}, nil)
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	events, err := collect(t, c, Request{Model: "gpt-test"})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (two calls + turn complete)", len(events))
	}
	first, second := events[0].ToolCall, events[1].ToolCall
	if first == nil || second == nil {
		t.Fatalf("expected tool call events, got %+v", events)
	}
	if first.ID != "call_a" || first.Name != "get_schedule" || first.Arguments != `{"route_name":"ferry"}` {
		t.Errorf("first call = %+v", first)
	}
	if second.ID != "call_b" || second.Name != "get_routes" || second.Arguments != "{}" {
		t.Errorf("second call = %+v", second)
	}
	if events[2].Kind != KindTurnComplete || events[2].StopReason != "tool_calls" {
		t.Errorf("last event = %+v", events[2])
	}
}

func TestOpenAIStream_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	_, err := collect(t, c, Request{Model: "gpt-test"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("error = %v, want 429 API error", err)
	}
}

func TestOpenAIStream_TruncatedStream(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
	}, nil)
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	events, err := collect(t, c, Request{Model: "gpt-test"})
	if err == nil {
		t.Fatal("expected error for stream without finish reason")
	}
	if len(events) != 1 {
		t.Errorf("got %d events before error, want 1", len(events))
	}
}

func TestOpenAIStream_AbandonStopsIteration(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{"content":"one"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"two"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"three"}}]}`,
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}, nil)
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	var seen []string
	for ev, err := range c.Stream(context.Background(), Request{Model: "gpt-test"}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen = append(seen, ev.Text)
		break
	}
	if len(seen) != 1 || seen[0] != "one" {
		t.Errorf("seen = %v, want [one]", seen)
	}
}

func TestOpenAIStream_CancelledContext(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}, nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	var gotErr error
	for _, err := range c.Stream(ctx, Request{Model: "gpt-test"}) {
		gotErr = err
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", gotErr)
	}
}

func TestOpenAIStream_RequestShape(t *testing.T) {
	var body map[string]any
	srv := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}, &body)
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	_, err := collect(t, c, Request{
		Model:    "gpt-test",
		System:   "You are Vanguard.",
		Messages: []Message{UserMessage("hello")},
		Tools:    []ToolDef{{Name: "get_routes", Description: "List routes"}},
	})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if body["stream"] != true {
		t.Errorf("stream = %v, want true", body["stream"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (system + user)", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
	tools, _ := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}
}

func TestConvertToOpenAI_MergesToolRequests(t *testing.T) {
	history := []Message{
		UserMessage("When is the ferry and what routes exist?"),
		ToolRequestMessage("Let me check.", ToolCall{ID: "a", Name: "get_schedule", Arguments: `{"route_name":"ferry"}`}),
		ToolRequestMessage("", ToolCall{ID: "b", Name: "get_routes", Arguments: `{}`}),
		ToolResultMessage("a", `{"route":"Harbor Ferry"}`),
		ToolResultMessage("b", `[]`),
		AssistantMessage("The ferry runs every 30 minutes."),
	}

	got := convertToOpenAI("sys", history)

	if len(got) != 6 {
		t.Fatalf("got %d messages, want 6 (system, user, assistant, tool, tool, assistant)", len(got))
	}
	asst := got[2]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 2 {
		t.Fatalf("merged assistant = %+v", asst)
	}
	if asst.Content == nil || *asst.Content != "Let me check." {
		t.Errorf("merged content = %v", asst.Content)
	}
	if asst.ToolCalls[1].ID != "b" || asst.ToolCalls[1].Type != "function" {
		t.Errorf("second tool call = %+v", asst.ToolCalls[1])
	}
	if got[3].Role != "tool" || got[3].ToolCallID != "a" {
		t.Errorf("tool result = %+v", got[3])
	}
}

func TestOpenAIPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if err := NewOpenAIClient("good", srv.URL, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping with good key = %v", err)
	}
	if err := NewOpenAIClient("bad", srv.URL, nil).Ping(context.Background()); err == nil {
		t.Error("Ping with bad key should fail")
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "openai", "OpenAI", "anthropic"} {
		c, err := New(Options{Provider: name, APIKey: "k"})
		if err != nil {
			t.Errorf("New(%q) error: %v", name, err)
			continue
		}
		want := "openai"
		if strings.EqualFold(name, "anthropic") {
			want = "anthropic"
		}
		if c.Provider() != want {
			t.Errorf("New(%q).Provider() = %q, want %q", name, c.Provider(), want)
		}
	}
	if _, err := New(Options{Provider: "bard"}); err == nil {
		t.Error("New with unknown provider should fail")
	}
}
