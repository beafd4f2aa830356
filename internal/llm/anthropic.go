package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/vanguard/internal/httpkit"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion     = "2023-06-01"
	anthropicMaxTokens      = 1024
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// uses the public API.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("provider", "anthropic"),
		httpClient: httpkit.NewStreamingClient(logger),
	}
}

// Provider implements Client.
func (c *AnthropicClient) Provider() string { return "anthropic" }

// Anthropic request/response types

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSE event types for streaming
type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	Message      *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Stream implements Client.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		resp, err := c.open(ctx, req)
		if err != nil {
			yield(StreamEvent{}, err)
			return
		}
		defer resp.Body.Close()

		var (
			acc        = newToolCallAccumulator()
			usage      Usage
			stopReason string
			stopped    bool
			streamErr  error
			abandoned  bool
		)

		err = scanSSE(resp.Body, func(data string) bool {
			c.logger.Log(ctx, LevelTrace, "stream event", "data", data)

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				c.logger.Debug("skipping malformed stream event", "error", err)
				return true
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					acc.add(event.Index, event.ContentBlock.ID, event.ContentBlock.Name, "")
				}

			case "content_block_delta":
				if event.Delta == nil {
					return true
				}
				switch event.Delta.Type {
				case "text_delta":
					if event.Delta.Text == "" {
						return true
					}
					if !yield(StreamEvent{Kind: KindTextDelta, Text: event.Delta.Text}, nil) {
						abandoned = true
						return false
					}
				case "input_json_delta":
					if acc.has(event.Index) {
						acc.add(event.Index, "", "", event.Delta.PartialJSON)
					}
				}

			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					stopReason = event.Delta.StopReason
				}
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				stopped = true
				return false

			case "error":
				msg := "unknown error"
				if event.Error != nil {
					msg = event.Error.Type + ": " + event.Error.Message
				}
				streamErr = fmt.Errorf("anthropic stream error: %s", msg)
				return false
			}
			return true
		})

		if abandoned {
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			yield(StreamEvent{}, ctxErr)
			return
		}
		if streamErr != nil {
			yield(StreamEvent{}, streamErr)
			return
		}
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("read stream: %w", err))
			return
		}
		if !stopped {
			yield(StreamEvent{}, errors.New("anthropic stream ended before message_stop"))
			return
		}

		for _, call := range acc.complete() {
			if !yield(StreamEvent{Kind: KindToolCall, ToolCall: &call}, nil) {
				return
			}
		}

		c.logger.Debug("stream complete",
			"stop_reason", stopReason,
			"tool_calls", acc.len(),
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens,
		)
		yield(StreamEvent{Kind: KindTurnComplete, StopReason: stopReason, Usage: usage}, nil)
	}
}

func (c *AnthropicClient) open(ctx context.Context, req Request) (*http.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	body := anthropicRequest{
		Model:     req.Model,
		Messages:  convertToAnthropic(Sanitize(req.Messages)),
		System:    req.System,
		MaxTokens: maxTokens,
		Stream:    true,
		Tools:     convertToolsToAnthropic(req.Tools),
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("opening stream",
		"model", req.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
		"system_len", len(body.System),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := httpkit.CheckResponse("anthropic", resp); err != nil {
		c.logger.Error("API error", "status", resp.StatusCode, "error", err)
		return nil, err
	}
	return resp, nil
}

func (c *AnthropicClient) setHeaders(r *http.Request) {
	r.Header.Set("x-api-key", c.apiKey)
	r.Header.Set("anthropic-version", anthropicAPIVersion)
}

// Ping lists models to verify the API key works.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", resp.StatusCode)
	}
	return nil
}

// convertToAnthropic converts history to Anthropic content blocks.
// Tool requests become tool_use blocks on the assistant turn, tool
// results become tool_result blocks on a user turn, and consecutive
// messages with the same role are merged because the API requires
// strictly alternating roles.
func convertToAnthropic(messages []Message) []anthropicMessage {
	var result []anthropicMessage

	appendBlocks := func(role string, blocks ...anthropicContent) {
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, anthropicMessage{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		switch {
		case msg.IsToolRequest():
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			appendBlocks("assistant", blocks...)

		case msg.Role == RoleTool:
			appendBlocks("user", anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			})

		case msg.Role == RoleAssistant:
			if msg.Content == "" {
				continue
			}
			appendBlocks("assistant", anthropicContent{Type: "text", Text: msg.Content})

		case msg.Role == RoleUser:
			appendBlocks("user", anthropicContent{Type: "text", Text: msg.Content})
		}
	}
	return result
}

// convertToolsToAnthropic converts tool definitions to Anthropic format.
func convertToolsToAnthropic(tools []ToolDef) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	result := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		var schema any = t.Parameters
		if t.Parameters == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return result
}
