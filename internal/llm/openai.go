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

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient streams from the OpenAI Chat Completions API (and any
// gateway that speaks the same wire format).
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. An empty baseURL uses
// the public API.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("provider", "openai"),
		httpClient: httpkit.NewStreamingClient(logger),
	}
}

// Provider implements Client.
func (c *OpenAIClient) Provider() string { return "openai" }

// OpenAI request/response types

type openaiRequest struct {
	Model               string               `json:"model"`
	Messages            []openaiMessage      `json:"messages"`
	Tools               []openaiTool         `json:"tools,omitempty"`
	Stream              bool                 `json:"stream"`
	StreamOptions       *openaiStreamOptions `json:"stream_options,omitempty"`
	MaxCompletionTokens int                  `json:"max_completion_tokens,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int         `json:"index"`
	Delta        openaiDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openaiDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Stream implements Client.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		resp, err := c.open(ctx, req)
		if err != nil {
			yield(StreamEvent{}, err)
			return
		}
		defer resp.Body.Close()

		var (
			acc       = newToolCallAccumulator()
			usage     Usage
			finish    string
			streamErr error
			abandoned bool
		)

		err = scanSSE(resp.Body, func(data string) bool {
			if data == "[DONE]" {
				return false
			}
			c.logger.Log(ctx, LevelTrace, "stream chunk", "data", data)

			var chunk openaiChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.logger.Debug("skipping malformed stream chunk", "error", err)
				return true
			}
			if chunk.Error != nil {
				streamErr = fmt.Errorf("openai stream error (%s): %s", chunk.Error.Type, chunk.Error.Message)
				return false
			}
			if chunk.Usage != nil {
				usage = Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Index != 0 {
					continue
				}
				if choice.Delta.Content != "" {
					if !yield(StreamEvent{Kind: KindTextDelta, Text: choice.Delta.Content}, nil) {
						abandoned = true
						return false
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					index := 0
					if tc.Index != nil {
						index = *tc.Index
					}
					acc.add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					finish = *choice.FinishReason
				}
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
		if finish == "" {
			yield(StreamEvent{}, errors.New("openai stream ended before a finish reason"))
			return
		}

		for _, call := range acc.complete() {
			if !yield(StreamEvent{Kind: KindToolCall, ToolCall: &call}, nil) {
				return
			}
		}

		c.logger.Debug("stream complete",
			"finish_reason", finish,
			"tool_calls", acc.len(),
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens,
		)
		yield(StreamEvent{Kind: KindTurnComplete, StopReason: finish, Usage: usage}, nil)
	}
}

func (c *OpenAIClient) open(ctx context.Context, req Request) (*http.Response, error) {
	body := openaiRequest{
		Model:               req.Model,
		Messages:            convertToOpenAI(req.System, Sanitize(req.Messages)),
		Tools:               convertToolsToOpenAI(req.Tools),
		Stream:              true,
		StreamOptions:       &openaiStreamOptions{IncludeUsage: true},
		MaxCompletionTokens: req.MaxTokens,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("opening stream",
		"model", req.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := httpkit.CheckResponse("openai", resp); err != nil {
		c.logger.Error("API error", "status", resp.StatusCode, "error", err)
		return nil, err
	}
	return resp, nil
}

// Ping checks that the models endpoint accepts the API key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from OpenAI API: %d", resp.StatusCode)
	}
	return nil
}

// convertToOpenAI converts history to Chat Completions messages. The
// history stores one assistant message per tool request; consecutive
// requests are merged into a single assistant message because the API
// requires all tool_calls of a turn to precede their tool results.
func convertToOpenAI(system string, messages []Message) []openaiMessage {
	result := make([]openaiMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openaiMessage{Role: "system", Content: strPtr(system)})
	}

	for _, msg := range messages {
		switch {
		case msg.IsToolRequest():
			calls := make([]openaiToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiFunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			if n := len(result); n > 0 && result[n-1].Role == RoleAssistant && len(result[n-1].ToolCalls) > 0 {
				prev := &result[n-1]
				prev.ToolCalls = append(prev.ToolCalls, calls...)
				if msg.Content != "" {
					prev.Content = strPtr(joinText(prev.Content, msg.Content))
				}
				continue
			}
			var content *string
			if msg.Content != "" {
				content = strPtr(msg.Content)
			}
			result = append(result, openaiMessage{Role: RoleAssistant, Content: content, ToolCalls: calls})

		case msg.Role == RoleTool:
			result = append(result, openaiMessage{
				Role:       RoleTool,
				Content:    strPtr(msg.Content),
				ToolCallID: msg.ToolCallID,
			})

		default:
			result = append(result, openaiMessage{Role: msg.Role, Content: strPtr(msg.Content)})
		}
	}
	return result
}

func convertToolsToOpenAI(tools []ToolDef) []openaiTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openaiTool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func strPtr(s string) *string { return &s }

func joinText(prev *string, next string) string {
	if prev == nil || *prev == "" {
		return next
	}
	return *prev + " " + next
}
