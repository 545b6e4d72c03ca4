// Package llm implements the model port over any OpenAI-compatible chat
// completions endpoint. One client instance is shared by every agent;
// rate limiting and retry live here so callers stay simple.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"consejo/internal/logging"
	"consejo/internal/types"
)

// Config holds client settings. BaseURL points at any endpoint speaking the
// OpenAI chat completions dialect.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:      apiKey,
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o",
		MaxTokens:   4096,
		Temperature: 0.2,
		Timeout:     60 * time.Second,
	}
}

// Client implements types.ModelClient.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// NewClient creates a client from config, filling zero values with defaults.
func NewClient(cfg Config) *Client {
	def := DefaultConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Complete sends a bare prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt under a system message.
func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.CompleteWithTools(ctx, systemPrompt,
		[]types.ChatMessage{{Role: "user", Content: userPrompt}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteWithTools sends the full message list plus tool definitions and
// returns text, tool calls, and usage. Rate-limited to one request per
// 100ms; 429 and transport errors retry up to 3 times with exponential
// backoff.
func (c *Client) CompleteWithTools(ctx context.Context, systemPrompt string, messages []types.ChatMessage, tools []types.ToolDefinition) (*types.ModelResponse, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: API key not configured")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    encodeMessages(systemPrompt, messages),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Tools:       encodeTools(tools),
	}

	log := logging.Get(logging.CategoryAPI)
	start := time.Now()

	const maxRetries = 3
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("llm: marshal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("llm: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("llm: request failed: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("llm: read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("llm: rate limit exceeded (429)")
			log.Warnw("rate limited, backing off", "attempt", i+1)
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("llm: server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("llm: request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("llm: parse response: %w", err)
		}
		if parsed.Error != nil {
			return nil, fmt.Errorf("llm: API error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return nil, fmt.Errorf("llm: no completion returned")
		}

		out, err := decodeChoice(parsed)
		if err != nil {
			return nil, err
		}
		log.Debugw("completion", "model", c.cfg.Model, "elapsed", time.Since(start),
			"stop", out.StopReason, "tool_calls", len(out.ToolCalls), "tokens", out.Usage.TotalTokens)
		return out, nil
	}
	return nil, fmt.Errorf("llm: max retries exceeded: %w", lastErr)
}

func encodeMessages(systemPrompt string, messages []types.ChatMessage) []chatMessage {
	out := make([]chatMessage, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		out = append(out, chatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  encodeToolCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return out
}

// encodeToolCalls renders an assistant turn's tool calls back onto the wire.
// The backend requires them on the message that precedes the tool results.
func encodeToolCalls(calls []types.ToolCall) []chatToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]chatToolCall, len(calls))
	for i, call := range calls {
		args := "{}"
		if len(call.Input) > 0 {
			if data, err := json.Marshal(call.Input); err == nil {
				args = string(data)
			}
		}
		tc := chatToolCall{ID: call.ID, Type: "function"}
		tc.Function.Name = call.Name
		tc.Function.Arguments = args
		out[i] = tc
	}
	return out
}

func encodeTools(tools []types.ToolDefinition) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatTool, len(tools))
	for i, t := range tools {
		out[i] = chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}

func decodeChoice(parsed chatResponse) (*types.ModelResponse, error) {
	choice := parsed.Choices[0]
	out := &types.ModelResponse{
		Text:       strings.TrimSpace(choice.Message.Content),
		StopReason: "end_turn",
		Usage: types.UsageMetadata{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}
	if len(choice.Message.ToolCalls) > 0 {
		out.StopReason = "tool_use"
		for _, tc := range choice.Message.ToolCalls {
			input := map[string]interface{}{}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					return nil, fmt.Errorf("llm: parse tool arguments for %s: %w", tc.Function.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
	}
	return out, nil
}
