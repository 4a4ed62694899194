package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jerryplusy/mioku/internal/httpkit"
)

// OpenAIClient speaks the OpenAI-compatible /chat/completions wire
// format. Any provider exposing that surface (OpenAI, DeepSeek,
// SiliconFlow, one-api gateways) works unchanged.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
// baseURL is the API root (e.g. "https://api.openai.com/v1").
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// Completions are slow; every reply depends on this call, so
		// transient connection errors are retried.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(120*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// --- wire format ---

type openaiWireMessage struct {
	Role       string             `json:"role"`
	Content    any                `json:"content"`
	ToolCalls  []openaiWireCall   `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
}

type openaiWireCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiWireRequest struct {
	Model       string              `json:"model"`
	Messages    []openaiWireMessage `json:"messages"`
	Tools       []map[string]any    `json:"tools,omitempty"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type openaiWireResponse struct {
	Choices []struct {
		Message struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openaiWireCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// toWireMessage converts a Message, preferring the multimodal part
// array over the plain string body when present.
func toWireMessage(m Message) openaiWireMessage {
	wm := openaiWireMessage{Role: m.Role, ToolCallID: m.ToolCallID}
	if len(m.Parts) > 0 {
		wm.Content = m.Parts
	} else {
		wm.Content = m.Content
	}
	for _, tc := range m.ToolCalls {
		wc := openaiWireCall{ID: tc.ID, Type: "function"}
		wc.Function.Name = tc.Name
		wc.Function.Arguments = tc.Arguments
		wm.ToolCalls = append(wm.ToolCalls, wc)
	}
	return wm
}

// Chat implements Client.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wire := openaiWireRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, toWireMessage(m))
	}

	raw, err := c.post(ctx, "/chat/completions", wire)
	if err != nil {
		return nil, err
	}

	var resp openaiWireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("api error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Content:   choice.Message.Content,
		Reasoning: choice.Message.ReasoningContent,
		Raw:       raw,
	}
	for _, wc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        wc.ID,
			Name:      wc.Function.Name,
			Arguments: wc.Function.Arguments,
		})
	}
	return out, nil
}

// GenerateText implements Client.
func (c *OpenAIClient) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	messages := req.Messages
	if len(messages) == 0 {
		messages = []Message{{Role: "user", Content: req.Prompt}}
	}
	resp, err := c.Chat(ctx, ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateMultimodal implements Client. The wire format is identical;
// the message bodies carry image_url parts.
func (c *OpenAIClient) GenerateMultimodal(ctx context.Context, req TextRequest) (string, error) {
	return c.GenerateText(ctx, req)
}

// post sends a JSON request and returns the raw response body.
// Non-2xx statuses are surfaced with a body excerpt for diagnosis.
func (c *OpenAIClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("llm request",
		"path", path,
		"status", httpResp.StatusCode,
		"bytes", len(raw),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		excerpt := string(raw)
		if len(excerpt) > 500 {
			excerpt = excerpt[:500]
		}
		return nil, fmt.Errorf("status %d: %s", httpResp.StatusCode, excerpt)
	}
	return raw, nil
}
