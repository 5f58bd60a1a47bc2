package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/applyforge/applyforge/pkg/config"
	"github.com/applyforge/applyforge/pkg/httpclient"
	"github.com/applyforge/applyforge/pkg/protocol"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic messages API.
type AnthropicProvider struct {
	config     *config.ProviderConfig
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	Messages    []anthropicMessage   `json:"messages"`
	System      string               `json:"system,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	Temperature float64              `json:"temperature,omitempty"`
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
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicProvider creates a provider for the Anthropic messages API.
func NewAnthropicProvider(cfg *config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for anthropic provider")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}

	return &AnthropicProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		),
	}, nil
}

func (p *AnthropicProvider) ModelName() string {
	return p.config.Model
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Response, error) {
	req := p.buildRequest(messages)
	for _, tool := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return p.call(ctx, req)
}

// GenerateStructured forces a single tool whose input schema is the output
// schema; the model's tool input is the structured result. The messages API
// has no response_format, this is the documented pattern.
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, messages []protocol.Message, cfg *StructuredOutputConfig) (*Response, error) {
	req := p.buildRequest(messages)
	if cfg != nil && cfg.Schema != nil {
		name := cfg.Name
		if name == "" {
			name = "record_output"
		}
		req.Tools = []anthropicTool{{
			Name:        name,
			Description: "Record the structured output.",
			InputSchema: cfg.Schema,
		}}
		req.ToolChoice = &anthropicToolChoice{Type: "tool", Name: name}
	}

	resp, err := p.call(ctx, req)
	if err != nil {
		return nil, err
	}

	// Surface the forced tool input as the response text.
	if len(resp.ToolCalls) > 0 {
		resp.Text = string(resp.ToolCalls[0].Arguments)
		resp.ToolCalls = nil
		resp.StopReason = StopReasonStop
	}
	return resp, nil
}

func (p *AnthropicProvider) buildRequest(messages []protocol.Message) *anthropicRequest {
	req := &anthropicRequest{
		Model:       p.config.Model,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
	}

	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content

		case protocol.RoleAssistant:
			var content []anthropicContent
			if m.Content != "" {
				content = append(content, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content = append(content, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: content})

		case protocol.RoleTool:
			req.Messages = append(req.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		default:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: m.Content}},
			})
		}
	}

	return req
}

func (p *AnthropicProvider) call(ctx context.Context, request *anthropicRequest) (*Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// Error details ride in the body for non-2xx statuses too, so parse
	// before checking the status.
	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return nil, fmt.Errorf("API request failed with HTTP %d: %s", httpResp.StatusCode, truncateBody(respBody))
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("API request failed with HTTP %d: %s", httpResp.StatusCode, truncateBody(respBody))
	}

	result := &Response{
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			result.Text += c.Text
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
				ID:        c.ID,
				Name:      c.Name,
				Arguments: c.Input,
			})
		}
	}

	switch resp.StopReason {
	case "tool_use":
		result.StopReason = StopReasonToolCalls
	case "max_tokens":
		result.StopReason = StopReasonLength
	default:
		result.StopReason = StopReasonStop
	}

	return result, nil
}

var _ Provider = (*AnthropicProvider)(nil)
