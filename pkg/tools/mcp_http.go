package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/applyforge/applyforge/pkg/config"
	"github.com/applyforge/applyforge/pkg/httpclient"
)

// httpSource is an MCP server spoken to over JSON-RPC 2.0 on HTTP
// (streamable-http transport). Responses may arrive as plain JSON or as a
// single SSE event; both are handled.
type httpSource struct {
	name       string
	url        string
	httpClient *httpclient.Client

	mu        sync.RWMutex
	sessionID string
	tools     []ToolInfo
	prompts   []PromptInfo

	onToolsChanged func()
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newHTTPSource(cfg config.ToolServerConfig) (*httpSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required for streamable-http transport")
	}

	s := &httpSource{
		name: cfg.Name,
		url:  cfg.URL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	initResp, err := s.makeRequest(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]any{
			"name":    "applyforge",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return nil, fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	return s, nil
}

func (s *httpSource) Name() string {
	return s.name
}

func (s *httpSource) Discover(ctx context.Context) error {
	listResp, err := s.makeRequest(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP error: %s", listResp.Error.Message)
	}

	var toolsResult struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(listResp.Result, &toolsResult); err != nil {
		return fmt.Errorf("unexpected tools/list result: %w", err)
	}

	tools := make([]ToolInfo, 0, len(toolsResult.Tools))
	for _, t := range toolsResult.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Server:      s.name,
		})
	}

	var prompts []PromptInfo
	if promptResp, err := s.makeRequest(ctx, "prompts/list", nil); err == nil && promptResp.Error == nil {
		var promptsResult struct {
			Prompts []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"prompts"`
		}
		if err := json.Unmarshal(promptResp.Result, &promptsResult); err == nil {
			for _, p := range promptsResult.Prompts {
				prompts = append(prompts, PromptInfo{
					Name:        p.Name,
					Description: p.Description,
					Server:      s.name,
				})
			}
		}
	}

	s.mu.Lock()
	s.tools = tools
	s.prompts = prompts
	s.mu.Unlock()

	return nil
}

func (s *httpSource) Tools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ToolInfo, len(s.tools))
	copy(out, s.tools)
	return out
}

func (s *httpSource) Prompts() []PromptInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PromptInfo, len(s.prompts))
	copy(out, s.prompts)
	return out
}

func (s *httpSource) Call(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	resp, err := s.makeRequest(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", false, fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return "", false, fmt.Errorf("MCP error: %s", resp.Error.Message)
	}

	var callResult struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &callResult); err != nil {
		return "", false, fmt.Errorf("unexpected tools/call result: %w", err)
	}

	var content strings.Builder
	for _, c := range callResult.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}

	return content.String(), callResult.IsError, nil
}

// NotifyToolsChanged triggers catalog re-discovery. The streamable-http
// transport has no server-push channel in this client; callers poll or
// forward the notification from an out-of-band subscription.
func (s *httpSource) NotifyToolsChanged() {
	s.mu.RLock()
	cb := s.onToolsChanged
	s.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (s *httpSource) OnToolsChanged(cb func()) {
	s.mu.Lock()
	s.onToolsChanged = cb
	s.mu.Unlock()
}

func (s *httpSource) Close() error {
	return nil
}

func (s *httpSource) makeRequest(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	request := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.mu.Lock()
		s.sessionID = newSessionID
		s.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, httpResp.Status)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err == nil {
		return &resp, nil
	}

	// SSE framing: find the first data: line carrying the JSON-RPC payload.
	for _, line := range strings.Split(string(responseBody), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if err := json.Unmarshal([]byte(data), &resp); err == nil {
				return &resp, nil
			}
		}
	}

	return nil, fmt.Errorf("failed to parse response as JSON or SSE")
}

var _ Source = (*httpSource)(nil)
