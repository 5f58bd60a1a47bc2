package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/applyforge/applyforge/pkg/config"
)

const mcpProtocolVersion = "2024-11-05"

// stdioSource is an MCP server spoken to over a subprocess stdio pipe.
type stdioSource struct {
	name   string
	client *client.Client

	mu      sync.RWMutex
	tools   []ToolInfo
	prompts []PromptInfo

	onToolsChanged func()
}

func newStdioSource(ctx context.Context, cfg config.ToolServerConfig) (*stdioSource, error) {
	mcpClient, err := client.NewStdioMCPClient(cfg.Command, convertEnv(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "applyforge",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	s := &stdioSource{
		name:   cfg.Name,
		client: mcpClient,
	}

	mcpClient.OnNotification(func(notification mcp.JSONRPCNotification) {
		if notification.Method != "notifications/tools/list_changed" {
			return
		}
		s.mu.RLock()
		cb := s.onToolsChanged
		s.mu.RUnlock()
		if cb != nil {
			cb()
		}
	})

	return s, nil
}

func (s *stdioSource) Name() string {
	return s.name
}

func (s *stdioSource) Discover(ctx context.Context) error {
	listResp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertSchema(t.InputSchema),
			Server:      s.name,
		})
	}

	// Prompts are optional; servers without the capability return an error
	// we ignore.
	var prompts []PromptInfo
	if promptResp, err := s.client.ListPrompts(ctx, mcp.ListPromptsRequest{}); err == nil {
		for _, p := range promptResp.Prompts {
			prompts = append(prompts, PromptInfo{
				Name:        p.Name,
				Description: p.Description,
				Server:      s.name,
			})
		}
	}

	s.mu.Lock()
	s.tools = tools
	s.prompts = prompts
	s.mu.Unlock()

	return nil
}

func (s *stdioSource) Tools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ToolInfo, len(s.tools))
	copy(out, s.tools)
	return out
}

func (s *stdioSource) Prompts() []PromptInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PromptInfo, len(s.prompts))
	copy(out, s.prompts)
	return out
}

func (s *stdioSource) Call(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("MCP call failed: %w", err)
	}

	var content string
	for _, c := range resp.Content {
		if textContent, ok := c.(mcp.TextContent); ok {
			content += textContent.Text
		}
	}

	return content, resp.IsError, nil
}

func (s *stdioSource) OnToolsChanged(cb func()) {
	s.mu.Lock()
	s.onToolsChanged = cb
	s.mu.Unlock()
}

func (s *stdioSource) Close() error {
	return s.client.Close()
}

func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// convertSchema converts an MCP input schema to a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}

	return result
}

var _ Source = (*stdioSource)(nil)
