package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyforge/applyforge/pkg/config"
)

// newMCPTestServer serves a minimal JSON-RPC MCP endpoint with one tool.
func newMCPTestServer(t *testing.T, sse bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "sess-1")
			result = map[string]any{"protocolVersion": mcpProtocolVersion}
		case "tools/list":
			result = map[string]any{
				"tools": []map[string]any{{
					"name":        "fetch_page",
					"description": "Fetch a page",
					"inputSchema": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"url": map[string]any{"type": "string"},
						},
						"required": []string{"url"},
					},
				}},
			}
		case "prompts/list":
			result = map[string]any{
				"prompts": []map[string]any{{
					"name":        "summarize",
					"description": "Summarize a page",
				}},
			}
		case "tools/call":
			params := req.Params.(map[string]any)
			args := params["arguments"].(map[string]any)
			result = map[string]any{
				"isError": false,
				"content": []map[string]any{{
					"type": "text",
					"text": "<html>" + args["url"].(string) + "</html>",
				}},
			}
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}
		body, _ := json.Marshal(resp)

		if sse {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
}

func TestHTTPSource_DiscoverAndCall(t *testing.T) {
	for _, sse := range []bool{false, true} {
		name := "json"
		if sse {
			name = "sse"
		}
		t.Run(name, func(t *testing.T) {
			server := newMCPTestServer(t, sse)
			defer server.Close()

			src, err := newHTTPSource(config.ToolServerConfig{
				Name:      "browser",
				Transport: "streamable-http",
				URL:       server.URL,
			})
			require.NoError(t, err)

			require.NoError(t, src.Discover(context.Background()))

			tools := src.Tools()
			require.Len(t, tools, 1)
			assert.Equal(t, "fetch_page", tools[0].Name)
			assert.Equal(t, "browser", tools[0].Server)
			assert.Contains(t, tools[0].InputSchema, "properties")

			prompts := src.Prompts()
			require.Len(t, prompts, 1)
			assert.Equal(t, "summarize", prompts[0].Name)

			content, toolErr, err := src.Call(context.Background(), "fetch_page", map[string]any{"url": "https://ex.com"})
			require.NoError(t, err)
			assert.False(t, toolErr)
			assert.Equal(t, "<html>https://ex.com</html>", content)
		})
	}
}

func TestHTTPSource_SessionIDPropagated(t *testing.T) {
	var seenSession string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Method == "initialize" {
			w.Header().Set("mcp-session-id", "sess-42")
		} else {
			seenSession = r.Header.Get("mcp-session-id")
		}

		resp := map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]any{"tools": []any{}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	src, err := newHTTPSource(config.ToolServerConfig{Name: "s", URL: server.URL})
	require.NoError(t, err)
	require.NoError(t, src.Discover(context.Background()))
	assert.Equal(t, "sess-42", seenSession)
}

func TestGateway_ConnectHTTPServer(t *testing.T) {
	server := newMCPTestServer(t, false)
	defer server.Close()

	g := NewGateway()
	err := g.Connect(context.Background(), config.ToolServerConfig{
		Name:        "browser",
		Transport:   "streamable-http",
		URL:         server.URL,
		CallTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer g.Close()

	assert.True(t, g.HasTool("fetch_page"))

	result, err := g.Invoke(context.Background(), "fetch_page", map[string]any{"url": "https://ex.com/jobs/42"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "jobs/42")
}
