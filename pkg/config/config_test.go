package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
providers:
  fast:
    type: openai
    base_url: https://api.openai.com/v1
    model: gpt-4o-mini
typeset:
  url: http://localhost:9000/compile
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Dialect)
	assert.Equal(t, 12, cfg.Pipeline.MaxTurns)
	assert.Equal(t, 85, cfg.Pipeline.Refine.TargetScore)
	assert.Equal(t, 3, cfg.Pipeline.Refine.MaxIterations)

	p := cfg.Providers["fast"]
	assert.Equal(t, 120, p.Timeout)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 4096, p.MaxTokens)
}

func TestLoadFromFile_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-secret")

	path := writeConfig(t, `
providers:
  fast:
    type: anthropic
    api_key: ${TEST_API_KEY}
    model: ${TEST_MODEL:-claude-sonnet}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.Providers["fast"].APIKey)
	assert.Equal(t, "claude-sonnet", cfg.Providers["fast"].Model)
}

func TestLoadFromFile_ToolServerDefaults(t *testing.T) {
	path := writeConfig(t, `
tool_servers:
  - name: browser
    url: http://localhost:3000/mcp
  - name: files
    command: mcp-files
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.ToolServers, 2)

	assert.Equal(t, "streamable-http", cfg.ToolServers[0].Transport)
	assert.Equal(t, "stdio", cfg.ToolServers[1].Transport)
	assert.Equal(t, 5*time.Second, cfg.ToolServers[0].CallTimeout)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad dialect",
			yaml:    "database:\n  dialect: oracle\n",
			wantErr: "unsupported database dialect",
		},
		{
			name:    "bad provider type",
			yaml:    "providers:\n  x:\n    type: cohere\n",
			wantErr: "unsupported type",
		},
		{
			name:    "stdio without command",
			yaml:    "tool_servers:\n  - name: t\n    transport: stdio\n",
			wantErr: "command is required",
		},
		{
			name:    "http without url",
			yaml:    "tool_servers:\n  - name: t\n    transport: streamable-http\n",
			wantErr: "url is required",
		},
		{
			name:    "nameless tool server",
			yaml:    "tool_servers:\n  - url: http://x\n",
			wantErr: "name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
