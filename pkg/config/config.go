// Package config loads and validates the service configuration from YAML
// with environment-variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Log         LogConfig                 `yaml:"log"`
	Server      ServerConfig              `yaml:"server"`
	Database    DatabaseConfig            `yaml:"database"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	ToolServers []ToolServerConfig        `yaml:"tool_servers"`
	Typeset     TypesetConfig             `yaml:"typeset"`
	Pipeline    PipelineConfig            `yaml:"pipeline"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
}

// ProviderConfig describes one LLM endpoint, keyed by model identifier.
type ProviderConfig struct {
	// Type is "openai" or "anthropic".
	Type        string  `yaml:"type"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Timeout     int     `yaml:"timeout"`     // seconds
	MaxRetries  int     `yaml:"max_retries"` // HTTP-level retries
	RetryDelay  int     `yaml:"retry_delay"` // seconds
}

// ToolServerConfig describes one MCP tool server.
type ToolServerConfig struct {
	Name string `yaml:"name"`
	// Transport is "stdio" or "streamable-http".
	Transport   string            `yaml:"transport"`
	URL         string            `yaml:"url"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	CallTimeout time.Duration     `yaml:"call_timeout"`
}

type TypesetConfig struct {
	URL        string `yaml:"url"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// RefineConfig bounds the producer/critic loop.
type RefineConfig struct {
	TargetScore   int `yaml:"target_score"`
	MaxIterations int `yaml:"max_iterations"`
}

// StageModels assigns a registered model identifier to each pipeline role.
type StageModels struct {
	Extractor string `yaml:"extractor"`
	Scraper   string `yaml:"scraper"`
	Producer  string `yaml:"producer"`
	Critic    string `yaml:"critic"`
	Latex     string `yaml:"latex"`
	Answerer  string `yaml:"answerer"`
}

type PipelineConfig struct {
	MaxTurns           int          `yaml:"max_turns"`
	Retries            int          `yaml:"retries"`
	ParallelToolCalls  bool         `yaml:"parallel_tool_calls"`
	VariantParallelism int          `yaml:"variant_parallelism"`
	ArtifactsDir       string       `yaml:"artifacts_dir"`
	GatewayPoolSize    int          `yaml:"gateway_pool_size"`
	Refine             RefineConfig `yaml:"refine"`
	Models             StageModels  `yaml:"models"`
}

// SetDefaults fills unset fields with working defaults.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "simple"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Database.Dialect == "" {
		c.Database.Dialect = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "applyforge.db"
	}
	if c.Typeset.Timeout == 0 {
		c.Typeset.Timeout = 60
	}
	if c.Typeset.MaxRetries == 0 {
		c.Typeset.MaxRetries = 2
	}
	if c.Pipeline.MaxTurns == 0 {
		c.Pipeline.MaxTurns = 12
	}
	if c.Pipeline.Retries == 0 {
		c.Pipeline.Retries = 2
	}
	if c.Pipeline.VariantParallelism == 0 {
		c.Pipeline.VariantParallelism = 4
	}
	if c.Pipeline.ArtifactsDir == "" {
		c.Pipeline.ArtifactsDir = "artifacts"
	}
	if c.Pipeline.GatewayPoolSize == 0 {
		c.Pipeline.GatewayPoolSize = 16
	}
	if c.Pipeline.Refine.TargetScore == 0 {
		c.Pipeline.Refine.TargetScore = 85
	}
	if c.Pipeline.Refine.MaxIterations == 0 {
		c.Pipeline.Refine.MaxIterations = 3
	}

	for name, p := range c.Providers {
		if p.Timeout == 0 {
			p.Timeout = 120
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 3
		}
		if p.RetryDelay == 0 {
			p.RetryDelay = 2
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = 4096
		}
		if p.Model == "" {
			p.Model = name
		}
		c.Providers[name] = p
	}

	for i := range c.ToolServers {
		if c.ToolServers[i].Transport == "" {
			if c.ToolServers[i].Command != "" {
				c.ToolServers[i].Transport = "stdio"
			} else {
				c.ToolServers[i].Transport = "streamable-http"
			}
		}
		if c.ToolServers[i].CallTimeout == 0 {
			c.ToolServers[i].CallTimeout = 5 * time.Second
		}
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database dialect: %s (supported: sqlite, postgres)", c.Database.Dialect)
	}

	for name, p := range c.Providers {
		switch p.Type {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("provider %s: unsupported type %q (supported: openai, anthropic)", name, p.Type)
		}
	}

	for _, ts := range c.ToolServers {
		if ts.Name == "" {
			return fmt.Errorf("tool server name is required")
		}
		switch ts.Transport {
		case "stdio":
			if ts.Command == "" {
				return fmt.Errorf("tool server %s: command is required for stdio transport", ts.Name)
			}
		case "streamable-http":
			if ts.URL == "" {
				return fmt.Errorf("tool server %s: url is required for streamable-http transport", ts.Name)
			}
		default:
			return fmt.Errorf("tool server %s: unsupported transport %q", ts.Name, ts.Transport)
		}
	}

	return nil
}

// LoadFromFile reads, expands and parses a YAML config file.
func LoadFromFile(path string) (*Config, error) {
	LoadDotEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
