package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/applyforge/applyforge/pkg/config"
)

// DefaultCallTimeout bounds a single tool invocation.
const DefaultCallTimeout = 5 * time.Second

// managedSource pairs a Source with its readiness gate. The ready channel is
// closed while the catalog is valid; a list-changed notification swaps in an
// open channel until re-discovery completes.
type managedSource struct {
	source      Source
	callTimeout time.Duration

	mu    sync.RWMutex
	ready chan struct{}
}

func (m *managedSource) readyCh() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func (m *managedSource) markNotReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.ready:
		m.ready = make(chan struct{})
	default:
		// already not ready
	}
}

func (m *managedSource) markReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
}

// Gateway aggregates tool sources into one catalog for the agent runtime.
type Gateway struct {
	mu      sync.RWMutex
	sources []*managedSource
}

func NewGateway() *Gateway {
	return &Gateway{}
}

// Connect builds a source for the given server config, discovers its
// catalog, and adds it to the gateway.
func (g *Gateway) Connect(ctx context.Context, cfg config.ToolServerConfig) error {
	var source Source
	var err error

	switch cfg.Transport {
	case "stdio":
		source, err = newStdioSource(ctx, cfg)
	case "streamable-http":
		source, err = newHTTPSource(cfg)
	default:
		return fmt.Errorf("unsupported tool server transport: %s", cfg.Transport)
	}
	if err != nil {
		return fmt.Errorf("failed to connect tool server %s: %w", cfg.Name, err)
	}

	if err := source.Discover(ctx); err != nil {
		_ = source.Close()
		return fmt.Errorf("failed to discover tools from %s: %w", cfg.Name, err)
	}

	g.AddSource(source, cfg.CallTimeout)
	return nil
}

// AddSource registers an already-connected source. Used directly by tests
// and by callers with custom Source implementations.
func (g *Gateway) AddSource(source Source, callTimeout time.Duration) {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	ms := &managedSource{
		source:      source,
		callTimeout: callTimeout,
		ready:       make(chan struct{}),
	}
	ms.markReady()

	source.OnToolsChanged(func() {
		g.refresh(ms)
	})

	g.mu.Lock()
	g.sources = append(g.sources, ms)
	g.mu.Unlock()

	slog.Info("tool server connected",
		"server", source.Name(),
		"tools", len(source.Tools()))
}

// refresh re-discovers one source after a list-changed notification. Invoke
// calls targeting the source block until discovery completes.
func (g *Gateway) refresh(ms *managedSource) {
	ms.markNotReady()
	defer ms.markReady()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ms.source.Discover(ctx); err != nil {
		slog.Warn("tool re-discovery failed; keeping previous catalog",
			"server", ms.source.Name(),
			"error", err)
		return
	}

	slog.Info("tool catalog refreshed",
		"server", ms.source.Name(),
		"tools", len(ms.source.Tools()))
}

// ListTools returns the unified tool catalog across all sources.
func (g *Gateway) ListTools() []ToolInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var tools []ToolInfo
	for _, ms := range g.sources {
		tools = append(tools, ms.source.Tools()...)
	}
	return tools
}

// ListPrompts returns the unified prompt catalog across all sources.
func (g *Gateway) ListPrompts() []PromptInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var prompts []PromptInfo
	for _, ms := range g.sources {
		prompts = append(prompts, ms.source.Prompts()...)
	}
	return prompts
}

// HasTool reports whether any source advertises the tool.
func (g *Gateway) HasTool(name string) bool {
	_, err := g.findSource(name)
	return err == nil
}

func (g *Gateway) findSource(toolName string) (*managedSource, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, ms := range g.sources {
		for _, t := range ms.source.Tools() {
			if t.Name == toolName {
				return ms, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
}

// Invoke calls a tool by name. The returned error is non-nil only for
// caller errors (unknown tool, cancelled context); execution failures and
// timeouts are reported inside the ToolResult so the conversation can
// continue.
func (g *Gateway) Invoke(ctx context.Context, toolName string, args map[string]any) (ToolResult, error) {
	ms, err := g.findSource(toolName)
	if err != nil {
		return ToolResult{}, err
	}

	// Block while the source re-discovers its catalog.
	select {
	case <-ms.readyCh():
	case <-ctx.Done():
		return ToolResult{}, ctx.Err()
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, ms.callTimeout)
	defer cancel()

	type outcome struct {
		content string
		toolErr bool
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		content, toolErr, err := ms.source.Call(callCtx, toolName, args)
		done <- outcome{content: content, toolErr: toolErr, err: err}
	}()

	select {
	case out := <-done:
		result := ToolResult{
			ToolName: toolName,
			Content:  out.content,
			Duration: time.Since(start),
		}
		if out.err != nil {
			result.IsError = true
			result.Error = out.err.Error()
		} else if out.toolErr {
			result.IsError = true
			result.Error = out.content
		}
		return result, nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ToolResult{}, ctx.Err()
		}
		// Synthetic error result; the in-flight call is abandoned.
		return ToolResult{
			ToolName: toolName,
			IsError:  true,
			Error:    fmt.Sprintf("tool call timed out after %v", ms.callTimeout),
			Duration: time.Since(start),
		}, nil
	}
}

// Close closes every source.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for _, ms := range g.sources {
		if err := ms.source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.sources = nil
	return firstErr
}
