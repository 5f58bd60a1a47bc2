// Package agent implements the runtime driving one model conversation:
// either a freeform tool-calling turn loop or a single schema-constrained
// structured call.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/applyforge/applyforge/pkg/llms"
	"github.com/applyforge/applyforge/pkg/protocol"
	"github.com/applyforge/applyforge/pkg/tools"
)

// Config bounds one agent's execution.
type Config struct {
	// MaxTurns caps the freeform turn loop. Exceeding it is controlled
	// degradation: the last assistant message is returned, not an error.
	MaxTurns int

	// Retries bounds structured-output retry on parse/validation failure.
	Retries int

	// ParallelToolCalls executes independent tool calls concurrently.
	// Results are appended in request order either way.
	ParallelToolCalls bool
}

// Agent drives conversations against one provider. The conversation passed
// to a run is cloned; the agent owns its copy exclusively and only appends.
type Agent struct {
	name     string
	provider llms.Provider
	gateway  *tools.Gateway
	cfg      Config
	usage    llms.UsageReporter
}

// Option configures an Agent.
type Option func(*Agent)

// WithUsageReporter replaces the default slog-based usage reporter.
func WithUsageReporter(r llms.UsageReporter) Option {
	return func(a *Agent) {
		a.usage = r
	}
}

// New creates an agent. The gateway may be nil for agents that never call
// tools (structured extraction/generation).
func New(name string, provider llms.Provider, gateway *tools.Gateway, cfg Config, opts ...Option) (*Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 12
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	a := &Agent{
		name:     name,
		provider: provider,
		gateway:  gateway,
		cfg:      cfg,
		usage:    llms.SlogUsageReporter{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Agent) Name() string {
	return a.name
}

// RunFreeform runs the tool-calling turn loop until the model stops
// requesting tools or MaxTurns is reached, returning the final assistant
// message. On MaxTurns exhaustion the last message is returned so callers
// can inspect partial progress.
func (a *Agent) RunFreeform(ctx context.Context, messages []protocol.Message) (protocol.Message, error) {
	conversation := slices.Clone(messages)

	var toolDefs []llms.ToolDefinition
	if a.gateway != nil {
		for _, info := range a.gateway.ListTools() {
			toolDefs = append(toolDefs, llms.ToolDefinition{
				Name:        info.Name,
				Description: info.Description,
				Parameters:  info.InputSchema,
			})
		}
	}

	var lastAssistant protocol.Message

	for turn := 0; turn < a.cfg.MaxTurns; turn++ {
		resp, err := a.provider.Generate(ctx, conversation, toolDefs)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("model call failed on turn %d: %w", turn+1, err)
		}
		a.reportUsage(conversation, resp)

		lastAssistant = protocol.Message{
			Role:      protocol.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		}
		conversation = append(conversation, lastAssistant)

		if len(resp.ToolCalls) == 0 {
			return lastAssistant, nil
		}

		results, err := a.executeToolCalls(ctx, resp.ToolCalls)
		if err != nil {
			return protocol.Message{}, err
		}

		// Every requested call gets exactly one result message, in
		// request order, before the next model turn.
		for i, tc := range resp.ToolCalls {
			conversation = append(conversation, protocol.ToolMessage(tc.ID, tc.Name, results[i]))
		}
	}

	slog.Warn("agent reached max turns, returning last message",
		"agent", a.name,
		"max_turns", a.cfg.MaxTurns)
	return lastAssistant, nil
}

// executeToolCalls runs the requested calls and returns one rendered result
// string per call, index-aligned with the request order.
func (a *Agent) executeToolCalls(ctx context.Context, calls []protocol.ToolCall) ([]string, error) {
	results := make([]string, len(calls))

	runOne := func(i int, tc protocol.ToolCall) error {
		if a.gateway == nil {
			results[i] = fmt.Sprintf("Error: no tool gateway configured, cannot execute %s", tc.Name)
			return nil
		}
		result, err := a.gateway.Invoke(ctx, tc.Name, tc.ParseArguments())
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			// Unknown tool: surface to the model so it can correct itself.
			results[i] = fmt.Sprintf("Error: %v", err)
			return nil
		}
		if result.IsError {
			results[i] = fmt.Sprintf("Error: %s", result.Error)
			return nil
		}
		results[i] = result.Content
		return nil
	}

	if a.cfg.ParallelToolCalls && len(calls) > 1 {
		var g errgroup.Group
		for i, tc := range calls {
			g.Go(func() error {
				return runOne(i, tc)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}

	for i, tc := range calls {
		if err := runOne(i, tc); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// reportUsage notifies the usage collaborator without ever failing or
// blocking the run.
func (a *Agent) reportUsage(conversation []protocol.Message, resp *llms.Response) {
	record := llms.UsageRecord{
		Agent:            a.name,
		Model:            a.provider.ModelName(),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if record.TotalTokens == 0 {
		record.PromptTokens = llms.CountTokens(a.provider.ModelName(), conversation)
		record.CompletionTokens = llms.CountTokens(a.provider.ModelName(), []protocol.Message{{Content: resp.Text}})
		record.TotalTokens = record.PromptTokens + record.CompletionTokens
	}

	go func() {
		defer func() {
			_ = recover()
		}()
		a.usage.Report(record)
	}()
}
