package llms

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/applyforge/applyforge/pkg/protocol"
)

// UsageRecord describes one completed model call.
type UsageRecord struct {
	Agent            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// UsageReporter receives a record per completed model call. Implementations
// must never block the caller; reporting failures are swallowed.
type UsageReporter interface {
	Report(record UsageRecord)
}

// SlogUsageReporter logs usage records at debug level.
type SlogUsageReporter struct{}

func (SlogUsageReporter) Report(record UsageRecord) {
	slog.Debug("model call completed",
		"agent", record.Agent,
		"model", record.Model,
		"prompt_tokens", record.PromptTokens,
		"completion_tokens", record.CompletionTokens,
		"total_tokens", record.TotalTokens)
}

// CountTokens estimates token usage for a conversation with tiktoken,
// falling back to a 4-characters-per-token heuristic for unknown models.
// Used when a provider response omits usage numbers.
func CountTokens(model string, messages []protocol.Message) int {
	var text string
	for _, m := range messages {
		text += m.Content
		for _, tc := range m.ToolCalls {
			text += tc.Name
			text += string(tc.Arguments)
		}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
