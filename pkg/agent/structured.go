package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/applyforge/applyforge/pkg/llms"
	"github.com/applyforge/applyforge/pkg/protocol"
)

// StructuredOutputError reports a structured call that failed after
// exhausting its retry budget.
type StructuredOutputError struct {
	Agent    string
	Attempts int
	Cause    error
}

func (e *StructuredOutputError) Error() string {
	return fmt.Sprintf("agent %s: structured output failed after %d attempt(s): %v", e.Agent, e.Attempts, e.Cause)
}

func (e *StructuredOutputError) Unwrap() error {
	return e.Cause
}

// RunStructured performs a single schema-constrained generation and
// validates the output against the schema. Invalid or unparseable output is
// retried with the same input up to Config.Retries times; tool calls are
// never executed on this path.
func (a *Agent) RunStructured(ctx context.Context, messages []protocol.Message, schema map[string]any) (json.RawMessage, error) {
	validator, err := compileSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	cfg := &llms.StructuredOutputConfig{
		Name:   a.name + "_output",
		Schema: schema,
	}

	attempts := a.cfg.Retries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := a.provider.GenerateStructured(ctx, messages, cfg)
		if err != nil {
			lastErr = err
			slog.Debug("structured call failed, retrying",
				"agent", a.name,
				"attempt", attempt,
				"error", err)
			continue
		}
		a.reportUsage(messages, resp)

		raw, err := validate(validator, resp.Text)
		if err != nil {
			lastErr = err
			slog.Debug("structured output rejected, retrying",
				"agent", a.name,
				"attempt", attempt,
				"error", err)
			continue
		}

		return raw, nil
	}

	return nil, &StructuredOutputError{
		Agent:    a.name,
		Attempts: attempts,
		Cause:    lastErr,
	}
}

// RunStructuredAs runs RunStructured and decodes the result into out with
// weak typing, tolerating mildly mistyped fields in model output (numbers
// as strings and the like).
func (a *Agent) RunStructuredAs(ctx context.Context, messages []protocol.Message, schema map[string]any, out any) error {
	raw, err := a.RunStructured(ctx, messages, schema)
	if err != nil {
		return err
	}
	return DecodeLoose(raw, out)
}

// DecodeLoose decodes validated JSON into a struct with weakly typed
// conversions, using json tags for field names.
func DecodeLoose(raw json.RawMessage, out any) error {
	var m any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("failed to parse structured output: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(m)
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("schema.json", string(data))
}

// validate parses the model output and checks it against the schema,
// returning the raw JSON on success. The model output must be a bare JSON
// document; no fenced-code stripping is attempted here since providers are
// asked for native JSON output.
func validate(validator *jsonschema.Schema, text string) (json.RawMessage, error) {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := validator.Validate(value); err != nil {
		return nil, fmt.Errorf("output does not match schema: %w", err)
	}
	return json.RawMessage(text), nil
}
