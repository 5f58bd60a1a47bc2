package agent

import (
	"encoding/json"

	invopop "github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON schema from a Go type for use with
// RunStructured. Definitions are inlined so the schema is self-contained
// for providers that reject $ref.
func SchemaFor[T any]() map[string]any {
	reflector := &invopop.Reflector{
		DoNotReference: true,
	}

	var v T
	schema := reflector.Reflect(&v)

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}

	// The $schema marker confuses some structured-output endpoints.
	delete(m, "$schema")
	return m
}
