package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// reflectSchema derives a tool's argument schema from its Go input struct.
// Falls back to a permissive object schema if reflection fails to marshal.
func reflectSchema(v any) json.RawMessage {
	r := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
