package graph

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// flowSchema is the JSON Schema of a flow document. Nested flows reuse it
// through the "flow" definition.
const flowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$ref": "#/definitions/flow",
  "definitions": {
    "flow": {
      "type": "object",
      "required": ["id", "nodes"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "entry": {"type": "string"},
        "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
        "nodes": {"type": "array", "items": {"$ref": "#/definitions/node"}},
        "edges": {"type": "array", "items": {"$ref": "#/definitions/edge"}}
      }
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"type": "string", "minLength": 1},
        "config": {"type": "object"},
        "flow": {"$ref": "#/definitions/flow"}
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": {"type": "string", "minLength": 1},
        "sourceHandle": {"type": "string"},
        "target": {"type": "string", "minLength": 1},
        "targetHandle": {"type": "string"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(flowSchema)

// ValidateDocument checks raw JSON against the flow document schema and
// reports each violation as a GR-000 diagnostic.
func ValidateDocument(data []byte) ([]Diagnostic, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	diags := make([]Diagnostic, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		diags = append(diags, Diagnostic{
			Code:     "GR-000",
			Severity: SeverityError,
			Message:  e.Description(),
			Path:     e.Field(),
		})
	}
	return diags, nil
}
