package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The request bodies are validated against JSON Schemas before they are
// decoded into typed structs, so malformed payloads are rejected with a
// precise validation error instead of a half-populated request.

const pullSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["table", "company_id", "since"],
  "additionalProperties": false,
  "properties": {
    "table": {"type": "string", "minLength": 1},
    "company_id": {"type": "string", "minLength": 1},
    "location_id": {"type": "string"},
    "since": {"type": "string", "minLength": 1},
    "use_gt": {"type": "boolean"},
    "from": {"type": "integer", "minimum": 0},
    "limit": {"type": "integer", "minimum": 1, "maximum": 1000},
    "days": {"type": "integer", "minimum": 1}
  }
}`

const applySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["company_id", "items"],
  "additionalProperties": false,
  "properties": {
    "company_id": {"type": "string", "minLength": 1},
    "location_id": {"type": "string"},
    "items": {
      "type": "array",
      "maxItems": 1000,
      "items": {
        "type": "object",
        "required": ["id", "table", "op", "row"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "table": {"type": "string", "minLength": 1},
          "op": {"type": "string", "enum": ["upsert", "delete"]},
          "row": {
            "type": "object",
            "required": ["id", "company_id"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "company_id": {"type": "string", "minLength": 1},
              "location_id": {"type": "string"},
              "updated_at": {"type": "string"},
              "deleted": {"type": "boolean"},
              "txn_date": {"type": "string"},
              "doc": {"type": "object"}
            }
          }
        }
      }
    }
  }
}`

type requestSchemas struct {
	pull  *jsonschema.Schema
	apply *jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	for name, text := range map[string]string{
		"pull.schema.json":  pullSchemaJSON,
		"apply.schema.json": applySchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	pull, err := compiler.Compile("pull.schema.json")
	if err != nil {
		return nil, err
	}
	apply, err := compiler.Compile("apply.schema.json")
	if err != nil {
		return nil, err
	}
	return &requestSchemas{pull: pull, apply: apply}, nil
}
