package dsl

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const documentSchemaURL = "cloudwarden://schemas/action-document.json"

// documentSchema is the structural contract for raw action documents.
// Semantic rules (allow-list, risk levels, region requirements) live in the
// validator; this schema only rejects documents that are not even shaped
// like an action.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "pattern": "^[a-z0-9_]+\\.[a-z0-9_]+$"},
    "version": {"type": "string"},
    "dsl_version": {"type": "string"},
    "metadata": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "description": {"type": "string"},
        "category": {"type": "string"},
        "risk_level": {"type": "string"},
        "reversible": {"type": "boolean"},
        "cost_impact": {"type": "string"}
      }
    },
    "selector": {
      "type": "object",
      "properties": {
        "service": {"type": "string"},
        "resource_type": {"type": "string"},
        "filters": {"type": "object"},
        "regions": {"type": "array", "items": {"type": "string"}},
        "accounts": {"type": "array", "items": {"type": "string"}}
      }
    },
    "constraints": {
      "type": "object",
      "properties": {
        "max_resources": {"type": "integer"},
        "regions": {"type": "array", "items": {"type": "string"}},
        "require_approval": {"type": "boolean"},
        "approval_level": {"type": "string"},
        "max_cost_impact_usd": {"type": "number"},
        "require_simulation": {"type": "boolean"}
      }
    },
    "execution": {"type": "object"},
    "audit": {"type": "object"}
  }
}`

var compiledDocumentSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
		panic(fmt.Sprintf("dsl: add document schema: %v", err))
	}
	s, err := c.Compile(documentSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("dsl: compile document schema: %v", err))
	}
	return s
}

// validateShape runs the decoded document through the JSON schema.
func validateShape(doc any) error {
	return compiledDocumentSchema.Validate(doc)
}
