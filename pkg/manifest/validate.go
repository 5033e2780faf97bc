package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaError reports a single schema violation with the offending field
// path in dot notation. The HTTP layer maps it to a 400.
type SchemaError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest: %s: %s", e.Field, e.Message)
	}
	return "manifest: " + e.Message
}

const schemaURL = "https://relay.schemas.local/manifest-submission.schema.json"

// Unknown fields are rejected at every level so SDK and server cannot
// drift silently. parameters is deliberately unconstrained beyond its type.
const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["agent", "action", "justification", "environment"],
  "properties": {
    "agent": {
      "type": "object",
      "additionalProperties": false,
      "required": ["agent_id", "org_id"],
      "properties": {
        "agent_id": {"type": "string", "minLength": 1},
        "org_id": {"type": "string", "minLength": 1},
        "user_id": {"type": "string"}
      }
    },
    "action": {
      "type": "object",
      "additionalProperties": false,
      "required": ["provider", "method", "parameters"],
      "properties": {
        "provider": {"type": "string", "minLength": 1},
        "method": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"}
      }
    },
    "justification": {
      "type": "object",
      "additionalProperties": false,
      "required": ["reasoning"],
      "properties": {
        "reasoning": {"type": "string", "minLength": 1},
        "confidence_score": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "environment": {"type": "string", "minLength": 1},
    "dry_run": {"type": "boolean"}
  }
}`

var submissionSchema = mustCompileSubmissionSchema()

func mustCompileSubmissionSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(submissionSchemaJSON)); err != nil {
		panic(fmt.Sprintf("manifest: schema resource: %v", err))
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("manifest: schema compile: %v", err))
	}
	return schema
}

// ParseSubmission strict-decodes a validate request body. It returns a
// *SchemaError for anything a client can fix.
func ParseSubmission(raw []byte) (*Submission, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &SchemaError{Message: "body is not valid JSON"}
	}
	if err := submissionSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			leaf := leafCause(ve)
			return nil, &SchemaError{
				Field:   pointerToField(leaf.InstanceLocation),
				Message: leaf.Message,
			}
		}
		return nil, &SchemaError{Message: err.Error()}
	}

	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, &SchemaError{Message: "body does not match the manifest shape"}
	}
	return &sub, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// leafCause walks to the most specific violation; the root message is
// always the unhelpful "doesn't validate with ...".
func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// pointerToField converts a JSON pointer like /agent/agent_id to dot
// notation for error payloads.
func pointerToField(ptr string) string {
	return strings.ReplaceAll(strings.TrimPrefix(ptr, "/"), "/", ".")
}
