package watcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskRecordSchema constrains records read from the pending store. External
// submitters edit the file by hand, so malformed records are expected.
const taskRecordSchema = `{
  "type": "object",
  "properties": {
    "task_id": {"type": "string"},
    "kind": {"type": "string"},
    "payload": {
      "type": "object",
      "properties": {
        "urgency": {"enum": ["urgent", "high", "medium", "low"]},
        "task": {"type": "string", "minLength": 1},
        "attempts": {"type": "integer", "minimum": 0}
      },
      "required": ["task"]
    }
  },
  "required": ["payload"]
}`

// RecordValidator checks pending-store records against the task schema.
type RecordValidator struct {
	schema *jsonschema.Schema
}

// NewRecordValidator compiles the built-in task record schema.
func NewRecordValidator() (*RecordValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskRecordSchema))
	if err != nil {
		return nil, fmt.Errorf("parse task record schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task-record.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("task-record.json")
	if err != nil {
		return nil, fmt.Errorf("compile task record schema: %w", err)
	}
	return &RecordValidator{schema: schema}, nil
}

// Validate checks one record. The record is round-tripped through JSON so
// the schema sees the wire form.
func (v *RecordValidator) Validate(t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("task record invalid: %w", err)
	}
	return nil
}
