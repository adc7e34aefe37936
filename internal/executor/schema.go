package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema validates the input of one task.
type Schema struct {
	task   string
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document for a task's input.
func CompileSchema(taskName, schemaJSON string) (*Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", taskName, err)
	}
	url := taskName + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", taskName, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", taskName, err)
	}
	return &Schema{task: taskName, schema: compiled}, nil
}

// Validate reports ErrInvalidInput when input does not satisfy the schema.
// A nil Schema accepts any input.
func (s *Schema) Validate(input json.RawMessage) error {
	if s == nil {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, s.task, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, s.task, err)
	}
	return nil
}
