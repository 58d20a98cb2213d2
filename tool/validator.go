package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates tool input against the tool's declared schema.
// Compiled schemas are cached per tool name.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks input against the tool's schema. Returns an error
// wrapping ErrInvalidInput with the violation details on failure.
func (v *Validator) Validate(t Tool, input json.RawMessage) error {
	schema, err := v.schemaFor(t)
	if err != nil {
		return err
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("%w: input is not valid JSON: %v", ErrInvalidInput, err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (v *Validator) schemaFor(t Tool) (*jsonschema.Schema, error) {
	name := t.Name()

	v.mu.Lock()
	defer v.mu.Unlock()

	if schema, ok := v.compiled[name]; ok {
		return schema, nil
	}

	raw, err := json.Marshal(t.InputSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for tool %s: %w", name, err)
	}

	schema, err := jsonschema.CompileString("tool_"+name, string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for tool %s: %w", name, err)
	}

	v.compiled[name] = schema
	return schema, nil
}
