package syncengine

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadValidator checks queued payloads against per-kind JSON schemas
// before they are replayed, so an operation the server would reject with a
// validation error is flagged locally without burning a network attempt.
type PayloadValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{schemas: map[string]*jsonschema.Schema{}}
}

// RegisterKind compiles and installs the schema for a resource kind,
// replacing any previous one.
func (v *PayloadValidator) RegisterKind(resourceKind string, schema []byte) error {
	if resourceKind == "" || len(schema) == 0 {
		return ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("schema for %s: %w", resourceKind, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := resourceKind + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("schema for %s: %w", resourceKind, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", resourceKind, err)
	}
	v.mu.Lock()
	v.schemas[resourceKind] = compiled
	v.mu.Unlock()
	return nil
}

// Validate checks a payload against its kind's schema. Kinds without a
// registered schema pass; a schema failure wraps ErrValidation so the
// reconciler treats it as terminal.
func (v *PayloadValidator) Validate(resourceKind string, payload []byte) error {
	v.mu.RLock()
	schema, ok := v.schemas[resourceKind]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s payload is not valid JSON: %v", ErrValidation, resourceKind, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
