package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaCache compiles JSON Schema documents once and reuses the compiled
// form across calls. Both native-tool input validation (agent/dispatch) and
// Agent Template input/output enforcement (agent/template, agent/runtime)
// share one cache instance so there is exactly one JSON Schema code path in
// the runtime (SPEC_FULL.md §3 "Tool/schema validation").
type SchemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaCache constructs an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

// Compile compiles raw (a JSON Schema document) under key, reusing a
// previous compilation for the same key. key should be a stable identifier
// for the schema's owner (e.g. the tool name).
func (c *SchemaCache) Compile(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sch, ok := c.schemas[key]; ok {
		return sch, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tools: unmarshal schema %q: %w", key, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := key + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("tools: add schema resource %q: %w", key, err)
	}
	sch, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema %q: %w", key, err)
	}
	c.schemas[key] = sch
	return sch, nil
}

// Validate compiles (if needed) the schema under key and validates payload
// against it. An empty raw schema means "no constraint" and always
// succeeds.
func (c *SchemaCache) Validate(key string, raw json.RawMessage, payload json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	sch, err := c.Compile(key, raw)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("tools: unmarshal payload for %q: %w", key, err)
	}
	return sch.Validate(doc)
}
