package tools

import "encoding/json"

// Kind distinguishes how a tool is executed (spec.md §4.2).
type Kind string

const (
	// KindNative tools are looked up in the runtime's static registry.
	KindNative Kind = "native"
	// KindRemote tools are routed to an MCP server by namespace prefix.
	KindRemote Kind = "remote"
	// KindAgent tools are the transparent "call a spawnable child template
	// by its short name" rewrite target (spec.md §4.2 "Agent-as-tool
	// rewrite").
	KindAgent Kind = "agent"
)

// Spec describes one callable tool: its identity, input/output schema, and
// metadata tags used by the policy engine (agent/policy) and idempotency-
// style filters.
type Spec struct {
	Name        Ident
	Kind        Kind
	Description string

	// InputSchema/OutputSchema are raw JSON Schema documents, compiled once
	// via SchemaCache and reused by both native-tool dispatch validation
	// and template input/output enforcement.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	// Tags classify the tool for the policy engine (e.g. "readonly",
	// "destructive"). WontForceNextStep membership is by name and does not
	// read Tags.
	Tags []string
}

// HasTag reports whether s declares tag.
func (s Spec) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
