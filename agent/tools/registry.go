package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler executes one native tool call and returns its output parts as
// JSON, or an error. The Tool Dispatcher (agent/dispatch) calls through
// this interface for tools whose Kind is KindNative; remote/MCP tools are
// routed separately (agent/dispatch/mcp).
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry is the static registry of native tools available to the
// runtime process (spec.md §4.2 "Native tools").
type Registry struct {
	mu       sync.RWMutex
	specs    map[Ident]Spec
	handlers map[Ident]Handler
}

// NewRegistry constructs an empty native tool registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[Ident]Spec), handlers: make(map[Ident]Handler)}
}

// Register adds a native tool. It is a programmer error to register the
// same name twice; Register panics in that case so the mistake is caught
// at process startup rather than silently shadowing a handler.
func (r *Registry) Register(spec Spec, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		panic(fmt.Sprintf("tools: duplicate registration for %q", spec.Name))
	}
	spec.Kind = KindNative
	r.specs[spec.Name] = spec
	r.handlers[spec.Name] = handler
}

// Lookup returns the spec and handler for name, or ok=false when name is
// not a registered native tool.
func (r *Registry) Lookup(name Ident) (Spec, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, nil, false
	}
	return spec, r.handlers[name], true
}

// Specs returns every registered native tool spec, in no particular order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// WontForceNextStep is the static TOOLS_WHICH_WONT_FORCE_NEXT_STEP set
// (spec.md Glossary): invoking one of these tools alone does not, by
// itself, defeat the Step Executor's "no-work" end-turn shortcut
// (spec.md §4.4 step 4).
var WontForceNextStep = map[Ident]struct{}{
	"read_file":      {},
	"list_directory": {},
	"search_files":   {},
	"get_file_info":  {},
	"read_terminal":  {},
}

// IsSoft reports whether name is in the WontForceNextStep set.
func IsSoft(name Ident) bool {
	_, ok := WontForceNextStep[name]
	return ok
}
