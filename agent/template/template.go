// Package template defines the Agent Template (spec.md §3): the
// declarative description of an agent "type" that the Agent Loop resolves
// at run start, plus an in-process Registry mirroring the two-tier lookup
// from spec.md §6 ("getAgentTemplate(agentId) paired with a caller-supplied
// localAgentTemplates map the runtime consults first").
package template

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/coroutine"
	"github.com/runloom/agentrt/agent/tools"
)

// DefaultMaxSteps is the stepsRemaining value a freshly spawned child agent
// receives when its template does not specify one (spec.md §4.5 "Subagent
// spawning" step 3, "stepsRemaining = defaultMax").
const DefaultMaxSteps = 25

// Template is an immutable-within-a-run description of an agent type
// (spec.md §3 "Agent Template").
type Template struct {
	// ID is the template's stable identifier (agentType).
	ID agent.Ident

	// ShortName is the bare name used by the agent-as-tool rewrite
	// (spec.md §4.2 "Agent-as-tool rewrite"); defaults to string(ID) when
	// empty.
	ShortName string

	// Publisher/Version identify this template for the compatible-id
	// spawn-permission rule (spec.md §4.2 rule 2, agent.QualifiedID).
	Publisher string
	Version   string

	Model string

	// SystemPrompt and InstructionsPrompt are prompt fragments; see
	// InheritParentSystemPrompt for how a child may instead reuse its
	// parent's system prompt.
	SystemPrompt       string
	InstructionsPrompt string

	// ToolNames is the permitted tool set (spec.md §3, consulted by
	// agent/dispatch.Dispatcher.AllowedTools and agent/policy).
	ToolNames []tools.Ident

	// SpawnableAgents lists the child templates this template may spawn
	// via spawn_agents, by compatible-id pattern (spec.md §4.2 rule 2).
	// Ignored for base agents (agent.IsBaseAgent), which may spawn
	// anything.
	SpawnableAgents []agent.QualifiedID

	// PromptSchema/ParamsSchema/OutputSchema are optional raw JSON Schema
	// documents (spec.md §3 "separate validators for prompt and params"
	// / "an optional output schema").
	PromptSchema json.RawMessage
	ParamsSchema json.RawMessage
	OutputSchema json.RawMessage

	// InheritParentSystemPrompt, when true, makes a spawned child reuse
	// its parent's assembled system prompt instead of its own
	// SystemPrompt (spec.md §4.5 step 4).
	InheritParentSystemPrompt bool

	// IncludeMessageHistory, when true, seeds a spawned child's history
	// from the parent's filtered history instead of starting empty
	// (spec.md §4.5 "Subagent spawning" step 3).
	IncludeMessageHistory bool

	// MaxSteps overrides DefaultMaxSteps for agents spawned under this
	// template. Zero means use DefaultMaxSteps.
	MaxSteps int

	// HasTaskCompleted reports whether ToolNames includes "task_completed",
	// which changes the Step Executor's shouldEndTurn formula (spec.md
	// §4.4 step 4). Computed once by Validate rather than scanned per
	// turn.
	HasTaskCompleted bool

	// Handler is the programmatic step handler factory (spec.md §3 "an
	// optional programmatic step handler", §4.5 "template.handleSteps").
	// Nil means this template has no programmatic handler and the Agent
	// Loop runs plain LLM turns.
	Handler HandlerFactory
}

// HandlerFactory builds a fresh coroutine.Handler for one run, closing
// over that run's initial prompt/params the way
// `template.handleSteps(publicAgentState, prompt, params)` does in
// spec.md §4.5.
type HandlerFactory func(promptText string, params json.RawMessage) coroutine.Handler

// QualifiedID returns this template's identity for the compatible-id
// spawn-permission rule.
func (t *Template) QualifiedID() agent.QualifiedID {
	return agent.QualifiedID{Publisher: t.Publisher, ID: string(t.ID), Version: t.Version}
}

// EffectiveMaxSteps returns t.MaxSteps, or DefaultMaxSteps when unset.
func (t *Template) EffectiveMaxSteps() int {
	if t.MaxSteps > 0 {
		return t.MaxSteps
	}
	return DefaultMaxSteps
}

// Validate checks required fields and computes derived flags. Callers
// should call this once after constructing or loading a Template, before
// registering it.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template: id is required")
	}
	if t.Model == "" {
		return fmt.Errorf("template %q: model is required", t.ID)
	}
	if t.ShortName == "" {
		t.ShortName = string(t.ID)
	}
	t.HasTaskCompleted = false
	for _, name := range t.ToolNames {
		if name == "task_completed" {
			t.HasTaskCompleted = true
			break
		}
	}
	return nil
}

// ToolNameSet returns ToolNames as a membership set, for
// dispatch.Dispatcher.AllowedTools.
func (t *Template) ToolNameSet() map[tools.Ident]struct{} {
	out := make(map[tools.Ident]struct{}, len(t.ToolNames))
	for _, n := range t.ToolNames {
		out[n] = struct{}{}
	}
	return out
}

// Resolver looks up a template not present in a Registry's local set
// (spec.md §6 "getAgentTemplate(agentId) → template | null for on-demand
// lookup").
type Resolver func(ctx context.Context, id agent.Ident) (*Template, error)

// Registry holds templates known to this process up front (spec.md §6
// "localAgentTemplates") plus an optional Resolver consulted for anything
// not found locally.
type Registry struct {
	mu       sync.RWMutex
	local    map[agent.Ident]*Template
	resolver Resolver
}

// NewRegistry constructs a Registry seeded with local, with an optional
// fallback resolver (nil disables on-demand lookup).
func NewRegistry(local map[agent.Ident]*Template, resolver Resolver) *Registry {
	r := &Registry{local: make(map[agent.Ident]*Template, len(local)), resolver: resolver}
	for id, tmpl := range local {
		r.local[id] = tmpl
	}
	return r
}

// Register adds or replaces one local template.
func (r *Registry) Register(tmpl *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[tmpl.ID] = tmpl
}

// Resolve returns the template for id: the local set is consulted first,
// then the fallback resolver (spec.md §6).
func (r *Registry) Resolve(ctx context.Context, id agent.Ident) (*Template, error) {
	r.mu.RLock()
	tmpl, ok := r.local[id]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("template: %q not found", id)
	}
	return r.resolver(ctx, id)
}

// document is the YAML shape a Template loads from (SPEC_FULL.md §3
// "Agent Template loading"). Schemas are authored as native YAML
// mappings/sequences rather than embedded JSON strings, then re-encoded
// to json.RawMessage so the same santhosh-tekuri/jsonschema/v6 compiler
// used elsewhere in the runtime can consume them unchanged.
type document struct {
	ID                        string   `yaml:"id"`
	ShortName                 string   `yaml:"shortName"`
	Publisher                 string   `yaml:"publisher"`
	Version                   string   `yaml:"version"`
	Model                     string   `yaml:"model"`
	SystemPrompt              string   `yaml:"systemPrompt"`
	InstructionsPrompt        string   `yaml:"instructionsPrompt"`
	ToolNames                 []string `yaml:"toolNames"`
	InheritParentSystemPrompt bool     `yaml:"inheritParentSystemPrompt"`
	IncludeMessageHistory     bool     `yaml:"includeMessageHistory"`
	MaxSteps                  int      `yaml:"maxSteps"`

	SpawnableAgents []struct {
		Publisher string `yaml:"publisher"`
		ID        string `yaml:"id"`
		Version   string `yaml:"version"`
	} `yaml:"spawnableAgents"`

	PromptSchema any `yaml:"promptSchema"`
	ParamsSchema any `yaml:"paramsSchema"`
	OutputSchema any `yaml:"outputSchema"`
}

// Load parses one Agent Template from YAML and runs Validate on it,
// returning Validate's error when it fails.
func Load(data []byte) (*Template, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("template: parse yaml: %w", err)
	}

	promptSchema, err := schemaJSON(doc.PromptSchema)
	if err != nil {
		return nil, fmt.Errorf("template %q: promptSchema: %w", doc.ID, err)
	}
	paramsSchema, err := schemaJSON(doc.ParamsSchema)
	if err != nil {
		return nil, fmt.Errorf("template %q: paramsSchema: %w", doc.ID, err)
	}
	outputSchema, err := schemaJSON(doc.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("template %q: outputSchema: %w", doc.ID, err)
	}

	toolNames := make([]tools.Ident, len(doc.ToolNames))
	for i, n := range doc.ToolNames {
		toolNames[i] = tools.Ident(n)
	}
	spawnable := make([]agent.QualifiedID, len(doc.SpawnableAgents))
	for i, s := range doc.SpawnableAgents {
		spawnable[i] = agent.QualifiedID{Publisher: s.Publisher, ID: s.ID, Version: s.Version}
	}

	tmpl := &Template{
		ID:                        agent.Ident(doc.ID),
		ShortName:                 doc.ShortName,
		Publisher:                 doc.Publisher,
		Version:                   doc.Version,
		Model:                     doc.Model,
		SystemPrompt:              doc.SystemPrompt,
		InstructionsPrompt:        doc.InstructionsPrompt,
		ToolNames:                 toolNames,
		SpawnableAgents:           spawnable,
		PromptSchema:              promptSchema,
		ParamsSchema:              paramsSchema,
		OutputSchema:              outputSchema,
		InheritParentSystemPrompt: doc.InheritParentSystemPrompt,
		IncludeMessageHistory:     doc.IncludeMessageHistory,
		MaxSteps:                  doc.MaxSteps,
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return tmpl, nil
}

func schemaJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
