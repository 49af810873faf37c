// Package runtime implements the Agent Loop (spec.md §4.5): the top-level
// orchestration that resolves an Agent Template, starts a durable run,
// drives the Step Executor turn by turn (optionally through a programmatic
// step handler), dispatches recursive subagent spawns, and finalizes the
// run's terminal status. It is the one package that wires together every
// other component package in this module.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/coroutine"
	"github.com/runloom/agentrt/agent/dispatch"
	"github.com/runloom/agentrt/agent/hooks"
	"github.com/runloom/agentrt/agent/interrupt"
	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/policy"
	"github.com/runloom/agentrt/agent/run"
	"github.com/runloom/agentrt/agent/runtime/engine"
	"github.com/runloom/agentrt/agent/telemetry"
	"github.com/runloom/agentrt/agent/template"
	"github.com/runloom/agentrt/agent/tools"
)

// Message tags the Agent Loop itself attaches to messages it assembles
// (spec.md §3 Message "tags"; §4.5 steps 5-6).
const (
	TagUserPrompt        = "USER_PROMPT"
	TagInstructionsPrompt = "INSTRUCTIONS_PROMPT"
	TagSubagentSpawn     = "SUBAGENT_SPAWN"
	TagOutputSchemaRetry = "OUTPUT_SCHEMA_RETRY"
)

// OutputType discriminates the two shapes an Output can take (spec.md §4.5
// "Termination" / "Error path").
type OutputType string

const (
	OutputSuccess OutputType = "success"
	OutputError   OutputType = "error"
)

// Output is the value returned alongside a terminal State (spec.md §3
// "output", §4.5 "Termination"/"Error path").
type Output struct {
	Type OutputType

	// Result carries the structured payload set via set_output, populated
	// only when Type == OutputSuccess and the template declares an output
	// schema.
	Result json.RawMessage

	// Message and StatusCode are populated only when Type == OutputError.
	Message    string
	StatusCode int
}

// Input is the caller-supplied request for one top-level Agent Loop
// invocation (spec.md §4.5 "Initialization"). Recursive subagent spawns
// build their own Input internally (agent/runtime/spawn.go); callers never
// populate the unexported parent field themselves.
type Input struct {
	TemplateID agent.Ident
	Prompt     string
	Params     json.RawMessage

	// ExistingMessages seeds message history for a resumed run (spec.md
	// §4.5 step 6 "existing + ..."). Empty for a fresh run.
	ExistingMessages []model.Message

	SessionID string
	TurnID    string
	Labels    map[string]string

	parent *parentLink
}

// parentLink carries the information only a recursive spawn supplies:
// which parent state/template/tool-call this child run was spawned under,
// and whether it should inherit the parent's system prompt/tool bundle and
// message history (spec.md §4.5 "Subagent spawning").
type parentLink struct {
	state                     *State
	template                  *template.Template
	toolCallID                string
	inheritParentSystemPrompt bool
	includeMessageHistory     bool
}

// Runtime wires every component package together to drive Agent Loop
// invocations. Every field is required except where noted; New fills in
// safe defaults for the optional ones.
type Runtime struct {
	// Templates resolves Agent Templates by id (spec.md §6 "Template
	// registry").
	Templates *template.Registry

	// Tools is the static native-tool registry shared by every run's
	// Dispatcher.
	Tools *tools.Registry

	// Schemas compiles and validates JSON Schema documents, shared by tool
	// dispatch, template input validation, and output-schema enforcement.
	Schemas *tools.SchemaCache

	// Policy filters candidate tool calls beyond a template's static
	// toolNames set. Optional; nil disables extra filtering.
	Policy *policy.Engine

	// MCP routes remote tool calls. Optional; nil disables MCP tools.
	MCP dispatch.MCPClient

	// Runs persists run/step lifecycle records (spec.md §6 "Storage / run
	// lifecycle").
	Runs run.Store

	// Coroutines is the process-wide Generator Registry for programmatic
	// step handlers (spec.md §3).
	Coroutines *coroutine.Registry

	// Hooks fans out response-sink events (spec.md §6 "Response sink").
	Hooks *hooks.Bus

	// Engine is the suspension-point seam used for recursive subagent
	// invocations (SPEC_FULL.md §5 "Engine abstraction").
	Engine engine.Engine

	// ClientFor resolves the model.Client transport for a template's named
	// model (spec.md §6 "LLM transport").
	ClientFor func(modelName string) (model.Client, error)

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// New constructs a Runtime, defaulting optional fields. Templates, Tools,
// Runs, and ClientFor are required; New panics if any is nil, since a
// Runtime cannot do anything useful without them.
func New(
	templates *template.Registry,
	toolRegistry *tools.Registry,
	runs run.Store,
	clientFor func(modelName string) (model.Client, error),
) *Runtime {
	if templates == nil || toolRegistry == nil || runs == nil || clientFor == nil {
		panic("runtime: Templates, Tools, Runs, and ClientFor are required")
	}
	return &Runtime{
		Templates:  templates,
		Tools:      toolRegistry,
		Schemas:    tools.NewSchemaCache(),
		Runs:       runs,
		Coroutines: coroutine.NewRegistry(),
		Hooks:      hooks.New(),
		Engine:     engine.New(),
		ClientFor:  clientFor,
		Logger:     telemetry.NopLogger{},
		Metrics:    telemetry.NopMetrics{},
	}
}

func (r *Runtime) modelName(tmpl *template.Template) string { return tmpl.Model }

// newDispatcher builds the per-run Dispatcher, scoped to tmpl's permitted
// tools and wired with this run's spawn handler (spec.md §4.2). tok is the
// run's cancellation token, threaded into the spawn handler so a cancelled
// parent run cannot start (or continue) a child that can never observe it.
func (r *Runtime) newDispatcher(tmpl *template.Template, state *State, tok interrupt.Token) *dispatch.Dispatcher {
	d := dispatch.New(r.toolRegistryFor(state), r.MCP, r.Schemas, r.Policy, r.Logger, r.Metrics)
	d.AllowedTools = make(map[tools.Ident]struct{}, len(tmpl.ToolNames))
	for _, name := range tmpl.ToolNames {
		d.AllowedTools[name] = struct{}{}
	}
	if len(tmpl.SpawnableAgents) > 0 {
		d.SpawnableShortNames = make(map[string]agent.Ident, len(tmpl.SpawnableAgents))
		for _, qid := range tmpl.SpawnableAgents {
			d.SpawnableShortNames[qid.ID] = agent.Ident(qid.ID)
		}
	}
	d.Spawn = r.spawnHandler(tmpl, state, tok)
	return d
}

// toolRegistryFor returns a per-run native tool registry: every tool known
// to r.Tools, plus the two tools the Agent Loop itself owns the semantics
// of and so cannot leave to a caller-supplied registry (spec.md §3 "output:
// ... produced by the set_output tool"; §4.4 step 4 "task_completed"). Both
// are skipped if a caller already registered a tool under that name.
func (r *Runtime) toolRegistryFor(state *State) *tools.Registry {
	reg := tools.NewRegistry()
	for _, spec := range r.Tools.Specs() {
		_, handler, _ := r.Tools.Lookup(spec.Name)
		reg.Register(spec, handler)
	}
	if _, _, ok := reg.Lookup("set_output"); !ok {
		reg.Register(tools.Spec{
			Name:        "set_output",
			Description: "Set this agent run's final structured output payload.",
		}, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			state.Output = append(json.RawMessage(nil), input...)
			return json.RawMessage(`{"accepted":true}`), nil
		})
	}
	if _, _, ok := reg.Lookup("task_completed"); !ok {
		reg.Register(tools.Spec{
			Name:        "task_completed",
			Description: "Signal that the agent has finished its turn.",
		}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		})
	}
	return reg
}

// assembleToolDefs builds the serializable tool-definition view sent to the
// model, for tmpl's permitted tools (spec.md §4.5 "assemble tool bundle").
func (r *Runtime) assembleToolDefs(tmpl *template.Template) ([]model.ToolDefinition, bool) {
	defs := make([]model.ToolDefinition, 0, len(tmpl.ToolNames))
	hasTaskDone := false
	for _, name := range tmpl.ToolNames {
		if name == "task_completed" {
			hasTaskDone = true
		}
		spec, _, ok := r.Tools.Lookup(name)
		if !ok {
			// Spawnable agent-as-tool entries and MCP-namespaced tools are
			// not in the native registry; fall back to a bare definition
			// carrying just the name so the model can still see it.
			defs = append(defs, model.ToolDefinition{Name: name})
			continue
		}
		defs = append(defs, model.ToolDefinition{Name: spec.Name, Description: spec.Description, InputSchema: spec.InputSchema})
	}
	return defs, hasTaskDone
}

// estimateTokens is the local fallback token-count estimate (spec.md §4.5
// "fallback to local JSON-serialization estimate on failure"): a rough
// 4-bytes-per-token heuristic over the serialized system prompt and
// history, used only when the model transport's CountTokens call fails.
func estimateTokens(system string, messages []model.Message) int {
	size := len(system)
	for _, m := range messages {
		if m.HasParts() {
			b, _ := json.Marshal(m.Parts)
			size += len(b)
			continue
		}
		size += len(m.Text)
	}
	const bytesPerToken = 4
	return (size + bytesPerToken - 1) / bytesPerToken
}

func clientErrWrap(op string, err error) error {
	return fmt.Errorf("runtime: %s: %w", op, err)
}
