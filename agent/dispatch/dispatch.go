// Package dispatch implements the Tool Dispatcher (spec.md §4.2): validates
// and executes a single parsed tool call, routing between native tools, MCP
// (remote) tools, and the agent-as-tool rewrite, while enforcing the
// orphan-call refusal and same-turn sequential ordering guarantees.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/interrupt"
	"github.com/runloom/agentrt/agent/policy"
	"github.com/runloom/agentrt/agent/telemetry"
	"github.com/runloom/agentrt/agent/toolerrors"
	"github.com/runloom/agentrt/agent/tools"
)

// Call is a single parsed tool invocation awaiting dispatch.
type Call struct {
	ToolName   tools.Ident
	Input      json.RawMessage
	ToolCallID string

	// FromProgrammaticHandler marks a call synthesized by the Programmatic
	// Step Handler rather than parsed from the LLM's own output. Such calls
	// bypass the template.toolNames membership check (spec.md §4.2
	// "Validation").
	FromProgrammaticHandler bool
}

// Result is the outcome of one dispatched call.
type Result struct {
	ToolCallID string
	Output     json.RawMessage
	IsError    bool
	ErrorText  string

	// Refused is set when the call was an orphan call: dispatch declines to
	// emit a tool_call/tool_result pair at all (spec.md §4.2 "If the tool is
	// not listed... dispatch refuses... it does not emit a tool_call/
	// tool_result pair").
	Refused bool

	// Cancelled is set when the run's interrupt token was already cancelled
	// at the moment Execute was called (spec.md §5 "before dispatching each
	// tool call"): the call never reached a handler, native or remote, and
	// like Refused no tool_call/tool_result pair is recorded for it.
	Cancelled bool
}

// MCPClient routes a remote tool call to the server keyed by its namespace
// prefix (spec.md §4.2 "Custom / remote (MCP) tools"; SPEC_FULL.md "MCP
// transport"). Implementations wrap a gRPC client per configured server.
type MCPClient interface {
	Call(ctx context.Context, server, tool string, input json.RawMessage) (json.RawMessage, error)
}

// SpawnHandler executes the agent-as-tool rewrite: spawn_agents with a
// single child template. Supplied by agent/runtime, which owns recursion
// depth and credit rollup; dispatch only routes to it.
type SpawnHandler func(ctx context.Context, childTemplate agent.Ident, input json.RawMessage, toolCallID string) (json.RawMessage, error)

// Dispatcher resolves and executes tool calls for one agent run.
type Dispatcher struct {
	registry *tools.Registry
	mcp      MCPClient
	schemas  *tools.SchemaCache
	policy   *policy.Engine
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	// AllowedTools is the active template's static toolNames set, plus any
	// MCP server namespace prefixes it inherits (spec.md §3, §4.2). A nil
	// map means no restriction (used only by tests).
	AllowedTools map[tools.Ident]struct{}

	// SpawnableShortNames maps a spawnable child template's short name to
	// its full Ident, for the agent-as-tool rewrite (spec.md §4.2
	// "Agent-as-tool rewrite").
	SpawnableShortNames map[string]agent.Ident
	Spawn               SpawnHandler

	// previousDone chains same-turn calls so that call N+1 is never invoked
	// before call N's handler has resolved (spec.md §4.2 "Ordering
	// guarantee"). Dispatch is not safe for concurrent use by design: the
	// runtime calls Execute sequentially within a turn.
	previousDone bool
}

// New constructs a Dispatcher.
func New(registry *tools.Registry, mcp MCPClient, schemas *tools.SchemaCache, eng *policy.Engine, logger telemetry.Logger, metrics telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Dispatcher{
		registry:     registry,
		mcp:          mcp,
		schemas:      schemas,
		policy:       eng,
		logger:       logger,
		metrics:      metrics,
		previousDone: true,
	}
}

// Execute validates and runs one tool call, in the order it was requested
// within the current turn. Callers must invoke Execute for same-turn calls
// strictly one at a time, in call order — that sequencing IS the ordering
// guarantee (spec.md §4.2); Execute does not itself synchronize concurrent
// callers. tok may be nil, treated as a token that never cancels; when tok
// is already cancelled, Execute returns immediately without reaching any
// handler (spec.md §5's "before dispatching each tool call" checkpoint).
func (d *Dispatcher) Execute(ctx context.Context, tok interrupt.Token, call Call) Result {
	if !d.previousDone {
		// Programmer error: a caller invoked Execute again before the prior
		// call returned. Surface loudly rather than silently reordering
		// side effects.
		panic("dispatch: Execute called before previous call finished")
	}
	d.previousDone = false
	defer func() { d.previousDone = true }()

	if tok != nil && tok.Cancelled() {
		d.logger.Warn(ctx, "dispatch: tool call skipped, run cancelled", "tool", string(call.ToolName), "tool_call_id", call.ToolCallID)
		return Result{ToolCallID: call.ToolCallID, Cancelled: true}
	}

	if childID, ok := d.resolveAgentAsTool(call.ToolName); ok {
		return d.executeSpawn(ctx, call, childID)
	}

	if !call.FromProgrammaticHandler && !d.isPermitted(call.ToolName) {
		d.logger.Warn(ctx, "dispatch: orphan tool call refused", "tool", string(call.ToolName), "tool_call_id", call.ToolCallID)
		d.metrics.IncCounter("dispatch.orphan_refused", 1, "tool", string(call.ToolName))
		return Result{ToolCallID: call.ToolCallID, Refused: true}
	}

	if server, toolName, isRemote := call.ToolName.MCPServer(); isRemote {
		return d.executeRemote(ctx, call, server, toolName)
	}
	return d.executeNative(ctx, call)
}

func (d *Dispatcher) isPermitted(name tools.Ident) bool {
	if d.AllowedTools == nil {
		return true
	}
	if _, ok := d.AllowedTools[name]; ok {
		return true
	}
	if server, _, isRemote := name.MCPServer(); isRemote {
		_, ok := d.AllowedTools[tools.Ident(server+"/")]
		return ok
	}
	return false
}

func (d *Dispatcher) resolveAgentAsTool(name tools.Ident) (agent.Ident, bool) {
	if d.SpawnableShortNames == nil {
		return "", false
	}
	id, ok := d.SpawnableShortNames[string(name)]
	return id, ok
}

func (d *Dispatcher) executeSpawn(ctx context.Context, call Call, childID agent.Ident) Result {
	if d.Spawn == nil {
		return d.errorResult(call, toolerrors.Errorf(toolerrors.KindValidation, "dispatch: no spawn handler configured for agent-as-tool call %q", call.ToolName))
	}
	out, err := d.Spawn(ctx, childID, call.Input, call.ToolCallID)
	if err != nil {
		return d.errorResult(call, err)
	}
	return Result{ToolCallID: call.ToolCallID, Output: out}
}

func (d *Dispatcher) executeNative(ctx context.Context, call Call) Result {
	spec, handler, ok := d.registry.Lookup(call.ToolName)
	if !ok {
		return d.errorResult(call, toolerrors.Errorf(toolerrors.KindValidation, "unknown native tool %q", call.ToolName))
	}
	if err := d.validate(spec, call.Input); err != nil {
		d.metrics.IncCounter("dispatch.schema_invalid", 1, "tool", string(call.ToolName))
		return d.errorResult(call, err)
	}
	out, err := handler(ctx, call.Input)
	if err != nil {
		return d.errorResult(call, toolerrors.Wrap(toolerrors.KindValidation, "", err))
	}
	return Result{ToolCallID: call.ToolCallID, Output: out}
}

func (d *Dispatcher) executeRemote(ctx context.Context, call Call, server, toolName string) Result {
	if d.mcp == nil {
		return d.errorResult(call, toolerrors.Errorf(toolerrors.KindTransport, "dispatch: no MCP client configured for server %q", server))
	}
	out, err := d.mcp.Call(ctx, server, toolName, call.Input)
	if err != nil {
		return d.errorResult(call, toolerrors.Wrap(toolerrors.KindTransport, "", err))
	}
	return Result{ToolCallID: call.ToolCallID, Output: out}
}

func (d *Dispatcher) validate(spec tools.Spec, input json.RawMessage) error {
	if d.schemas == nil || len(spec.InputSchema) == 0 {
		return nil
	}
	if err := d.schemas.Validate(string(spec.Name), spec.InputSchema, input); err != nil {
		return toolerrors.Wrap(toolerrors.KindValidation, fmt.Sprintf("input for %q failed schema validation", spec.Name), err)
	}
	return nil
}

func (d *Dispatcher) errorResult(call Call, err error) Result {
	return Result{ToolCallID: call.ToolCallID, IsError: true, ErrorText: err.Error()}
}
