package runtime

// spawn.go implements the agent-as-tool recursive spawn (spec.md §4.5
// "Subagent spawning", §4.2 "Agent-as-tool rewrite"): the dispatch.Spawn
// handler a Dispatcher calls when it resolves a tool name against
// SpawnableShortNames.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/dispatch"
	"github.com/runloom/agentrt/agent/interrupt"
	"github.com/runloom/agentrt/agent/policy"
	"github.com/runloom/agentrt/agent/template"
	"github.com/runloom/agentrt/agent/toolerrors"
)

// spawnHandler returns a dispatch.SpawnHandler bound to the spawning
// template/state, implementing recursion-depth enforcement, the
// spawn-permission rule, schema validation of the child's prompt/params,
// and credit rollup once the child run finishes. tok is the parent run's
// cancellation token; the child run shares it, so cancelling the parent
// also stops a subagent already in flight (spec.md §5 "mid-turn
// cancellation", Scenario 6).
func (r *Runtime) spawnHandler(tmpl *template.Template, state *State, tok interrupt.Token) dispatch.SpawnHandler {
	return func(ctx context.Context, childID agent.Ident, input json.RawMessage, toolCallID string) (json.RawMessage, error) {
		if state.Depth()+1 > agent.MaxAgentDepth {
			return nil, toolerrors.Errorf(toolerrors.KindValidation,
				"spawn refused: agent %q is already at max depth %d", state.AgentType, agent.MaxAgentDepth)
		}

		childTmpl, err := r.Templates.Resolve(ctx, childID)
		if err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindValidation, fmt.Sprintf("spawn: resolve template %q", childID), err)
		}

		ok, reason := policy.SpawnDecision(tmpl.ID, tmpl.SpawnableAgents, childTmpl.QualifiedID())
		if !ok {
			return nil, toolerrors.Errorf(toolerrors.KindValidation, "spawn refused: %s", reason)
		}

		prompt, params, err := splitSpawnInput(childTmpl, input)
		if err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindValidation, "spawn: decode input", err)
		}
		if len(childTmpl.PromptSchema) > 0 {
			if verr := r.Schemas.Validate(string(childTmpl.ID)+"#prompt", childTmpl.PromptSchema, []byte(jsonQuoteString(prompt))); verr != nil {
				return nil, toolerrors.Wrap(toolerrors.KindValidation, "spawn: prompt failed schema validation", verr)
			}
		}
		if len(childTmpl.ParamsSchema) > 0 {
			if verr := r.Schemas.Validate(string(childTmpl.ID)+"#params", childTmpl.ParamsSchema, params); verr != nil {
				return nil, toolerrors.Wrap(toolerrors.KindValidation, "spawn: params failed schema validation", verr)
			}
		}

		childIn := Input{
			TemplateID: childID,
			Prompt:     prompt,
			Params:     params,
			SessionID:  state.SessionID,
			TurnID:     state.TurnID,
			parent: &parentLink{
				state:                     state,
				template:                  tmpl,
				toolCallID:                toolCallID,
				inheritParentSystemPrompt: childTmpl.InheritParentSystemPrompt,
				includeMessageHistory:     childTmpl.IncludeMessageHistory,
			},
		}

		var childState *State
		var childOut Output
		future := r.Engine.Go(ctx, func(ctx context.Context) error {
			var runErr error
			childState, childOut, runErr = r.Run(ctx, tok, childIn)
			return runErr
		})
		if err := future.Get(ctx); err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindTransport, "spawn: child run failed", err)
		}

		state.ChildRunIDs = append(state.ChildRunIDs, childState.RunID)
		state.CreditsUsed += childState.CreditsUsed

		if childOut.Type == OutputError {
			return nil, toolerrors.New(toolerrors.KindValidation, childOut.Message)
		}
		return childOut.Result, nil
	}
}

// splitSpawnInput decodes a spawn_agents tool call's combined JSON input
// into the child's prompt text and params payload. A plain JSON string
// becomes the prompt with empty params; an object is expected to carry
// "prompt" and "params" fields.
func splitSpawnInput(childTmpl *template.Template, input json.RawMessage) (prompt string, params json.RawMessage, err error) {
	var asString string
	if jsonUnmarshalString(input, &asString) {
		return asString, nil, nil
	}
	var envelope struct {
		Prompt string          `json:"prompt"`
		Params json.RawMessage `json:"params"`
	}
	if uerr := json.Unmarshal(input, &envelope); uerr != nil {
		return "", nil, fmt.Errorf("spawn input must be a string or {prompt, params} object: %w", uerr)
	}
	return envelope.Prompt, envelope.Params, nil
}

func jsonUnmarshalString(input json.RawMessage, out *string) bool {
	return json.Unmarshal(input, out) == nil
}

func jsonQuoteString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
