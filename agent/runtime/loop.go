package runtime

// loop.go is the Agent Loop itself (spec.md §4.5): Run performs
// initialization, drives the main turn-by-turn loop, and hands off to
// finish.go for termination/error finalization. The split mirrors the
// teacher's workflow_loop.go/workflow_turn.go/workflow_finish.go
// separation of concerns, scaled down to this module's single-process,
// non-durable execution model.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/coroutine"
	"github.com/runloom/agentrt/agent/dispatch"
	"github.com/runloom/agentrt/agent/history"
	"github.com/runloom/agentrt/agent/interrupt"
	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/run"
	"github.com/runloom/agentrt/agent/step"
	"github.com/runloom/agentrt/agent/streamproc"
	"github.com/runloom/agentrt/agent/template"
)

// Run executes one full Agent Loop invocation: resolve the template, start
// a durable run, drive turns until the agent ends its turn (or the step
// budget/cancellation token stops it), and finalize. tok may be nil, which
// is treated as a token that never cancels.
func (r *Runtime) Run(ctx context.Context, tok interrupt.Token, in Input) (*State, Output, error) {
	if tok == nil {
		tok = interrupt.Noop()
	}

	tmpl, err := r.Templates.Resolve(ctx, in.TemplateID)
	if err != nil {
		return nil, Output{}, clientErrWrap("resolve template", err)
	}

	// Cancellation point 1: before starting the run at all (spec.md §5
	// "four points"). No storage contact happens on this path.
	if tok.Cancelled() {
		return &State{AgentType: tmpl.ID, AgentContext: map[string]any{}},
			Output{Type: OutputError, Message: "Run cancelled by user"}, nil
	}

	state, err := r.startRun(ctx, tmpl, in)
	if err != nil {
		return nil, Output{}, clientErrWrap("start run", err)
	}

	if in.parent != nil {
		if pubErr := r.Hooks.PublishSubagentStart(ctx, in.parent.state.RunID, state.RunID, string(state.AgentID), in.parent.toolCallID); pubErr != nil {
			r.Logger.Warn(ctx, "runtime: publish subagent_start failed", "error", pubErr.Error())
		}
		defer func() {
			if pubErr := r.Hooks.PublishSubagentFinish(ctx, in.parent.state.RunID, state.RunID); pubErr != nil {
				r.Logger.Warn(ctx, "runtime: publish subagent_finish failed", "error", pubErr.Error())
			}
		}()
	}

	system, toolDefs, hasTaskDone := r.initSystemAndTools(tmpl, in)
	r.seedInitialHistory(state, tmpl, in)

	client, err := r.ClientFor(r.modelName(tmpl))
	if err != nil {
		return r.finalizeError(ctx, tmpl, state, tok, clientErrWrap("resolve model client", err))
	}

	dispatcher := r.newDispatcher(tmpl, state, tok)
	sink := r.Hooks.ForRun(state.RunID)

	var handler coroutine.Handler
	if tmpl.Handler != nil {
		handler = tmpl.Handler(in.Prompt, in.Params)
	}

	handlerErrMsg, err := r.mainLoop(ctx, tok, tmpl, state, system, toolDefs, hasTaskDone, client, dispatcher, sink, handler, in.Prompt)
	if err != nil {
		return r.finalizeError(ctx, tmpl, state, tok, err)
	}

	out := Output{Type: OutputSuccess, Result: state.Output}
	if handlerErrMsg != "" {
		out = Output{Type: OutputError, Message: handlerErrMsg}
	}
	r.finalizeTerminal(ctx, state, tok)
	r.Coroutines.Destroy(state.RunID)
	return state, out, nil
}

// startRun resolves lineage from in.parent (if any), starts the durable run
// record, and constructs a fresh State (spec.md §4.5 "Initialization" steps
// 3 and 6; §4.5 "Subagent spawning" step 2 for the ancestry math).
func (r *Runtime) startRun(ctx context.Context, tmpl *template.Template, in Input) (*State, error) {
	var ancestors []string
	var parentID string
	if in.parent != nil {
		ancestors = append(append([]string{}, in.parent.state.AncestorRunIDs...), in.parent.state.RunID)
		parentID = in.parent.state.RunID
	}

	runID, err := r.Runs.StartAgentRun(ctx, run.StartInput{
		AgentID:        tmpl.ID,
		AncestorRunIDs: ancestors,
		SessionID:      in.SessionID,
		TurnID:         in.TurnID,
		Labels:         in.Labels,
	})
	if err != nil {
		return nil, err
	}

	return &State{
		AgentID:        agent.Ident(uuid.NewString()),
		AgentType:      tmpl.ID,
		RunID:          runID,
		ParentID:       parentID,
		SessionID:      in.SessionID,
		TurnID:         in.TurnID,
		AncestorRunIDs: ancestors,
		History:        history.New(nil),
		StepsRemaining: tmpl.EffectiveMaxSteps(),
		AgentContext:   map[string]any{},
	}, nil
}

// initSystemAndTools assembles the system prompt and tool bundle for this
// run, or inherits the parent's under InheritParentSystemPrompt (spec.md
// §4.5 "assemble system prompt (or inherit parent's...)" / "assemble tool
// bundle (or inherit under same flag)").
func (r *Runtime) initSystemAndTools(tmpl *template.Template, in Input) (string, []model.ToolDefinition, bool) {
	if in.parent != nil && tmpl.InheritParentSystemPrompt {
		defs, hasTaskDone := r.assembleToolDefs(in.parent.template)
		return in.parent.template.SystemPrompt, defs, hasTaskDone
	}
	defs, hasTaskDone := r.assembleToolDefs(tmpl)
	return tmpl.SystemPrompt, defs, hasTaskDone
}

// seedInitialHistory builds the run's starting message history (spec.md
// §4.5 "construct initial message history").
func (r *Runtime) seedInitialHistory(state *State, tmpl *template.Template, in Input) {
	existing := in.ExistingMessages
	if in.parent != nil && in.parent.includeMessageHistory {
		existing = history.FilterUnfinishedToolCalls(in.parent.state.History.Messages())
	}
	for _, m := range existing {
		state.History.Append(m)
	}
	if in.parent != nil {
		state.ContextTokenCount = in.parent.state.ContextTokenCount
		if in.parent.includeMessageHistory {
			state.History.Append(model.Message{
				Role: model.RoleUser,
				Text: fmt.Sprintf("Spawned as subagent %q via tool call %s.", tmpl.ID, in.parent.toolCallID),
				Tags: map[string]struct{}{TagSubagentSpawn: {}},
				TTL:  model.TTLUserPrompt,
			})
		}
	}

	text := in.Prompt
	if len(in.Params) > 0 && string(in.Params) != "null" {
		text = fmt.Sprintf("%s\n\nParameters: %s", in.Prompt, string(in.Params))
	}
	state.History.Append(model.Message{
		Role:                 model.RoleUser,
		Text:                 text,
		Tags:                 map[string]struct{}{TagUserPrompt: {}},
		KeepDuringTruncation: true,
	})

	if tmpl.InstructionsPrompt != "" {
		state.History.Append(model.Message{
			Role: model.RoleUser,
			Text: tmpl.InstructionsPrompt,
			Tags: map[string]struct{}{TagInstructionsPrompt: {}},
			TTL:  model.TTLUserPrompt,
		})
	}
}

// mainLoop drives turns until the agent ends its turn, cancellation fires,
// or a fatal error occurs (spec.md §4.5 "Main loop"). It returns a non-empty
// handlerErrMsg when a programmatic step handler failed (spec.md §7 kind 3:
// ends the run normally with output.error set, not the fatal error path),
// and a non-nil error only for fatal transport/storage failures (kind 4).
func (r *Runtime) mainLoop(
	ctx context.Context,
	tok interrupt.Token,
	tmpl *template.Template,
	state *State,
	system string,
	toolDefs []model.ToolDefinition,
	hasTaskDone bool,
	client model.Client,
	dispatcher *dispatch.Dispatcher,
	sink streamproc.Sink,
	handler coroutine.Handler,
	promptText string,
) (string, error) {
	var (
		shouldEndTurn       bool
		lastToolResult      json.RawMessage
		stepsComplete       bool
		nResponses          []string
		retriedOutputSchema bool
		firstIteration      = true
	)

	for {
		// Cancellation point 2: top of every loop iteration.
		if tok.Cancelled() {
			break
		}

		count, err := client.CountTokens(ctx, model.Request{System: system, Messages: state.History.Messages(), Model: r.modelName(tmpl), Tools: toolDefs})
		if err != nil {
			count = estimateTokens(system, state.History.Messages())
		}
		state.ContextTokenCount = count

		stepPromptOverride := ""
		stepN := 0

		if handler != nil && !(r.Coroutines.IsStepAll(state.RunID) && !stepsComplete) {
			resume := coroutine.Resume{
				PublicAgentState: state.Public(),
				ToolResult:       lastToolResult,
				StepsComplete:    stepsComplete,
				NResponses:       nResponses,
			}
			lastToolResult, stepsComplete, nResponses = nil, false, nil

			plan, perr := r.runProgrammaticTurn(ctx, tok, state, dispatcher, handler, resume)
			if perr != nil {
				return r.recordHandlerFailure(ctx, state, perr), nil
			}
			shouldEndTurn = plan.endTurn
			if plan.handled {
				lastToolResult = plan.toolResult
				if shouldEndTurn {
					break
				}
				continue
			}
			stepPromptOverride = plan.stepPromptText
			stepN = plan.n
		}

		// Output-schema enforcement: one-shot retry, ever (spec.md §4.5
		// "Main loop" step 4).
		if shouldEndTurn && len(tmpl.OutputSchema) > 0 && len(state.Output) == 0 && !retriedOutputSchema {
			retriedOutputSchema = true
			shouldEndTurn = false
			state.History.Append(model.Message{
				Role:                 model.RoleUser,
				Text:                 "Before finishing, call set_output with a payload matching the required output schema.",
				Tags:                 map[string]struct{}{TagOutputSchemaRetry: {}},
				TTL:                  model.TTLUserPrompt,
				KeepDuringTruncation: true,
			})
		}

		if shouldEndTurn {
			break
		}

		stepPrompt := stepPromptOverride
		if stepPrompt == "" {
			stepPrompt = renderStepPrompt(tmpl, state)
		}
		userPromptText := ""
		if firstIteration {
			userPromptText = promptText
		}
		firstIteration = false

		childrenBefore := len(state.ChildRunIDs)
		stepStart := time.Now()
		stepOut, err := step.Run(ctx, step.Input{
			Client:         client,
			Store:          state.History,
			Dispatcher:     dispatcher,
			Sink:           sink,
			Interrupt:      tok,
			System:         system,
			ModelName:      r.modelName(tmpl),
			ToolDefs:       toolDefs,
			HasTaskDone:    hasTaskDone,
			StepPromptText: stepPrompt,
			UserPromptText: userPromptText,
			N:              stepN,
			StepsRemaining: state.StepsRemaining,
		})
		if err != nil {
			return "", err
		}

		state.stepCount++
		state.StepsRemaining = stepOut.StepsRemaining
		state.DirectCreditsUsed += stepOut.Usage.Credits
		state.CreditsUsed += stepOut.Usage.Credits
		shouldEndTurn = stepOut.EndTurn

		childIDs := append([]string{}, state.ChildRunIDs[childrenBefore:]...)
		if err := r.Runs.AddAgentStep(ctx, run.Step{
			AgentRunID:  state.RunID,
			StepNumber:  state.stepCount,
			Credits:     stepOut.Usage.Credits,
			ChildRunIDs: childIDs,
			MessageID:   stepOut.MessageID,
			Status:      run.StepCompleted,
			StartTime:   stepStart,
		}); err != nil {
			return "", err
		}

		switch {
		case stepN > 1:
			nResponses = stepOut.NResponses
			stepsComplete = true
		case r.Coroutines.IsStepAll(state.RunID):
			if stepOut.EndTurn {
				stepsComplete = true
				r.Coroutines.SetStepAll(state.RunID, false)
				shouldEndTurn = false
			}
		default:
			// A plain YIELD_STEP resumption: the one requested step just
			// ran, so the handler's next resumption reports it complete
			// (spec.md §4.5 "On each resumption it is passed... whether the
			// requested step(s) are complete").
			stepsComplete = true
		}
	}
	return "", nil
}

// recordHandlerFailure implements spec.md §7 kind 3: a programmatic step
// handler error surfaces as an assistant-visible message and a skipped
// step, and ends the run with output.error set (the caller treats a
// non-empty return value as that message, not as a fatal error).
func (r *Runtime) recordHandlerFailure(ctx context.Context, state *State, handlerErr error) string {
	state.History.Append(model.Message{
		Role: model.RoleAssistant,
		Text: fmt.Sprintf("programmatic step handler failed: %s", handlerErr.Error()),
		Tags: map[string]struct{}{"HANDLER_ERROR": {}},
	})
	state.stepCount++
	if err := r.Runs.AddAgentStep(ctx, run.Step{
		AgentRunID:   state.RunID,
		StepNumber:   state.stepCount,
		Status:       run.StepSkipped,
		StartTime:    time.Now(),
		ErrorMessage: handlerErr.Error(),
	}); err != nil {
		r.Logger.Error(ctx, "runtime: record handler failure step failed", "run_id", state.RunID, "error", err.Error())
	}
	return handlerErr.Error()
}

// renderStepPrompt builds the per-turn step prompt text (spec.md §4.4 step
// 2 "rendered by the caller... from the agent template, current state, and
// file/project context"). This module has no file/project context source,
// so it renders from the template and state alone.
func renderStepPrompt(tmpl *template.Template, state *State) string {
	return fmt.Sprintf("Continue working on the user's request as %s. Steps remaining: %d.", tmpl.ShortName, state.StepsRemaining)
}
