package runtime

// turn.go translates one resumption of a template's programmatic step
// handler into a plan the main loop can act on (spec.md §4.5 "Programmatic
// turn"). The handler itself runs as a coroutine.Coroutine; this file only
// owns the yield -> action mapping.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runloom/agentrt/agent/coroutine"
	"github.com/runloom/agentrt/agent/dispatch"
	"github.com/runloom/agentrt/agent/interrupt"
	"github.com/runloom/agentrt/agent/model"
)

// turnPlan is what one programmatic-turn resumption tells the main loop to
// do this iteration.
type turnPlan struct {
	// endTurn is set when the coroutine is done, or explicitly requests
	// end-of-turn.
	endTurn bool

	// handled is true when the yield was fully resolved without the loop
	// needing to run the Step Executor this iteration (YIELD_TOOL_CALL):
	// the loop should feed toolResult back into the next resumption and
	// continue without calling step.Run.
	handled    bool
	toolResult json.RawMessage

	// stepPromptText overrides the default rendered step prompt
	// (YIELD_STEP_TEXT). Empty means use the default.
	stepPromptText string

	// n requests N alternative completions (YIELD_GENERATE_N). Zero means
	// a normal single-response step.
	n int
}

// runProgrammaticTurn resumes (starting it on first use) the Generator
// Registry's coroutine for state.RunID and maps its yield to a turnPlan.
func (r *Runtime) runProgrammaticTurn(
	ctx context.Context,
	tok interrupt.Token,
	state *State,
	dispatcher *dispatch.Dispatcher,
	handler coroutine.Handler,
	resume coroutine.Resume,
) (turnPlan, error) {
	co := r.Coroutines.GetOrStart(ctx, state.RunID, handler)
	yield, ok, err := co.Resume(resume)
	if err != nil {
		return turnPlan{}, err
	}
	if !ok {
		// Coroutine finished (spec.md §4.5 "On done from the coroutine,
		// set endTurn = true").
		return turnPlan{endTurn: true}, nil
	}

	switch yield.Kind {
	case coroutine.YieldStep:
		return turnPlan{}, nil

	case coroutine.YieldStepAll:
		r.Coroutines.SetStepAll(state.RunID, true)
		return turnPlan{}, nil

	case coroutine.YieldStepText:
		return turnPlan{stepPromptText: yield.StepText}, nil

	case coroutine.YieldGenerateN:
		n := yield.N
		if n < 1 {
			n = 1
		}
		return turnPlan{n: n}, nil

	case coroutine.YieldToolCall:
		return r.runProgrammaticToolCall(ctx, tok, state, dispatcher, yield), nil

	default:
		return turnPlan{}, nil
	}
}

// runProgrammaticToolCall executes a YIELD_TOOL_CALL: the handler requests
// one tool call be dispatched as if the agent itself had issued it (spec.md
// §4.5 "the handler requests one tool call be executed as if the agent had
// issued it"). IncludeToolCall controls whether the synthetic call is also
// recorded visibly in history.
func (r *Runtime) runProgrammaticToolCall(ctx context.Context, tok interrupt.Token, state *State, dispatcher *dispatch.Dispatcher, yield coroutine.Yield) turnPlan {
	toolCallID := fmt.Sprintf("handler-%s-%d", state.RunID, state.History.Len())
	res := dispatcher.Execute(ctx, tok, dispatch.Call{
		ToolName:                yield.ToolName,
		Input:                   yield.Input,
		ToolCallID:              toolCallID,
		FromProgrammaticHandler: true,
	})

	if yield.IncludeToolCall && !res.Refused && !res.Cancelled {
		state.History.Append(model.Message{
			Role: model.RoleAssistant,
			Parts: []model.Part{model.ToolCallPart{
				ToolCallID: toolCallID,
				ToolName:   yield.ToolName,
				Input:      yield.Input,
			}},
		})
		content := []model.Part{model.TextPart{Text: string(res.Output)}}
		if res.IsError {
			content = []model.Part{model.TextPart{Text: res.ErrorText}}
		}
		state.History.Append(model.Message{
			Role:       model.RoleTool,
			ToolCallID: toolCallID,
			ToolName:   yield.ToolName,
			Parts:      []model.Part{model.ToolResultPart{ToolCallID: toolCallID, Content: content, IsError: res.IsError}},
		})
	}

	output := res.Output
	if res.IsError {
		output, _ = json.Marshal(map[string]string{"error": res.ErrorText})
	}
	return turnPlan{handled: true, toolResult: output}
}
