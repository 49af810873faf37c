// Package step implements the Step Executor (spec.md §4.4): runs a single
// LLM turn, from step-prompt assembly through the Stream Processor to the
// shouldEndTurn decision, against one agent's Message Store.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/runloom/agentrt/agent/dispatch"
	"github.com/runloom/agentrt/agent/history"
	"github.com/runloom/agentrt/agent/interrupt"
	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/streamproc"
	"github.com/runloom/agentrt/agent/tools"
)

// Tag constants for system-authored messages (spec.md §4.4 steps 1 and 4).
const (
	TagSystem        = "SYSTEM"
	TagTaskCompleted = "task_completed"
	TagEndTurn       = "end_turn"
)

// Input carries the per-turn parameters supplied by the Agent Loop (spec.md
// §4.4 "Inputs").
type Input struct {
	Client     model.Client
	Store      *history.Store
	Dispatcher *dispatch.Dispatcher
	Sink       streamproc.Sink

	// Interrupt is the run's cancellation token (spec.md §5). Nil is
	// treated as a token that never cancels.
	Interrupt interrupt.Token

	System      string
	ModelName   string
	ToolDefs    []model.ToolDefinition
	HasTaskDone bool // template lists task_completed among its tools

	// StepPromptText is rendered by the caller (templated from the agent
	// template, current state, file/project context; spec.md §4.4 step 2).
	StepPromptText string

	// UserPromptText is the literal text of this turn's user prompt, used
	// only to detect the "/compact" command (spec.md §4.4 step 4). Empty on
	// turns that do not start from a fresh user prompt.
	UserPromptText string

	// N requests N alternative completions instead of a normal turn (spec.md
	// §4.4 step 3). Zero or one means a normal turn.
	N int

	StepsRemaining int
}

// Output is the result of one turn (spec.md §4.4).
type Output struct {
	EndTurn       bool
	NResponses    []string
	HadToolError  bool
	MessageID     string
	AssistantText string

	// StepsRemaining is in.StepsRemaining decremented by this turn (spec.md
	// §4.4 step 5); callers store it back into agentState. It is NOT
	// decremented on the force-terminate path (step 1 already returns with
	// the budget exhausted).
	StepsRemaining int

	// Usage reports the credits/tokens this turn consumed, for the Agent
	// Loop's credit rollup (spec.md §4.5 "Credit rollup"). Zero on the
	// force-terminate and N>1 paths unless the provider populated it.
	Usage model.TokenUsage
}

// Run executes one turn per spec.md §4.4's numbered sequence.
func Run(ctx context.Context, in Input) (Output, error) {
	if in.StepsRemaining <= 0 {
		in.Store.Expire(history.EndOfUserPrompt)
		in.Store.Append(model.Message{
			Role: model.RoleUser,
			Text: "Turn force-terminated: step budget exhausted.",
			Tags: map[string]struct{}{TagSystem: {}},
			TTL:  model.TTLAgentStep,
		})
		return Output{EndTurn: true, StepsRemaining: in.StepsRemaining}, nil
	}

	in.Store.Append(model.Message{
		Role:                 model.RoleUser,
		Text:                 in.StepPromptText,
		TTL:                  model.TTLAgentStep,
		KeepDuringTruncation: true,
	})

	req := model.Request{
		System:   in.System,
		Messages: in.Store.Messages(),
		Model:    in.ModelName,
		Tools:    in.ToolDefs,
	}

	if in.N > 1 {
		req.N = in.N
		resp, err := in.Client.Prompt(ctx, req)
		if err != nil {
			return Output{}, fmt.Errorf("step: N>1 prompt: %w", err)
		}
		responses := resp.NResponses
		if len(responses) == 0 {
			var arr []string
			if json.Unmarshal([]byte(resp.Text), &arr) == nil && len(arr) > 0 {
				responses = arr
			} else {
				responses = []string{resp.Text}
			}
		}
		return Output{EndTurn: false, NResponses: responses, StepsRemaining: in.StepsRemaining - 1, Usage: resp.Usage}, nil
	}

	streamer, err := in.Client.PromptStream(ctx, req)
	if err != nil {
		return Output{}, fmt.Errorf("step: prompt stream: %w", err)
	}
	result, err := streamproc.Process(ctx, streamer, streamproc.Options{
		Store:      in.Store,
		Dispatcher: in.Dispatcher,
		Sink:       in.Sink,
		Interrupt:  in.Interrupt,
	})
	if err != nil {
		return Output{}, fmt.Errorf("step: process stream: %w", err)
	}

	in.Store.Expire(history.EndOfAgentStep)

	if isCompactCommand(in.UserPromptText) {
		in.Store.Replace(model.Message{
			Role: model.RoleUser,
			Text: result.AssistantText,
			Tags: map[string]struct{}{TagSystem: {}},
		})
	}

	shouldEndTurn := computeShouldEndTurn(result.ToolCalls, in.HasTaskDone)

	return Output{
		EndTurn:        shouldEndTurn,
		HadToolError:   result.HadToolCallError,
		MessageID:      result.MessageID,
		AssistantText:  result.AssistantText,
		StepsRemaining: in.StepsRemaining - 1,
		Usage:          result.Usage,
	}, nil
}

func isCompactCommand(userPrompt string) bool {
	t := strings.TrimSpace(strings.ToLower(userPrompt))
	return t == "/compact" || t == "compact"
}

// computeShouldEndTurn implements spec.md §4.4 step 4's shouldEndTurn rule.
func computeShouldEndTurn(calls []streamproc.ToolCallDescriptor, templateHasTaskCompleted bool) bool {
	hasExplicitEnd := false
	hasNoWork := true
	anyError := false
	for _, c := range calls {
		if c.ToolName == TagTaskCompleted || c.ToolName == TagEndTurn {
			hasExplicitEnd = true
		}
		if c.IsError {
			anyError = true
		}
		if !tools.IsSoft(c.ToolName) {
			hasNoWork = false
		}
	}
	if anyError {
		hasNoWork = false
	}
	if templateHasTaskCompleted {
		return hasExplicitEnd
	}
	return hasExplicitEnd || hasNoWork
}
