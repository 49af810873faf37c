package runtime

// finish.go implements the Agent Loop's two termination paths (spec.md
// §4.5 "Termination" / "Error path", §7 error classification): normal
// completion and fatal transport/storage failure, including the HTTP 402
// rethrow exception.

import (
	"context"
	"errors"

	"github.com/runloom/agentrt/agent/history"
	"github.com/runloom/agentrt/agent/interrupt"
	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/run"
	"github.com/runloom/agentrt/agent/template"
	"github.com/runloom/agentrt/agent/toolerrors"
)

// finalizeTerminal records the run's completed/cancelled terminal status
// and clears any USER_PROMPT-tagged messages left over from the final turn
// (spec.md §4.5 "Termination": "clear messages tagged USER_PROMPT once a
// response has been produced").
func (r *Runtime) finalizeTerminal(ctx context.Context, state *State, tok interrupt.Token) {
	state.History.Expire(history.EndOfUserPrompt)

	status := run.StatusCompleted
	if tok.Cancelled() {
		status = run.StatusCancelled
	}
	r.finishRun(ctx, state, status, "")
}

// finalizeError handles a fatal transport/storage failure (spec.md §7 kind
// 4): the run is marked failed (or cancelled, if cancellation raced the
// failure), the run's coroutine is torn down, and HTTP 402 responses are
// rethrown rather than converted into an Output.
func (r *Runtime) finalizeError(ctx context.Context, tmpl *template.Template, state *State, tok interrupt.Token, fatalErr error) (*State, Output, error) {
	r.Logger.Error(ctx, "runtime: run failed", "run_id", state.RunID, "agent_type", string(tmpl.ID), "error", fatalErr.Error())

	status := run.StatusFailed
	if tok.Cancelled() {
		status = run.StatusCancelled
	}
	r.finishRun(ctx, state, status, fatalErr.Error())
	r.Coroutines.Destroy(state.RunID)

	if code := statusCodeOf(fatalErr); code == 402 {
		return state, Output{}, fatalErr
	}

	return state, Output{Type: OutputError, Message: fatalErr.Error(), StatusCode: statusCodeOf(fatalErr)}, nil
}

// finishRun records the run's final ledger totals. It is a no-op when
// state.RunID is empty, which only happens on the cancelled-before-start
// path that never contacted storage in the first place.
func (r *Runtime) finishRun(ctx context.Context, state *State, status run.Status, errMessage string) {
	if state.RunID == "" {
		return
	}
	if err := r.Runs.FinishAgentRun(ctx, run.FinishInput{
		RunID:         state.RunID,
		Status:        status,
		TotalSteps:    state.stepCount,
		DirectCredits: state.DirectCreditsUsed,
		TotalCredits:  state.CreditsUsed,
		ErrorMessage:  errMessage,
	}); err != nil {
		r.Logger.Error(ctx, "runtime: finish run failed", "run_id", state.RunID, "error", err.Error())
	}
}

// statusCodeOf extracts an HTTP status code from err regardless of whether
// it originated from a model.ProviderError (LLM transport) or a
// toolerrors.Error (storage/tool-layer wrap), since both can end up on the
// mainLoop's fatal-error path.
func statusCodeOf(err error) int {
	if code := model.StatusCodeOf(err); code != 0 {
		return code
	}
	var te *toolerrors.Error
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}
