package runtime

import (
	"encoding/json"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/history"
)

// State is the Agent State (spec.md §3): the full mutable record of one
// Agent Loop invocation, from its identity and lineage through its live
// message history, remaining budget, and rolled-up credits.
type State struct {
	// AgentID is a locally unique identifier for this run's agent
	// instance, distinct from RunID: two runs of the same agent instance
	// (e.g. a resumed run) share an AgentID but not a RunID.
	AgentID agent.Ident

	// AgentType is the template id this state was created from.
	AgentType agent.Ident

	RunID    string
	ParentID string // empty for top-level runs

	// SessionID/TurnID group this run into its conversation thread
	// (mirrors agent/run.Context, which this state's lineage is recorded
	// under).
	SessionID string
	TurnID    string

	// AncestorRunIDs lists every run between the top-level run and this
	// one, outermost first. len(AncestorRunIDs) is the recursion depth
	// bounded by agent.MaxAgentDepth (spec.md §9 "Recursive spawn").
	AncestorRunIDs []string

	// History is this run's Message Store.
	History *history.Store

	// StepsRemaining decrements once per LLM turn; it never goes negative.
	StepsRemaining int

	// CreditsUsed includes this run's own costs plus every descendant's
	// (spec.md §3 "creditsUsed... includes descendants"). DirectCreditsUsed
	// tracks only this run's own LLM/tool costs.
	CreditsUsed       float64
	DirectCreditsUsed float64

	// ChildRunIDs lists spawned subagent runs, in spawn order.
	ChildRunIDs []string

	// Output holds the structured payload set via the set_output tool.
	// Required before termination iff the template declares an output
	// schema (spec.md §3 "output").
	Output json.RawMessage

	// AgentContext is the programmatic step handler's scratch space: a
	// string-keyed map of "subgoal" records it may read and write across
	// resumptions (spec.md §3 "agentContext").
	AgentContext map[string]any

	// ContextTokenCount caches the most recent next-turn prompt token
	// estimate (spec.md §3 "contextTokenCount").
	ContextTokenCount int

	// stepCount is the number of Step Executor turns recorded so far, used
	// only for the run.FinishInput.TotalSteps/run.Step.StepNumber
	// bookkeeping; it is not part of the public Agent State surface.
	stepCount int
}

// Depth returns len(AncestorRunIDs): how many ancestors this run already
// has. A parent with MaxAgentDepth or more ancestors refuses to spawn
// further descendants (agent.MaxAgentDepth).
func (s *State) Depth() int { return len(s.AncestorRunIDs) }

// PublicState is the read-only view of a State exposed to a programmatic
// step handler as coroutine.Resume.PublicAgentState (spec.md §4.5
// "Programmatic turn"). It omits the live history pointer so a handler
// cannot mutate message history directly; handlers only observe history
// indirectly through step outcomes.
type PublicState struct {
	AgentID           agent.Ident
	AgentType         agent.Ident
	RunID             string
	StepsRemaining    int
	CreditsUsed       float64
	DirectCreditsUsed float64
	ChildRunIDs       []string
	Output            json.RawMessage
	AgentContext      map[string]any
	ContextTokenCount int
}

// Public returns a snapshot view of s suitable for handing to a
// programmatic step handler.
func (s *State) Public() PublicState {
	children := make([]string, len(s.ChildRunIDs))
	copy(children, s.ChildRunIDs)
	return PublicState{
		AgentID:           s.AgentID,
		AgentType:         s.AgentType,
		RunID:             s.RunID,
		StepsRemaining:    s.StepsRemaining,
		CreditsUsed:       s.CreditsUsed,
		DirectCreditsUsed: s.DirectCreditsUsed,
		ChildRunIDs:       children,
		Output:            s.Output,
		AgentContext:      s.AgentContext,
		ContextTokenCount: s.ContextTokenCount,
	}
}
