// Package run tracks agent run executions: the durable record of one Agent
// Loop invocation from start through its terminal status, plus the
// per-step ledger entries recorded along the way (spec.md §4.5 "Credit
// rollup", §6 "Storage / run lifecycle": startAgentRun, addAgentStep,
// finishAgentRun).
package run

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/tools"
)

type (
	// Context carries execution metadata for the current run invocation:
	// the identifiers, labels, and lineage active for this attempt. A
	// nested agent-as-tool run sets ParentRunID/ParentToolCallID/
	// ParentAgentID/Tool/ToolArgs; a top-level run leaves them empty
	// (spec.md §4.5 step 3 "spawn a child Agent Loop invocation").
	Context struct {
		// RunID uniquely identifies this run.
		RunID string

		// AncestorRunIDs lists every run between the top-level run and
		// this one, outermost first. Its length bounds recursion depth
		// (agent.MaxAgentDepth, spec.md §9 "Recursive spawn").
		AncestorRunIDs []string

		// ParentToolCallID identifies the tool call that spawned this run
		// when it is a nested agent-as-tool execution. Empty for
		// top-level runs.
		ParentToolCallID string

		// ParentRunID identifies the run that scheduled this nested
		// execution. Empty for top-level runs.
		ParentRunID string

		// ParentAgentID identifies the agent template that invoked this
		// nested execution. Empty for top-level runs.
		ParentAgentID agent.Ident

		// SessionID groups related runs into one conversation thread.
		SessionID string

		// TurnID identifies the conversational turn within the session.
		TurnID string

		// Tool is the fully-qualified name this run was spawned under,
		// when invoked as agent-as-tool. Empty for top-level runs.
		Tool tools.Ident

		// ToolArgs carries the original JSON input for Tool. Nil for
		// top-level runs.
		ToolArgs json.RawMessage

		// Attempt counts how many times this run has been resumed after
		// an interruption.
		Attempt int

		// Labels carries caller-provided metadata (tenant, priority).
		Labels map[string]string
	}

	// Handle is a lightweight parent/child linking handle, used wherever
	// only logical identity is needed without the full Context.
	Handle struct {
		RunID            string
		AgentID          agent.Ident
		ParentRunID      string
		ParentToolCallID string
	}

	// Record is the durable metadata stored for one run (spec.md §6
	// startAgentRun/finishAgentRun fields).
	Record struct {
		AgentID        agent.Ident
		RunID          string
		AncestorRunIDs []string
		SessionID      string
		TurnID         string
		Status         Status
		TotalSteps     int
		DirectCredits  float64
		TotalCredits   float64
		ErrorMessage   string
		StartedAt      time.Time
		UpdatedAt      time.Time
		Labels         map[string]string
		Metadata       map[string]any
	}

	// StepStatus is the status of one recorded step (spec.md §6
	// addAgentStep "status ∈ {completed, skipped}").
	StepStatus string

	// Step is one ledger entry appended during a run (spec.md §6
	// addAgentStep). ChildRunIDs records any subagent runs spawned during
	// this step, for credit rollup (spec.md §4.5 "roll up child credits
	// into the parent's totalCredits").
	Step struct {
		AgentRunID   string
		StepNumber   int
		Credits      float64
		ChildRunIDs  []string
		MessageID    string
		Status       StepStatus
		StartTime    time.Time
		ErrorMessage string
	}

	// StartInput is the input to Store.StartAgentRun (spec.md §6
	// "startAgentRun({agentId, ancestorRunIds, …})").
	StartInput struct {
		AgentID        agent.Ident
		AncestorRunIDs []string
		SessionID      string
		TurnID         string
		Labels         map[string]string
	}

	// FinishInput is the input to Store.FinishAgentRun (spec.md §6
	// "finishAgentRun({runId, status, totalSteps, directCredits,
	// totalCredits, errorMessage?})").
	FinishInput struct {
		RunID         string
		Status        Status
		TotalSteps    int
		DirectCredits float64
		TotalCredits  float64
		ErrorMessage  string
	}

	// Store persists run and step metadata for observability, lookup,
	// and credit rollup (spec.md §6 "Storage / run lifecycle").
	Store interface {
		// StartAgentRun creates the durable record for a new run and
		// returns its RunID.
		StartAgentRun(ctx context.Context, in StartInput) (runID string, err error)

		// AddAgentStep appends one step ledger entry to an existing run.
		AddAgentStep(ctx context.Context, step Step) error

		// FinishAgentRun marks a run terminal and records its final
		// totals.
		FinishAgentRun(ctx context.Context, in FinishInput) error

		// Load returns the current record for runID, or ErrNotFound.
		Load(ctx context.Context, runID string) (Record, error)
	}

	// Status is the coarse-grained lifecycle state of a run (spec.md §6
	// finishAgentRun "status ∈ {completed, cancelled, failed}", plus the
	// in-flight states a Record passes through before reaching one).
	Status string

	// Phase is a finer-grained lifecycle phase for streaming/UX surfaces;
	// it does not replace Status, which is the durable field callers
	// branch on (spec.md §7 error classification, §8 scenario 6).
	Phase string
)

// ErrNotFound indicates no run record exists for the given RunID.
var ErrNotFound = errors.New("run not found")

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	PhasePrompted       Phase = "prompted"
	PhasePlanning       Phase = "planning"
	PhaseExecutingTools Phase = "executing_tools"
	PhaseSynthesizing   Phase = "synthesizing"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseCancelled      Phase = "cancelled"

	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

// Depth returns len(AncestorRunIDs), the recursion depth this Context sits
// at (spec.md §9 "Recursive spawn", agent.MaxAgentDepth).
func (c Context) Depth() int { return len(c.AncestorRunIDs) }
