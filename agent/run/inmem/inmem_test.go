package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runloom/agentrt/agent/run"
)

func TestStartAddFinishRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	runID, err := store.StartAgentRun(ctx, run.StartInput{
		AgentID:        "base",
		AncestorRunIDs: []string{"top-run"},
		SessionID:      "sess-1",
		TurnID:         "turn-1",
		Labels:         map[string]string{"tenant": "acme"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	rec, err := store.Load(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, rec.Status)
	require.False(t, rec.StartedAt.IsZero())
	require.Equal(t, []string{"top-run"}, rec.AncestorRunIDs)

	require.NoError(t, store.AddAgentStep(ctx, run.Step{
		AgentRunID: runID,
		StepNumber: 1,
		Credits:    1.5,
		Status:     run.StepCompleted,
	}))
	require.Len(t, store.Steps(runID), 1)

	require.NoError(t, store.FinishAgentRun(ctx, run.FinishInput{
		RunID:         runID,
		Status:        run.StatusCompleted,
		TotalSteps:    1,
		DirectCredits: 1.5,
		TotalCredits:  1.5,
	}))

	rec, err = store.Load(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, rec.Status)
	require.Equal(t, 1, rec.TotalSteps)
	require.Equal(t, 1.5, rec.TotalCredits)
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	store := New()
	_, err := store.Load(context.Background(), "nope")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestFinishMissingReturnsErrNotFound(t *testing.T) {
	store := New()
	err := store.FinishAgentRun(context.Background(), run.FinishInput{RunID: "nope", Status: run.StatusFailed})
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestLoadIsDefensiveCopy(t *testing.T) {
	store := New()
	ctx := context.Background()
	runID, err := store.StartAgentRun(ctx, run.StartInput{AgentID: "base", Labels: map[string]string{"k": "v"}})
	require.NoError(t, err)

	rec, err := store.Load(ctx, runID)
	require.NoError(t, err)
	rec.Labels["k"] = "mutated"

	rec2, err := store.Load(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "v", rec2.Labels["k"], "store mutated by caller")
}

func TestAddAgentStepAccumulatesLedger(t *testing.T) {
	store := New()
	ctx := context.Background()
	runID, err := store.StartAgentRun(ctx, run.StartInput{AgentID: "base"})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.AddAgentStep(ctx, run.Step{AgentRunID: runID, StepNumber: i, Status: run.StepCompleted}))
	}
	steps := store.Steps(runID)
	require.Len(t, steps, 3)
	require.Equal(t, 1, steps[0].StepNumber)
	require.Equal(t, 3, steps[2].StepNumber)
}
