package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "github.com/runloom/agentrt/agent/run/mongo/clients/mongo"

	"github.com/runloom/agentrt/agent/run"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestStartAgentRunDelegatesToClient(t *testing.T) {
	fc := &fakeClient{}
	store, err := NewStore(Options{Client: fc})
	require.NoError(t, err)

	runID, err := store.StartAgentRun(context.Background(), run.StartInput{AgentID: "base"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	require.Equal(t, run.StatusRunning, fc.upserted.Status)
}

func TestAddAgentStepDelegatesToClient(t *testing.T) {
	fc := &fakeClient{}
	store, err := NewStore(Options{Client: fc})
	require.NoError(t, err)

	require.NoError(t, store.AddAgentStep(context.Background(), run.Step{AgentRunID: "run-1", StepNumber: 1}))
	require.Equal(t, "run-1", fc.appended.AgentRunID)
}

func TestFinishAgentRunRollsUpAndUpserts(t *testing.T) {
	fc := &fakeClient{stored: run.Record{RunID: "run-1", AgentID: "base", Status: run.StatusRunning}}
	store, err := NewStore(Options{Client: fc})
	require.NoError(t, err)

	err = store.FinishAgentRun(context.Background(), run.FinishInput{
		RunID:        "run-1",
		Status:       run.StatusCompleted,
		TotalSteps:   3,
		TotalCredits: 4.5,
	})
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, fc.upserted.Status)
	require.Equal(t, 3, fc.upserted.TotalSteps)
}

func TestLoadDelegatesToClient(t *testing.T) {
	fc := &fakeClient{stored: run.Record{RunID: "run-1", AgentID: "base"}}
	store, err := NewStore(Options{Client: fc})
	require.NoError(t, err)

	rec, err := store.Load(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", rec.RunID)
}

func TestNewStoreFromMongoValidatesOptions(t *testing.T) {
	_, err := NewStoreFromMongo(clientsmongo.Options{})
	require.EqualError(t, err, "mongo client is required")
}

type fakeClient struct {
	stored   run.Record
	upserted run.Record
	appended run.Step
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) UpsertRun(_ context.Context, rec run.Record) error {
	f.upserted = rec
	f.stored = rec
	return nil
}

func (f *fakeClient) LoadRun(context.Context, string) (run.Record, error) {
	return f.stored, nil
}

func (f *fakeClient) AppendStep(_ context.Context, step run.Step) error {
	f.appended = step
	return nil
}

func (f *fakeClient) LoadSteps(context.Context, string) ([]run.Step, error) {
	return nil, nil
}
