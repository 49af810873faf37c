package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/runloom/agentrt/agent/run"
)

func TestEnsureRunIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureRunIndexes(context.Background(), fc))
	require.True(t, fc.indexCreated)
}

func TestUpsertAndLoadRun(t *testing.T) {
	c := mustNewTestClient()
	rec := run.Record{
		RunID:     "run-1",
		AgentID:   "agent.chat",
		SessionID: "sess-1",
		Status:    run.StatusPending,
		Labels:    map[string]string{"org": "demo"},
	}
	require.NoError(t, c.UpsertRun(context.Background(), rec))

	stored, err := c.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, rec.RunID, stored.RunID)
	require.Equal(t, rec.Status, stored.Status)
	require.Equal(t, "demo", stored.Labels["org"])

	rec.Status = run.StatusCompleted
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.UpsertRun(context.Background(), rec))
	updated, err := c.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, updated.Status)
}

func TestUpsertRunValidation(t *testing.T) {
	c := mustNewTestClient()
	err := c.UpsertRun(context.Background(), run.Record{AgentID: "agent"})
	require.EqualError(t, err, "run id is required")
	err = c.UpsertRun(context.Background(), run.Record{RunID: "run"})
	require.EqualError(t, err, "agent id is required")
}

func TestLoadRunMissingReturnsErrNotFound(t *testing.T) {
	c := mustNewTestClient()
	_, err := c.LoadRun(context.Background(), "missing")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestAppendAndLoadSteps(t *testing.T) {
	c := mustNewTestClient()
	require.NoError(t, c.AppendStep(context.Background(), run.Step{AgentRunID: "run-1", StepNumber: 1, Status: run.StepCompleted}))
	require.NoError(t, c.AppendStep(context.Background(), run.Step{AgentRunID: "run-1", StepNumber: 2, Status: run.StepCompleted}))

	steps, err := c.LoadSteps(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, 1, steps[0].StepNumber)
	require.Equal(t, 2, steps[1].StepNumber)
}

func mustNewTestClient() *client {
	return &client{runs: newFakeCollection(), steps: newFakeCollection(), timeout: time.Second}
}

type fakeCollection struct {
	mu           sync.Mutex
	indexCreated bool
	runs         map[string]runDocument
	steps        []stepDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{runs: make(map[string]runDocument)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	doc, ok := c.runs[runID]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter, update any, _ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	doc, ok := c.runs[runID]
	if !ok {
		doc = runDocument{}
	}
	up := update.(bson.M)
	if set, ok := up["$set"].(runDocument); ok {
		doc = set
	}
	if soi, ok := up["$setOnInsert"].(bson.M); ok && doc.StartedAt.IsZero() {
		if ts, ok := soi["started_at"].(time.Time); ok {
			doc.StartedAt = ts
		}
	}
	c.runs[runID] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, document.(stepDocument))
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["agent_run_id"].(string)
	var matched []stepDocument
	for _, s := range c.steps {
		if s.AgentRunID == runID {
			matched = append(matched, s)
		}
	}
	return fakeCursor{docs: matched}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeIndexView struct {
	parent *bool
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent = true
	return "idx", nil
}

type fakeSingleResult struct {
	doc *runDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*runDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = *r.doc
	return nil
}

type fakeCursor struct {
	docs []stepDocument
}

func (c fakeCursor) All(_ context.Context, results any) error {
	target, ok := results.(*[]stepDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = c.docs
	return nil
}
