// Package mongo hosts the MongoDB client backing the durable run.Store
// (SPEC_FULL.md §4.5 "Credit/run persistence").
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/run"
)

const (
	defaultRunsCollection  = "agent_runs"
	defaultStepsCollection = "agent_run_steps"
	defaultOpTimeout       = 5 * time.Second
	runClientName          = "run-mongo"
)

// Client exposes Mongo-backed operations for run and step metadata. It
// mirrors run.Store's verbs directly rather than a single generic Upsert,
// since steps are append-only and runs are upserted by RunID.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, rec run.Record) error
	LoadRun(ctx context.Context, runID string) (run.Record, error)
	AppendStep(ctx context.Context, step run.Step) error
	LoadSteps(ctx context.Context, runID string) ([]run.Step, error)
}

// Options configures the Mongo run client.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	RunsCollection  string
	StepsCollection string
	Timeout         time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	runs    collection
	steps   collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsName := opts.RunsCollection
	if runsName == "" {
		runsName = defaultRunsCollection
	}
	stepsName := opts.StepsCollection
	if stepsName == "" {
		stepsName = defaultStepsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	runsColl := mongoCollection{coll: db.Collection(runsName)}
	stepsColl := mongoCollection{coll: db.Collection(stepsName)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureRunIndexes(ctx, runsColl); err != nil {
		return nil, err
	}
	if err := ensureStepIndexes(ctx, stepsColl); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, runs: runsColl, steps: stepsColl, timeout: timeout}, nil
}

func (c *client) Name() string { return runClientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertRun(ctx context.Context, rec run.Record) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	if rec.AgentID == "" {
		return errors.New("agent id is required")
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	doc := fromRun(rec)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": rec.RunID}
	update := bson.M{
		"$set": doc,
		"$setOnInsert": bson.M{
			"started_at": doc.StartedAt,
		},
	}
	_, err := c.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, run.ErrNotFound
		}
		return run.Record{}, err
	}
	return doc.toRun(), nil
}

func (c *client) AppendStep(ctx context.Context, step run.Step) error {
	if step.AgentRunID == "" {
		return errors.New("agent run id is required")
	}
	if step.StartTime.IsZero() {
		step.StartTime = time.Now().UTC()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.steps.InsertOne(ctx, fromStep(step))
	return err
}

func (c *client) LoadSteps(ctx context.Context, runID string) ([]run.Step, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.steps.Find(ctx, bson.M{"agent_run_id": runID}, options.Find().SetSort(bson.D{{Key: "step_number", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []stepDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]run.Step, len(docs))
	for i, d := range docs {
		out[i] = d.toStep()
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type runDocument struct {
	RunID          string            `bson:"run_id"`
	AgentID        string            `bson:"agent_id"`
	AncestorRunIDs []string          `bson:"ancestor_run_ids,omitempty"`
	SessionID      string            `bson:"session_id,omitempty"`
	TurnID         string            `bson:"turn_id,omitempty"`
	Status         run.Status        `bson:"status"`
	TotalSteps     int               `bson:"total_steps"`
	DirectCredits  float64           `bson:"direct_credits"`
	TotalCredits   float64           `bson:"total_credits"`
	ErrorMessage   string            `bson:"error_message,omitempty"`
	StartedAt      time.Time         `bson:"started_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
	Labels         map[string]string `bson:"labels,omitempty"`
	Metadata       map[string]any    `bson:"metadata,omitempty"`
}

func fromRun(r run.Record) runDocument {
	return runDocument{
		RunID:          r.RunID,
		AgentID:        string(r.AgentID),
		AncestorRunIDs: cloneStrings(r.AncestorRunIDs),
		SessionID:      r.SessionID,
		TurnID:         r.TurnID,
		Status:         r.Status,
		TotalSteps:     r.TotalSteps,
		DirectCredits:  r.DirectCredits,
		TotalCredits:   r.TotalCredits,
		ErrorMessage:   r.ErrorMessage,
		StartedAt:      r.StartedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		Labels:         cloneLabels(r.Labels),
		Metadata:       cloneMetadata(r.Metadata),
	}
}

func (doc runDocument) toRun() run.Record {
	return run.Record{
		RunID:          doc.RunID,
		AgentID:        agent.Ident(doc.AgentID),
		AncestorRunIDs: cloneStrings(doc.AncestorRunIDs),
		SessionID:      doc.SessionID,
		TurnID:         doc.TurnID,
		Status:         doc.Status,
		TotalSteps:     doc.TotalSteps,
		DirectCredits:  doc.DirectCredits,
		TotalCredits:   doc.TotalCredits,
		ErrorMessage:   doc.ErrorMessage,
		StartedAt:      doc.StartedAt,
		UpdatedAt:      doc.UpdatedAt,
		Labels:         cloneLabels(doc.Labels),
		Metadata:       cloneMetadata(doc.Metadata),
	}
}

type stepDocument struct {
	AgentRunID   string    `bson:"agent_run_id"`
	StepNumber   int       `bson:"step_number"`
	Credits      float64   `bson:"credits"`
	ChildRunIDs  []string  `bson:"child_run_ids,omitempty"`
	MessageID    string    `bson:"message_id,omitempty"`
	Status       string    `bson:"status"`
	StartTime    time.Time `bson:"start_time"`
	ErrorMessage string    `bson:"error_message,omitempty"`
}

func fromStep(s run.Step) stepDocument {
	return stepDocument{
		AgentRunID:   s.AgentRunID,
		StepNumber:   s.StepNumber,
		Credits:      s.Credits,
		ChildRunIDs:  cloneStrings(s.ChildRunIDs),
		MessageID:    s.MessageID,
		Status:       string(s.Status),
		StartTime:    s.StartTime.UTC(),
		ErrorMessage: s.ErrorMessage,
	}
}

func (d stepDocument) toStep() run.Step {
	return run.Step{
		AgentRunID:   d.AgentRunID,
		StepNumber:   d.StepNumber,
		Credits:      d.Credits,
		ChildRunIDs:  cloneStrings(d.ChildRunIDs),
		MessageID:    d.MessageID,
		Status:       run.StepStatus(d.Status),
		StartTime:    d.StartTime,
		ErrorMessage: d.ErrorMessage,
	}
}

func ensureRunIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func ensureStepIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "agent_run_id", Value: 1}, {Key: "step_number", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func cloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func cloneLabels(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
