// Package mongo is the durable run.Store backed by MongoDB (SPEC_FULL.md
// §4.5 "Credit/run persistence": "a MongoDB-backed store for production
// deployments that need run history to survive process restarts").
package mongo

import (
	"context"
	"errors"

	"github.com/google/uuid"

	clientsmongo "github.com/runloom/agentrt/agent/run/mongo/clients/mongo"

	"github.com/runloom/agentrt/agent/run"
)

// Options configures the Mongo-backed run store.
type Options struct {
	Client clientsmongo.Client
}

// Store implements run.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo instantiates the Store by constructing the underlying
// client from driver options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// StartAgentRun upserts a new Running record under a fresh RunID.
func (s *Store) StartAgentRun(ctx context.Context, in run.StartInput) (string, error) {
	runID := uuid.NewString()
	rec := run.Record{
		AgentID:        in.AgentID,
		RunID:          runID,
		AncestorRunIDs: in.AncestorRunIDs,
		SessionID:      in.SessionID,
		TurnID:         in.TurnID,
		Status:         run.StatusRunning,
		Labels:         in.Labels,
	}
	if err := s.client.UpsertRun(ctx, rec); err != nil {
		return "", err
	}
	return runID, nil
}

// AddAgentStep inserts one step ledger entry.
func (s *Store) AddAgentStep(ctx context.Context, step run.Step) error {
	return s.client.AppendStep(ctx, step)
}

// FinishAgentRun loads the current record, applies the final totals, and
// upserts it back (MongoDB has no compare-and-swap primitive this driver
// wrapper exposes, so the read-modify-write races the same way a single
// process's in-memory store would under concurrent finishers of the same
// run — which spec.md never allows, since a run has exactly one finisher).
func (s *Store) FinishAgentRun(ctx context.Context, in run.FinishInput) error {
	rec, err := s.client.LoadRun(ctx, in.RunID)
	if err != nil {
		return err
	}
	rec.Status = in.Status
	rec.TotalSteps = in.TotalSteps
	rec.DirectCredits = in.DirectCredits
	rec.TotalCredits = in.TotalCredits
	rec.ErrorMessage = in.ErrorMessage
	return s.client.UpsertRun(ctx, rec)
}

// Load retrieves run metadata from storage.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	return s.client.LoadRun(ctx, runID)
}
