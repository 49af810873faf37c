// Package inmem is the default run.Store: a map-backed implementation with
// no durability, suitable for tests and single-process use (SPEC_FULL.md
// §4.5 "Credit/run persistence").
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/agentrt/agent/run"
)

// Store implements run.Store in memory. Records and steps are defensively
// copied on read and write so callers cannot mutate stored state through a
// returned value.
type Store struct {
	mu      sync.RWMutex
	records map[string]run.Record
	steps   map[string][]run.Step
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]run.Record),
		steps:   make(map[string][]run.Step),
	}
}

// StartAgentRun creates a new Running record keyed by a fresh
// RunID (spec.md §6 "startAgentRun({agentId, ancestorRunIds, …}) → runId").
func (s *Store) StartAgentRun(_ context.Context, in run.StartInput) (string, error) {
	runID := uuid.NewString()
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[runID] = run.Record{
		AgentID:        in.AgentID,
		RunID:          runID,
		AncestorRunIDs: cloneStrings(in.AncestorRunIDs),
		SessionID:      in.SessionID,
		TurnID:         in.TurnID,
		Status:         run.StatusRunning,
		StartedAt:      now,
		UpdatedAt:      now,
		Labels:         cloneLabels(in.Labels),
	}
	return runID, nil
}

// AddAgentStep appends step to agentRunID's ledger (spec.md §6
// "addAgentStep"). It does not itself update the run's totals; callers roll
// those up into FinishAgentRun once the run ends.
func (s *Store) AddAgentStep(_ context.Context, step run.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step.ChildRunIDs = cloneStrings(step.ChildRunIDs)
	s.steps[step.AgentRunID] = append(s.steps[step.AgentRunID], step)
	if rec, ok := s.records[step.AgentRunID]; ok {
		rec.UpdatedAt = time.Now()
		s.records[step.AgentRunID] = rec
	}
	return nil
}

// FinishAgentRun marks a run terminal and records its final totals (spec.md
// §6 "finishAgentRun").
func (s *Store) FinishAgentRun(_ context.Context, in run.FinishInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[in.RunID]
	if !ok {
		return run.ErrNotFound
	}
	rec.Status = in.Status
	rec.TotalSteps = in.TotalSteps
	rec.DirectCredits = in.DirectCredits
	rec.TotalCredits = in.TotalCredits
	rec.ErrorMessage = in.ErrorMessage
	rec.UpdatedAt = time.Now()
	s.records[in.RunID] = rec
	return nil
}

// Load returns the current record for runID.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[runID]
	if !ok {
		return run.Record{}, run.ErrNotFound
	}
	rec.AncestorRunIDs = cloneStrings(rec.AncestorRunIDs)
	rec.Labels = cloneLabels(rec.Labels)
	rec.Metadata = cloneMetadata(rec.Metadata)
	return rec, nil
}

// Steps returns the recorded step ledger for runID, in append order. Not
// part of run.Store, so the runtime never calls it; tests use it to inspect
// the ledger.
func (s *Store) Steps(runID string) []run.Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.steps[runID]
	out := make([]run.Step, len(src))
	copy(out, src)
	return out
}

// Reset clears all stored records and steps. Test-only helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]run.Record)
	s.steps = make(map[string][]run.Step)
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
