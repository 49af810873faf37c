// Package redis backs two concerns with a single Redis connection: a
// run.Store keyed by RunID (JSON-encoded records, no secondary indexes —
// acceptable since run lookups are always by exact RunID), and a
// LivenessIndex of TTL-bounded "run is live" entries. Store itself writes a
// liveness entry on StartAgentRun and clears it on FinishAgentRun; nothing
// else in this module (the Generator Registry and agent/runtime included)
// reads or writes the LivenessIndex.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/runloom/agentrt/agent/run"
)

const (
	defaultKeyPrefix     = "agentrt:run:"
	defaultStepsKeyFmt   = "agentrt:run:%s:steps"
	defaultLiveKeyPrefix = "agentrt:live:"
	defaultLiveTTL       = 2 * time.Minute
)

// Options configures the Redis-backed store.
type Options struct {
	Client redis.UniversalClient
	// LiveTTL bounds how long a liveness entry survives without a
	// heartbeat before it is considered abandoned. Defaults to 2 minutes.
	LiveTTL time.Duration
}

// Store implements run.Store against Redis. Records are stored as JSON
// strings; steps are appended to a Redis list per run so AddAgentStep
// stays O(1) rather than read-modify-write.
type Store struct {
	client  redis.UniversalClient
	liveTTL time.Duration
}

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	ttl := opts.LiveTTL
	if ttl <= 0 {
		ttl = defaultLiveTTL
	}
	return &Store{client: opts.Client, liveTTL: ttl}, nil
}

func recordKey(runID string) string { return defaultKeyPrefix + runID }
func stepsKey(runID string) string  { return fmt.Sprintf(defaultStepsKeyFmt, runID) }
func liveKey(runID string) string   { return defaultLiveKeyPrefix + runID }

// StartAgentRun stores a new Running record and marks it live.
func (s *Store) StartAgentRun(ctx context.Context, in run.StartInput) (string, error) {
	runID := newRunID()
	now := time.Now().UTC()
	rec := run.Record{
		AgentID:        in.AgentID,
		RunID:          runID,
		AncestorRunIDs: in.AncestorRunIDs,
		SessionID:      in.SessionID,
		TurnID:         in.TurnID,
		Status:         run.StatusRunning,
		StartedAt:      now,
		UpdatedAt:      now,
		Labels:         in.Labels,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(runID), data, 0)
	pipe.Set(ctx, liveKey(runID), now.Unix(), s.liveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return runID, nil
}

// AddAgentStep pushes step onto runID's step ledger and refreshes its
// liveness TTL (a run still taking steps is, by definition, alive).
func (s *Store) AddAgentStep(ctx context.Context, step run.Step) error {
	if step.StartTime.IsZero() {
		step.StartTime = time.Now().UTC()
	}
	data, err := json.Marshal(step)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, stepsKey(step.AgentRunID), data)
	pipe.Expire(ctx, liveKey(step.AgentRunID), s.liveTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// FinishAgentRun updates the record's terminal status and clears the
// liveness entry.
func (s *Store) FinishAgentRun(ctx context.Context, in run.FinishInput) error {
	rec, err := s.Load(ctx, in.RunID)
	if err != nil {
		return err
	}
	rec.Status = in.Status
	rec.TotalSteps = in.TotalSteps
	rec.DirectCredits = in.DirectCredits
	rec.TotalCredits = in.TotalCredits
	rec.ErrorMessage = in.ErrorMessage
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(in.RunID), data, 0)
	pipe.Del(ctx, liveKey(in.RunID))
	_, err = pipe.Exec(ctx)
	return err
}

// Load retrieves the record for runID.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	data, err := s.client.Get(ctx, recordKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return run.Record{}, run.ErrNotFound
		}
		return run.Record{}, err
	}
	var rec run.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return run.Record{}, err
	}
	return rec, nil
}

// Steps returns the recorded step ledger for runID, in append order.
func (s *Store) Steps(ctx context.Context, runID string) ([]run.Step, error) {
	raws, err := s.client.LRange(ctx, stepsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]run.Step, 0, len(raws))
	for _, raw := range raws {
		var st run.Step
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// LivenessIndex keeps a TTL-bounded "run is live" entry per RunID in Redis,
// so the set survives this process's restart. The in-process Generator
// Registry (spec.md §3) does not write to it; callers that want the two
// kept in step call MarkLive/Heartbeat/Clear themselves.
type LivenessIndex struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewLivenessIndex builds a LivenessIndex against client. ttl bounds how
// long an entry survives without a Heartbeat; zero uses the default.
func NewLivenessIndex(client redis.UniversalClient, ttl time.Duration) *LivenessIndex {
	if ttl <= 0 {
		ttl = defaultLiveTTL
	}
	return &LivenessIndex{client: client, ttl: ttl}
}

// MarkLive records that runID's coroutine is live, refreshing its TTL.
func (l *LivenessIndex) MarkLive(ctx context.Context, runID string) error {
	return l.client.Set(ctx, liveKey(runID), time.Now().Unix(), l.ttl).Err()
}

// Heartbeat refreshes runID's TTL without changing its value. Callers
// invoke this once per step so a run that is still making progress never
// ages out.
func (l *LivenessIndex) Heartbeat(ctx context.Context, runID string) error {
	ok, err := l.client.Expire(ctx, liveKey(runID), l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return l.MarkLive(ctx, runID)
	}
	return nil
}

// IsLive reports whether runID currently has an unexpired liveness entry.
func (l *LivenessIndex) IsLive(ctx context.Context, runID string) (bool, error) {
	n, err := l.client.Exists(ctx, liveKey(runID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear removes runID's liveness entry (spec.md §3 "destroyed when that
// run terminates").
func (l *LivenessIndex) Clear(ctx context.Context, runID string) error {
	return l.client.Del(ctx, liveKey(runID)).Err()
}

func newRunID() string {
	return uuid.NewString()
}
