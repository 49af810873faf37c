package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/runloom/agentrt/agent/hooks"
)

// envelope wraps one hooks.Event for transmission over a Pulse stream.
type envelope struct {
	Type      hooks.EventType `json:"type"`
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SinkOptions configures NewSink.
type SinkOptions struct {
	// Client publishes to Pulse streams. Required.
	Client Client
	// StreamID derives the target Pulse stream name from an event. Defaults
	// to "agent/run/<RunID>".
	StreamID func(hooks.Event) (string, error)
}

// Sink publishes hooks.Bus events onto Pulse streams. Its Publish method has
// the same signature as hooks.Subscriber, so it wires directly into a Bus:
//
//	sink, _ := pulse.NewSink(pulse.SinkOptions{Client: client})
//	bus.Subscribe(sink.Publish)
type Sink struct {
	client   Client
	streamID func(hooks.Event) (string, error)
}

// NewSink constructs a Pulse-backed Sink. opts.Client is required.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse: client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Publish implements hooks.Subscriber: it marshals ev into an envelope and
// appends it to ev's derived Pulse stream.
func (s *Sink) Publish(ctx context.Context, ev hooks.Event) error {
	streamID, err := s.streamID(ev)
	if err != nil {
		return err
	}
	stream, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pulse: marshal event: %w", err)
	}
	env := envelope{Type: ev.Type(), RunID: ev.RunID(), Timestamp: time.Now().UTC(), Payload: payload}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse: marshal envelope: %w", err)
	}
	_, err = stream.Add(ctx, string(env.Type), body)
	return err
}

func defaultStreamID(ev hooks.Event) (string, error) {
	if ev.RunID() == "" {
		return "", errors.New("pulse: event missing run id")
	}
	return runStreamID(ev.RunID())
}

// runStreamID is the Pulse stream name one run's events are published to.
func runStreamID(runID string) (string, error) {
	if runID == "" {
		return "", errors.New("pulse: run id is required")
	}
	return fmt.Sprintf("agent/run/%s", runID), nil
}
