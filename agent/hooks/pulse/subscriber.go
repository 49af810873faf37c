package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/runloom/agentrt/agent/hooks"
)

// DecodedEvent is a hooks.Event reconstructed from a Pulse envelope in a
// different process than the one that published it. Payload carries the
// envelope's raw JSON payload (the concrete event's fields); callers that
// need structured access unmarshal it themselves, since Type is all a
// cross-process subscriber can rely on without sharing the publisher's Go
// types.
type DecodedEvent struct {
	hooks.Base
	Payload json.RawMessage
}

// SubscriberOptions configures NewSubscriber.
type SubscriberOptions struct {
	// Client reads from Pulse streams. Required.
	Client Client
	// GroupName identifies the Pulse consumer group. Defaults to
	// "agentrt_subscriber".
	GroupName string
	// Buffer bounds the returned event channel's capacity. Defaults to 64.
	Buffer int
}

// Subscriber consumes a Pulse stream and decodes its entries back into
// hooks.Event values.
type Subscriber struct {
	client Client
	group  string
	buffer int
}

// NewSubscriber constructs a Pulse-backed Subscriber. opts.Client is
// required.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse: client is required")
	}
	group := opts.GroupName
	if group == "" {
		group = "agentrt_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, group: group, buffer: buffer}, nil
}

// Subscribe opens a Pulse consumer group on runID's stream and returns
// channels of decoded events and decode/ack errors, plus a cancel function
// that stops consumption and releases the underlying sink. Mirrors the
// teacher's Subscriber.Subscribe (features/stream/pulse/subscriber.go).
func (s *Subscriber) Subscribe(ctx context.Context, runID string, opts ...streamopts.Sink) (<-chan hooks.Event, <-chan error, context.CancelFunc, error) {
	streamID, err := runStreamID(runID)
	if err != nil {
		return nil, nil, nil, err
	}
	stream, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := stream.NewSink(ctx, s.group, opts...)
	if err != nil {
		return nil, nil, nil, err
	}

	events := make(chan hooks.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink SinkReader, out chan<- hooks.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decodeEnvelope(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse: decode entry: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("pulse: ack entry: %w", err)
				return
			}
		}
	}
}

func decodeEnvelope(payload []byte) (DecodedEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return DecodedEvent{}, err
	}
	return DecodedEvent{Base: hooks.Base{T: env.Type, R: env.RunID}, Payload: env.Payload}, nil
}
