// Package pulse is an optional goa.design/pulse-backed transport for
// agent/hooks' events, for cross-process streaming (SPEC_FULL.md §6 "Event
// sink transport"): a Sink publishes events onto a per-run Pulse stream and
// a Subscriber reads them back in another process, while the in-process
// hooks.Bus keeps doing plain fan-out for same-process subscribers by
// calling each one synchronously. Mirrors the layering of the teacher's
// features/stream/pulse(/clients/pulse) packages: callers build a Redis
// client, wrap it with New, and hand the resulting Client to NewSink/
// NewSubscriber.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Client exposes the subset of Pulse's streaming API this package needs.
type Client interface {
	// Stream returns a handle to the named Pulse stream, creating it if
	// needed.
	Stream(name string, opts ...streamopts.Stream) (Stream, error)
	// Close releases resources owned by the client. Callers typically own
	// the Redis connection themselves.
	Close(ctx context.Context) error
}

// Stream exposes the operations needed to publish events and create sinks
// (consumer groups) on one Pulse stream.
type Stream interface {
	// Add publishes an event with the given name and payload, returning the
	// Redis-assigned entry ID.
	Add(ctx context.Context, event string, payload []byte) (string, error)
	// NewSink creates a Pulse sink (consumer group) for reading events back.
	NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (SinkReader, error)
	// Destroy deletes the stream and all its entries.
	Destroy(ctx context.Context) error
}

// SinkReader mirrors the subset of a Pulse streaming sink the Subscriber
// needs to consume events.
type SinkReader interface {
	Subscribe() <-chan *streaming.Event
	Ack(context.Context, *streaming.Event) error
	Close(context.Context)
}

// Options configures New.
type Options struct {
	// Redis is the connection backing every Pulse stream. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of entries kept per stream. Zero uses
	// Pulse's default.
	StreamMaxLen int
	// OperationTimeout bounds individual Add calls. Zero means no timeout.
	OperationTimeout time.Duration
}

// New constructs a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse: redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("pulse: stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("pulse: create stream %q: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op: the caller owns the Redis connection's lifecycle.
func (c *client) Close(context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("pulse: event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse: add entry: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (SinkReader, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse: new sink %q: %w", name, err)
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter adapts streaming.Sink's Close(ctx) (no return) to the
// SinkReader interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }
