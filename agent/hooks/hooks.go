// Package hooks implements the in-process response sink / event bus
// (spec.md §6 "Response sink": `onResponseChunk(chunk)` where chunk is
// either a string assistant-text delta or one of
// `{tool_call, tool_result, subagent_start, subagent_finish,
// reasoning_delta, error}`). Bus both satisfies streamproc.Sink directly
// (translating model.Chunk into typed Events) and exposes Publish for the
// Agent Loop's own subagent_start/subagent_finish events, which streamproc
// never produces since it only sees one turn at a time.
package hooks

import (
	"context"
	"sync"

	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/tools"
)

// EventType enumerates the tagged event kinds from spec.md §6.
type EventType string

const (
	EventText           EventType = "text"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventSubagentStart  EventType = "subagent_start"
	EventSubagentFinish EventType = "subagent_finish"
	EventError          EventType = "error"
)

// Event is one item delivered to a Subscriber. Concrete events embed Base
// and add their own fields; subscribers that need structured access type
// assert to the concrete type, mirroring how a transport that only needs
// generic delivery can work off Type/RunID alone.
type Event interface {
	Type() EventType
	RunID() string
}

// Base provides the common Event fields.
type Base struct {
	T EventType
	R string
}

func (b Base) Type() EventType { return b.T }
func (b Base) RunID() string   { return b.R }

// TextDelta streams incremental assistant text (spec.md §6 "a string
// (assistant text delta)").
type TextDelta struct {
	Base
	Text string
}

// ReasoningDeltaEvent streams incremental reasoning/thinking text.
type ReasoningDeltaEvent struct {
	Base
	Text string
}

// ToolCallEvent fires when the Stream Processor dispatches a tool call
// (spec.md §5 "tool_call events precede their matching tool_result
// events").
type ToolCallEvent struct {
	Base
	ToolCallID string
	ToolName   tools.Ident
	Input      []byte
}

// ToolResultEvent fires once a dispatched tool call resolves.
type ToolResultEvent struct {
	Base
	ToolCallID string
	ToolName   tools.Ident
	Output     []byte
	IsError    bool
}

// SubagentStartEvent fires before a recursively spawned child's Agent Loop
// begins (spec.md §4.5 "Emit subagent_start on the sink").
type SubagentStartEvent struct {
	Base
	ChildRunID   string
	ChildAgentID string
	ParentRunID  string
	ToolCallID   string
}

// SubagentFinishEvent fires once a spawned child's Agent Loop returns.
type SubagentFinishEvent struct {
	Base
	ChildRunID string
}

// ErrorEvent carries a non-fatal error surfaced mid-stream (e.g. a
// transport hiccup the loop recovered from).
type ErrorEvent struct {
	Base
	Message string
}

// Subscriber receives published events. Returning an error from a
// Subscriber stops delivery to the remaining subscribers for that Publish
// call, the same way the teacher's stream.Sink.Send errors halt its hook
// bus (runtime/agents/stream/stream.go): a delivery failure should surface
// immediately rather than silently drop events for some subscribers and
// not others.
type Subscriber func(ctx context.Context, ev Event) error

// Bus fans out published events to every subscribed Subscriber, in
// subscription order, and also implements streamproc.Sink so the Stream
// Processor can publish chunk-level events without knowing about this
// package's event types.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// New constructs an empty Bus.
func New() *Bus { return &Bus{} }

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
	idx := len(b.subs) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subs) {
			b.subs[idx] = nil
		}
	}
}

// Publish delivers ev to every live subscriber in order, stopping at (and
// returning) the first error.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, fn := range subs {
		if fn == nil {
			continue
		}
		if err := fn(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// OnResponseChunk implements streamproc.Sink: it translates a raw
// model.Chunk into a typed Event and publishes it. runID is bound via
// ForRun since streamproc.Sink's signature does not carry one.
func (b *Bus) OnResponseChunk(ctx context.Context, chunk model.Chunk) error {
	return b.publishChunk(ctx, "", chunk)
}

// OnToolResult implements streamproc.ToolResultSink with an empty RunID, for
// callers that use a *Bus directly as a streamproc.Sink rather than through
// ForRun.
func (b *Bus) OnToolResult(ctx context.Context, toolCallID string, toolName tools.Ident, output []byte, isError bool) error {
	return b.PublishToolResult(ctx, "", toolCallID, toolName, output, isError)
}

// ForRun returns a streamproc.Sink bound to runID, so events published
// through it carry the correct RunID without every call site having to
// pass it explicitly.
func (b *Bus) ForRun(runID string) RunSink {
	return RunSink{bus: b, runID: runID}
}

// RunSink is a streamproc.Sink scoped to one run.
type RunSink struct {
	bus   *Bus
	runID string
}

// OnResponseChunk implements streamproc.Sink.
func (s RunSink) OnResponseChunk(ctx context.Context, chunk model.Chunk) error {
	return s.bus.publishChunk(ctx, s.runID, chunk)
}

// OnToolResult implements streamproc.ToolResultSink, scoped to this sink's
// run.
func (s RunSink) OnToolResult(ctx context.Context, toolCallID string, toolName tools.Ident, output []byte, isError bool) error {
	return s.bus.PublishToolResult(ctx, s.runID, toolCallID, toolName, output, isError)
}

func (b *Bus) publishChunk(ctx context.Context, runID string, chunk model.Chunk) error {
	base := Base{R: runID}
	switch chunk.Type {
	case model.ChunkText:
		base.T = EventText
		return b.Publish(ctx, TextDelta{Base: base, Text: chunk.TextDelta})
	case model.ChunkReasoningDelta:
		base.T = EventReasoningDelta
		return b.Publish(ctx, ReasoningDeltaEvent{Base: base, Text: chunk.ReasoningDelta})
	case model.ChunkToolCallEnd:
		base.T = EventToolCall
		return b.Publish(ctx, ToolCallEvent{Base: base, ToolCallID: chunk.ToolCallID, ToolName: chunk.ToolName, Input: []byte(chunk.ToolInputJSON)})
	case model.ChunkError:
		base.T = EventError
		msg := ""
		if chunk.Err != nil {
			msg = chunk.Err.Error()
		}
		return b.Publish(ctx, ErrorEvent{Base: base, Message: msg})
	default:
		return nil
	}
}

// PublishToolResult emits a tool_result event. Bus.OnToolResult and
// RunSink.OnToolResult call it; the Stream Processor invokes those once
// dispatch resolves a call.
func (b *Bus) PublishToolResult(ctx context.Context, runID string, toolCallID string, toolName tools.Ident, output []byte, isError bool) error {
	return b.Publish(ctx, ToolResultEvent{
		Base:       Base{T: EventToolResult, R: runID},
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Output:     output,
		IsError:    isError,
	})
}

// PublishSubagentStart emits a subagent_start event (spec.md §4.5).
func (b *Bus) PublishSubagentStart(ctx context.Context, parentRunID, childRunID, childAgentID, toolCallID string) error {
	return b.Publish(ctx, SubagentStartEvent{
		Base:         Base{T: EventSubagentStart, R: parentRunID},
		ChildRunID:   childRunID,
		ChildAgentID: childAgentID,
		ParentRunID:  parentRunID,
		ToolCallID:   toolCallID,
	})
}

// PublishSubagentFinish emits a subagent_finish event (spec.md §4.5).
func (b *Bus) PublishSubagentFinish(ctx context.Context, parentRunID, childRunID string) error {
	return b.Publish(ctx, SubagentFinishEvent{
		Base:       Base{T: EventSubagentFinish, R: parentRunID},
		ChildRunID: childRunID,
	})
}
