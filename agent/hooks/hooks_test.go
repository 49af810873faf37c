package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runloom/agentrt/agent/model"
)

func TestPublishDeliversToAllSubscribersInOrder(t *testing.T) {
	bus := New()
	var order []string
	bus.Subscribe(func(ctx context.Context, ev Event) error {
		order = append(order, "first:"+string(ev.Type()))
		return nil
	})
	bus.Subscribe(func(ctx context.Context, ev Event) error {
		order = append(order, "second:"+string(ev.Type()))
		return nil
	})

	require.NoError(t, bus.PublishSubagentStart(context.Background(), "run-1", "run-2", "agent.child", "call-1"))
	require.Equal(t, []string{"first:subagent_start", "second:subagent_start"}, order)
}

func TestPublishStopsAtFirstError(t *testing.T) {
	bus := New()
	boom := errors.New("boom")
	calledSecond := false
	bus.Subscribe(func(ctx context.Context, ev Event) error { return boom })
	bus.Subscribe(func(ctx context.Context, ev Event) error { calledSecond = true; return nil })

	err := bus.PublishSubagentFinish(context.Background(), "run-1", "run-2")
	require.ErrorIs(t, err, boom)
	require.False(t, calledSecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	count := 0
	unsubscribe := bus.Subscribe(func(ctx context.Context, ev Event) error { count++; return nil })
	require.NoError(t, bus.PublishSubagentStart(context.Background(), "r", "c", "a", "t"))
	require.Equal(t, 1, count)

	unsubscribe()
	require.NoError(t, bus.PublishSubagentStart(context.Background(), "r", "c", "a", "t"))
	require.Equal(t, 1, count)
}

func TestRunSinkOnResponseChunkTranslatesTextDelta(t *testing.T) {
	bus := New()
	var got Event
	bus.Subscribe(func(ctx context.Context, ev Event) error { got = ev; return nil })

	sink := bus.ForRun("run-42")
	require.NoError(t, sink.OnResponseChunk(context.Background(), model.Chunk{Type: model.ChunkText, TextDelta: "hello"}))

	text, ok := got.(TextDelta)
	require.True(t, ok)
	require.Equal(t, "run-42", text.RunID())
	require.Equal(t, "hello", text.Text)
}

func TestRunSinkOnResponseChunkTranslatesToolCallEnd(t *testing.T) {
	bus := New()
	var got Event
	bus.Subscribe(func(ctx context.Context, ev Event) error { got = ev; return nil })

	sink := bus.ForRun("run-1")
	require.NoError(t, sink.OnResponseChunk(context.Background(), model.Chunk{
		Type: model.ChunkToolCallEnd, ToolCallID: "tc-1", ToolName: "search", ToolInputJSON: `{"q":"x"}`,
	}))

	call, ok := got.(ToolCallEvent)
	require.True(t, ok)
	require.Equal(t, "tc-1", call.ToolCallID)
	require.Equal(t, `{"q":"x"}`, string(call.Input))
}

func TestRunSinkIgnoresUnhandledChunkTypes(t *testing.T) {
	bus := New()
	called := false
	bus.Subscribe(func(ctx context.Context, ev Event) error { called = true; return nil })

	sink := bus.ForRun("run-1")
	require.NoError(t, sink.OnResponseChunk(context.Background(), model.Chunk{Type: model.ChunkFinish, MessageID: "m1"}))
	require.False(t, called)
}

func TestPublishToolResultCarriesIsError(t *testing.T) {
	bus := New()
	var got Event
	bus.Subscribe(func(ctx context.Context, ev Event) error { got = ev; return nil })

	require.NoError(t, bus.PublishToolResult(context.Background(), "run-1", "tc-1", "search", []byte(`"err"`), true))
	res, ok := got.(ToolResultEvent)
	require.True(t, ok)
	require.True(t, res.IsError)
}
