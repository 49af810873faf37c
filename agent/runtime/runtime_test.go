package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/coroutine"
	"github.com/runloom/agentrt/agent/dispatch"
	"github.com/runloom/agentrt/agent/hooks"
	"github.com/runloom/agentrt/agent/interrupt"
	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/run"
	"github.com/runloom/agentrt/agent/run/inmem"
	"github.com/runloom/agentrt/agent/template"
	"github.com/runloom/agentrt/agent/tools"
)

// fakeStreamer replays a fixed sequence of chunks, one turn's worth.
type fakeStreamer struct {
	chunks []model.Chunk
	i      int
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.i >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}

func (f *fakeStreamer) Close() error { return nil }

// fakeClient replays one scripted []model.Chunk slice per call to
// PromptStream, in order; it errors once the script runs out.
type fakeClient struct {
	turns [][]model.Chunk
	n     int
}

func (c *fakeClient) PromptStream(_ context.Context, _ model.Request) (model.Streamer, error) {
	if c.n >= len(c.turns) {
		return nil, errors.New("fakeClient: no more scripted turns")
	}
	chunks := c.turns[c.n]
	c.n++
	return &fakeStreamer{chunks: chunks}, nil
}

func (c *fakeClient) Prompt(context.Context, model.Request) (model.Response, error) {
	return model.Response{}, errors.New("fakeClient: Prompt not scripted")
}

func (c *fakeClient) CountTokens(context.Context, model.Request) (int, error) { return 10, nil }

type toolCall struct {
	name  tools.Ident
	id    string
	input string
}

func textFinishTurn(text string) []model.Chunk {
	return []model.Chunk{
		{Type: model.ChunkText, TextDelta: text},
		{Type: model.ChunkFinish, MessageID: "msg-1", Usage: &model.TokenUsage{Credits: 1}},
	}
}

func toolCallsTurn(calls ...toolCall) []model.Chunk {
	chunks := make([]model.Chunk, 0, len(calls)+1)
	for _, c := range calls {
		chunks = append(chunks, model.Chunk{Type: model.ChunkToolCallEnd, ToolCallID: c.id, ToolName: c.name, ToolInputJSON: c.input})
	}
	chunks = append(chunks, model.Chunk{Type: model.ChunkFinish, MessageID: "msg-1", Usage: &model.TokenUsage{Credits: 1}})
	return chunks
}

func toolCallTurn(toolName tools.Ident, input string) []model.Chunk {
	return toolCallsTurn(toolCall{name: toolName, id: "call-1", input: input})
}

func newTestRuntime(t *testing.T, client model.Client, tmpls ...*template.Template) (*Runtime, *inmem.Store) {
	t.Helper()
	local := make(map[agent.Ident]*template.Template, len(tmpls))
	for _, tmpl := range tmpls {
		require.NoError(t, tmpl.Validate())
		local[tmpl.ID] = tmpl
	}
	registry := template.NewRegistry(local, nil)
	toolRegistry := tools.NewRegistry()
	runs := inmem.New()
	rt := New(registry, toolRegistry, runs, func(string) (model.Client, error) { return client, nil })
	return rt, runs
}

func TestRunCompletesOnTaskCompleted(t *testing.T) {
	client := &fakeClient{turns: [][]model.Chunk{toolCallTurn("task_completed", "{}")}}
	tmpl := &template.Template{ID: "assistant", Model: "test-model", ToolNames: []tools.Ident{"task_completed"}}
	rt, runs := newTestRuntime(t, client, tmpl)

	state, out, err := rt.Run(context.Background(), nil, Input{TemplateID: "assistant", Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, OutputSuccess, out.Type)

	rec, loadErr := runs.Load(context.Background(), state.RunID)
	require.NoError(t, loadErr)
	require.Equal(t, run.StatusCompleted, rec.Status)
	require.Equal(t, 1, rec.TotalSteps)
}

func TestRunEndsOnNoWorkWithoutTaskCompletedTool(t *testing.T) {
	client := &fakeClient{turns: [][]model.Chunk{textFinishTurn("all done, nothing more to do")}}
	tmpl := &template.Template{ID: "plain", Model: "test-model"}
	rt, _ := newTestRuntime(t, client, tmpl)

	_, out, err := rt.Run(context.Background(), nil, Input{TemplateID: "plain", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, OutputSuccess, out.Type)
}

func TestRunForceTerminatesOnStepBudget(t *testing.T) {
	turns := make([][]model.Chunk, 0, 3)
	for i := 0; i < 3; i++ {
		turns = append(turns, toolCallTurn("keep_going", "{}"))
	}
	client := &fakeClient{turns: turns}
	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(tools.Spec{Name: "keep_going"}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	tmpl := &template.Template{ID: "looper", Model: "test-model", ToolNames: []tools.Ident{"keep_going"}, MaxSteps: 2}
	require.NoError(t, tmpl.Validate())
	registry := template.NewRegistry(map[agent.Ident]*template.Template{tmpl.ID: tmpl}, nil)
	runs := inmem.New()
	rt := New(registry, toolRegistry, runs, func(string) (model.Client, error) { return client, nil })

	state, out, err := rt.Run(context.Background(), nil, Input{TemplateID: "looper", Prompt: "go"})
	require.NoError(t, err)
	require.Equal(t, OutputSuccess, out.Type)
	require.Equal(t, 0, state.StepsRemaining)
	// Two real turns (MaxSteps=2) plus the force-terminate turn that
	// observes the exhausted budget without calling the model.
	require.Equal(t, 3, state.stepCount)
	require.Equal(t, 2, client.n)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	client := &fakeClient{}
	tmpl := &template.Template{ID: "assistant", Model: "test-model"}
	rt, runs := newTestRuntime(t, client, tmpl)

	ctrl := interrupt.NewController()
	ctrl.Cancel("user requested stop")

	state, out, err := rt.Run(context.Background(), ctrl, Input{TemplateID: "assistant", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, OutputError, out.Type)
	require.Empty(t, state.RunID)

	_, loadErr := runs.Load(context.Background(), "")
	require.Error(t, loadErr)
}

func TestRunOutputSchemaRetriesOnceThenGivesUp(t *testing.T) {
	client := &fakeClient{turns: [][]model.Chunk{
		textFinishTurn("done, no output set"),
		textFinishTurn("still not calling set_output"),
	}}
	tmpl := &template.Template{
		ID:           "structured",
		Model:        "test-model",
		ToolNames:    []tools.Ident{"set_output"},
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	}
	rt, _ := newTestRuntime(t, client, tmpl)

	_, out, err := rt.Run(context.Background(), nil, Input{TemplateID: "structured", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, OutputSuccess, out.Type)
	require.Empty(t, out.Result)
	// Exactly the two scripted turns ran: the first attempt, then the
	// one-shot retry. A third would mean the retry re-armed.
	require.Equal(t, 2, client.n)
}

func TestRunSetOutputPopulatesResult(t *testing.T) {
	client := &fakeClient{turns: [][]model.Chunk{
		toolCallsTurn(
			toolCall{name: "set_output", id: "call-1", input: `{"answer":42}`},
			toolCall{name: "task_completed", id: "call-2", input: "{}"},
		),
	}}
	tmpl := &template.Template{
		ID:           "structured",
		Model:        "test-model",
		ToolNames:    []tools.Ident{"set_output", "task_completed"},
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	}
	rt, _ := newTestRuntime(t, client, tmpl)

	_, out, err := rt.Run(context.Background(), nil, Input{TemplateID: "structured", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, OutputSuccess, out.Type)
	require.JSONEq(t, `{"answer":42}`, string(out.Result))
}

func TestRunProgrammaticHandlerFailureEndsRunWithErrorOutput(t *testing.T) {
	client := &fakeClient{}
	tmpl := &template.Template{
		ID:    "scripted",
		Model: "test-model",
		Handler: func(string, json.RawMessage) coroutine.Handler {
			return func(context.Context, coroutine.Resume, func(coroutine.Yield) coroutine.Resume) error {
				return errors.New("handler blew up")
			}
		},
	}
	rt, runs := newTestRuntime(t, client, tmpl)

	state, out, err := rt.Run(context.Background(), nil, Input{TemplateID: "scripted", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, OutputError, out.Type)
	require.Contains(t, out.Message, "handler blew up")

	rec, loadErr := runs.Load(context.Background(), state.RunID)
	require.NoError(t, loadErr)
	require.Equal(t, run.StatusCompleted, rec.Status)
}

func TestRunProgrammaticHandlerDrivesPlainSteps(t *testing.T) {
	client := &fakeClient{turns: [][]model.Chunk{textFinishTurn("hello there")}}
	tmpl := &template.Template{
		ID:    "scripted-step",
		Model: "test-model",
		Handler: func(string, json.RawMessage) coroutine.Handler {
			return func(_ context.Context, _ coroutine.Resume, yield func(coroutine.Yield) coroutine.Resume) error {
				resume := yield(coroutine.Yield{Kind: coroutine.YieldStep})
				if !resume.StepsComplete {
					return errors.New("expected step to complete before resuming")
				}
				return nil
			}
		},
	}
	rt, _ := newTestRuntime(t, client, tmpl)

	_, out, err := rt.Run(context.Background(), nil, Input{TemplateID: "scripted-step", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, OutputSuccess, out.Type)
}

type errClient struct{ err error }

func (c *errClient) PromptStream(context.Context, model.Request) (model.Streamer, error) {
	return nil, c.err
}
func (c *errClient) Prompt(context.Context, model.Request) (model.Response, error) {
	return model.Response{}, c.err
}
func (c *errClient) CountTokens(context.Context, model.Request) (int, error) { return 0, c.err }

func TestRunRethrows402FromTransport(t *testing.T) {
	client := &errClient{err: &model.ProviderError{Provider: "test", StatusCode: 402, Err: errors.New("insufficient credits")}}
	tmpl := &template.Template{ID: "assistant", Model: "test-model"}
	rt, _ := newTestRuntime(t, client, tmpl)

	_, _, err := rt.Run(context.Background(), nil, Input{TemplateID: "assistant", Prompt: "hi"})
	require.Error(t, err)
	require.True(t, model.IsPaymentRequired(err))
}

func TestSpawnEnforcesMaxDepth(t *testing.T) {
	client := &fakeClient{}
	child := &template.Template{ID: "child", Model: "test-model"}
	parent := &template.Template{
		ID:              "parent",
		Model:           "test-model",
		ToolNames:       []tools.Ident{"spawn_agents"},
		SpawnableAgents: []agent.QualifiedID{{ID: "child"}},
	}
	rt, _ := newTestRuntime(t, client, parent, child)

	state := &State{AgentType: "parent", AncestorRunIDs: make([]string, agent.MaxAgentDepth)}
	handler := rt.spawnHandler(parent, state, nil)
	_, err := handler(context.Background(), "child", json.RawMessage(`"go"`), "call-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "max depth")
}

func TestSpawnDeniesPolicyMismatch(t *testing.T) {
	client := &fakeClient{}
	other := &template.Template{ID: "other", Model: "test-model"}
	parent := &template.Template{
		ID:              "parent",
		Model:           "test-model",
		ToolNames:       []tools.Ident{"spawn_agents"},
		SpawnableAgents: []agent.QualifiedID{{ID: "child"}},
	}
	rt, _ := newTestRuntime(t, client, parent, other)

	state := &State{AgentType: "parent"}
	handler := rt.spawnHandler(parent, state, nil)
	_, err := handler(context.Background(), "other", json.RawMessage(`"go"`), "call-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not permitted to spawn")
}

// TestSpawnPolicyMismatchThroughDispatchEmitsErrorNotSubagentStart drives a
// spawn denial through the real Dispatcher (rather than calling spawnHandler
// directly), since that is the path an actual tool call takes: the
// dispatcher's coarse SpawnableShortNames map routes the call to the spawn
// handler, but the handler's own policy.SpawnDecision check (Publisher/
// Version pinned) still refuses it. Scenario 4: no subagent_start is ever
// published, and the call surfaces as an ordinary tool error, not silently.
func TestSpawnPolicyMismatchThroughDispatchEmitsErrorNotSubagentStart(t *testing.T) {
	client := &fakeClient{}
	child := &template.Template{ID: "child", Model: "test-model", Publisher: "other", Version: "1"}
	parent := &template.Template{
		ID:              "parent",
		Model:           "test-model",
		ToolNames:       []tools.Ident{"spawn_agents"},
		SpawnableAgents: []agent.QualifiedID{{Publisher: "acme", ID: "child", Version: "2"}},
	}
	rt, _ := newTestRuntime(t, client, parent, child)

	var events []hooks.Event
	rt.Hooks.Subscribe(func(_ context.Context, ev hooks.Event) error {
		events = append(events, ev)
		return nil
	})

	state := &State{AgentType: "parent", RunID: "parent-run"}
	dispatcher := rt.newDispatcher(parent, state, nil)

	res := dispatcher.Execute(context.Background(), nil, dispatch.Call{
		ToolName:   "child",
		Input:      json.RawMessage(`"go"`),
		ToolCallID: "call-1",
	})
	require.True(t, res.IsError)
	require.False(t, res.Refused)
	require.Contains(t, res.ErrorText, "not permitted to spawn")

	for _, ev := range events {
		require.NotEqual(t, hooks.EventSubagentStart, ev.Type(), "a denied spawn must never publish subagent_start")
	}
}

func TestSpawnRollsUpChildCreditsAndChildRunIDs(t *testing.T) {
	childClient := &fakeClient{turns: [][]model.Chunk{toolCallTurn("task_completed", "{}")}}
	child := &template.Template{ID: "child", Model: "test-model", ToolNames: []tools.Ident{"task_completed"}}
	parent := &template.Template{
		ID:              "parent",
		Model:           "test-model",
		ToolNames:       []tools.Ident{"spawn_agents"},
		SpawnableAgents: []agent.QualifiedID{{ID: "child"}},
	}
	rt, _ := newTestRuntime(t, childClient, parent, child)

	state := &State{AgentType: "parent", RunID: "parent-run", AgentContext: map[string]any{}}
	handler := rt.spawnHandler(parent, state, nil)
	out, err := handler(context.Background(), "child", json.RawMessage(`"do the thing"`), "call-1")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Len(t, state.ChildRunIDs, 1)
	require.Greater(t, state.CreditsUsed, 0.0)
}

// TestRunCancelledMidTurnStopsParentAndSpawnedChild is Scenario 6: cancelling
// a run mid-turn must stop a subagent it already spawned, not just the
// parent's own loop, since spawnHandler shares the parent's token with the
// child's own Run call.
func TestRunCancelledMidTurnStopsParentAndSpawnedChild(t *testing.T) {
	parentClient := &fakeClient{turns: [][]model.Chunk{toolCallTurn("child", `"go"`)}}
	childClient := &fakeClient{turns: [][]model.Chunk{
		toolCallTurn("keep_going", "{}"),
		toolCallTurn("keep_going", "{}"),
	}}

	child := &template.Template{ID: "child", Model: "child-model", ToolNames: []tools.Ident{"keep_going"}, MaxSteps: 10}
	parent := &template.Template{
		ID:              "parent",
		Model:           "parent-model",
		ToolNames:       []tools.Ident{"spawn_agents"},
		SpawnableAgents: []agent.QualifiedID{{ID: "child"}},
		MaxSteps:        10,
	}
	require.NoError(t, child.Validate())
	require.NoError(t, parent.Validate())
	registry := template.NewRegistry(map[agent.Ident]*template.Template{parent.ID: parent, child.ID: child}, nil)

	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(tools.Spec{Name: "keep_going"}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	runs := inmem.New()
	rt := New(registry, toolRegistry, runs, func(modelName string) (model.Client, error) {
		if modelName == "child-model" {
			return childClient, nil
		}
		return parentClient, nil
	})

	ctrl := interrupt.NewController()
	rt.Hooks.Subscribe(func(_ context.Context, ev hooks.Event) error {
		if tr, ok := ev.(hooks.ToolResultEvent); ok && tr.ToolName == "keep_going" {
			ctrl.Cancel("test: cancel mid-subagent")
		}
		return nil
	})

	_, out, err := rt.Run(context.Background(), ctrl, Input{TemplateID: "parent", Prompt: "go"})
	require.NoError(t, err)
	require.Equal(t, OutputSuccess, out.Type)

	require.Equal(t, 1, childClient.n, "child must stop after its in-flight turn instead of starting another")
	require.Equal(t, 1, parentClient.n, "parent must stop once cancellation fires, not run a second turn")
}
