package history

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runloom/agentrt/agent/model"
)

func TestNewCopiesSeed(t *testing.T) {
	seed := []model.Message{{Role: model.RoleUser, Text: "hi"}}
	s := New(seed)
	seed[0].Text = "mutated"

	require.Equal(t, 1, s.Len())
	require.Equal(t, "hi", s.Messages()[0].Text)
}

func TestAppend(t *testing.T) {
	s := New(nil)
	s.Append(model.Message{Role: model.RoleUser, Text: "hi"})
	s.Append(model.Message{Role: model.RoleAssistant, Text: "hello"})
	require.Equal(t, 2, s.Len())
}

func TestExpireAgentStepExpiresAtBothBoundaries(t *testing.T) {
	s := New([]model.Message{
		{Role: model.RoleUser, Text: "a", TTL: model.TTLAgentStep},
		{Role: model.RoleUser, Text: "b"},
	})
	s.Expire(EndOfAgentStep)
	require.Len(t, s.Messages(), 1)
	require.Equal(t, "b", s.Messages()[0].Text)
}

func TestExpireUserPromptOnlyExpiresAtUserPromptBoundary(t *testing.T) {
	s := New([]model.Message{
		{Role: model.RoleUser, Text: "a", TTL: model.TTLUserPrompt},
		{Role: model.RoleUser, Text: "b"},
	})
	s.Expire(EndOfAgentStep)
	require.Len(t, s.Messages(), 2, "userPrompt TTL must survive an agentStep boundary")

	s.Expire(EndOfUserPrompt)
	require.Len(t, s.Messages(), 1)
	require.Equal(t, "b", s.Messages()[0].Text)
}

func TestExpireIsIdempotent(t *testing.T) {
	s := New([]model.Message{
		{Role: model.RoleUser, Text: "a", TTL: model.TTLAgentStep},
		{Role: model.RoleUser, Text: "b"},
	})
	s.Expire(EndOfAgentStep)
	first := append([]model.Message{}, s.Messages()...)
	s.Expire(EndOfAgentStep)
	require.Equal(t, first, s.Messages())
}

func TestRemoveLastIf(t *testing.T) {
	s := New([]model.Message{
		{Role: model.RoleUser, Text: "a"},
		{Role: model.RoleAssistant, Text: "orphan"},
	})
	s.RemoveLastIf(func(m model.Message) bool { return m.Role == model.RoleAssistant })
	require.Len(t, s.Messages(), 1)
	require.Equal(t, "a", s.Messages()[0].Text)
}

func TestRemoveLastIfNoMatchKeepsMessage(t *testing.T) {
	s := New([]model.Message{{Role: model.RoleUser, Text: "a"}})
	s.RemoveLastIf(func(m model.Message) bool { return m.Role == model.RoleAssistant })
	require.Len(t, s.Messages(), 1)
}

func TestRemoveLastIfEmptyHistoryIsNoop(t *testing.T) {
	s := New(nil)
	require.NotPanics(t, func() {
		s.RemoveLastIf(func(model.Message) bool { return true })
	})
}

func TestReplace(t *testing.T) {
	s := New([]model.Message{
		{Role: model.RoleUser, Text: "a"},
		{Role: model.RoleAssistant, Text: "b"},
	})
	s.Replace(model.Message{Role: model.RoleUser, Text: "compacted"})
	require.Len(t, s.Messages(), 1)
	require.Equal(t, "compacted", s.Messages()[0].Text)
}

func TestFilterUnfinishedToolCallsDropsOrphanCalls(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleUser, Text: "do it"},
		{
			Role: model.RoleAssistant,
			Parts: []model.Part{
				model.TextPart{Text: "working on it"},
				model.ToolCallPart{ToolCallID: "call-1", ToolName: "search"},
			},
		},
		{Role: model.RoleTool, ToolCallID: "call-1", Text: "result"},
		{
			Role: model.RoleAssistant,
			Parts: []model.Part{
				model.ToolCallPart{ToolCallID: "call-2", ToolName: "search"},
			},
		},
	}

	out := FilterUnfinishedToolCalls(messages)
	require.Len(t, out, 3, "the orphan-only assistant message should be dropped entirely")
	for _, m := range out {
		for _, p := range m.Parts {
			if tc, ok := p.(model.ToolCallPart); ok {
				require.NotEqual(t, "call-2", tc.ToolCallID)
			}
		}
	}
}

func TestFilterUnfinishedToolCallsDoesNotMutateInput(t *testing.T) {
	messages := []model.Message{
		{
			Role: model.RoleAssistant,
			Parts: []model.Part{
				model.ToolCallPart{ToolCallID: "call-1", ToolName: "search"},
			},
		},
	}
	_ = FilterUnfinishedToolCalls(messages)
	require.Len(t, messages[0].Parts, 1, "the caller's slice must be left untouched")
}
