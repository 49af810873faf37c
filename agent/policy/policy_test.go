package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/tools"
)

func metaFor(specs ...ToolMetadata) map[tools.Ident]ToolMetadata {
	out := make(map[tools.Ident]ToolMetadata, len(specs))
	for _, s := range specs {
		out[s.ID] = s
	}
	return out
}

func TestEngineDecideNoRestrictionsAllowsAll(t *testing.T) {
	e := New(Options{})
	meta := metaFor(
		ToolMetadata{ID: "read_file", Tags: []string{"readonly"}},
		ToolMetadata{ID: "write_file", Tags: []string{"destructive"}},
	)
	d := e.Decide([]tools.Ident{"read_file", "write_file"}, meta)
	require.ElementsMatch(t, []tools.Ident{"read_file", "write_file"}, d.AllowedTools)
	require.Equal(t, "basic", d.Labels["policy_engine"])
}

func TestEngineDecideBlockToolsTakesPrecedence(t *testing.T) {
	e := New(Options{BlockTools: []tools.Ident{"write_file"}})
	meta := metaFor(
		ToolMetadata{ID: "read_file"},
		ToolMetadata{ID: "write_file"},
	)
	d := e.Decide([]tools.Ident{"read_file", "write_file"}, meta)
	require.Equal(t, []tools.Ident{"read_file"}, d.AllowedTools)
}

func TestEngineDecideBlockTagsExcludesMatchingTools(t *testing.T) {
	e := New(Options{BlockTags: []string{"destructive"}})
	meta := metaFor(
		ToolMetadata{ID: "read_file", Tags: []string{"readonly"}},
		ToolMetadata{ID: "delete_file", Tags: []string{"destructive"}},
	)
	d := e.Decide([]tools.Ident{"read_file", "delete_file"}, meta)
	require.Equal(t, []tools.Ident{"read_file"}, d.AllowedTools)
}

func TestEngineDecideAllowToolsRestrictsToList(t *testing.T) {
	e := New(Options{AllowTools: []tools.Ident{"read_file"}})
	meta := metaFor(
		ToolMetadata{ID: "read_file"},
		ToolMetadata{ID: "write_file"},
	)
	d := e.Decide([]tools.Ident{"read_file", "write_file"}, meta)
	require.Equal(t, []tools.Ident{"read_file"}, d.AllowedTools)
}

func TestEngineDecideAllowTagsRestrictsToMatching(t *testing.T) {
	e := New(Options{AllowTags: []string{"readonly"}})
	meta := metaFor(
		ToolMetadata{ID: "read_file", Tags: []string{"readonly"}},
		ToolMetadata{ID: "write_file", Tags: []string{"destructive"}},
	)
	d := e.Decide([]tools.Ident{"read_file", "write_file"}, meta)
	require.Equal(t, []tools.Ident{"read_file"}, d.AllowedTools)
}

func TestEngineDecideSkipsUnknownAndDuplicateCandidates(t *testing.T) {
	e := New(Options{})
	meta := metaFor(ToolMetadata{ID: "read_file"})
	d := e.Decide([]tools.Ident{"read_file", "read_file", "unknown"}, meta)
	require.Equal(t, []tools.Ident{"read_file"}, d.AllowedTools)
}

func TestEngineDefaultLabel(t *testing.T) {
	e := New(Options{Label: "  "})
	d := e.Decide(nil, nil)
	require.Equal(t, "basic", d.Labels["policy_engine"])
}

func TestSpawnDecisionBaseAgentAllowsAny(t *testing.T) {
	ok, reason := SpawnDecision(agent.Ident("base"), nil, agent.QualifiedID{ID: "anything"})
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestSpawnDecisionMatchesPattern(t *testing.T) {
	parent := agent.Ident("researcher")
	spawnable := []agent.QualifiedID{{Publisher: "acme", ID: "writer", Version: "1"}}
	ok, reason := SpawnDecision(parent, spawnable, agent.QualifiedID{ID: "writer"})
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestSpawnDecisionRejectsUnlistedChild(t *testing.T) {
	parent := agent.Ident("researcher")
	spawnable := []agent.QualifiedID{{ID: "writer"}}
	ok, reason := SpawnDecision(parent, spawnable, agent.QualifiedID{ID: "coder"})
	require.False(t, ok)
	require.Contains(t, reason, "researcher")
	require.Contains(t, reason, "coder")
}

func TestSpawnDecisionRespectsPublisherAndVersionPins(t *testing.T) {
	parent := agent.Ident("researcher")
	spawnable := []agent.QualifiedID{{Publisher: "acme", ID: "writer", Version: "2"}}

	ok, _ := SpawnDecision(parent, spawnable, agent.QualifiedID{Publisher: "other", ID: "writer", Version: "2"})
	require.False(t, ok)

	ok, _ = SpawnDecision(parent, spawnable, agent.QualifiedID{Publisher: "acme", ID: "writer", Version: "1"})
	require.False(t, ok)

	ok, _ = SpawnDecision(parent, spawnable, agent.QualifiedID{Publisher: "acme", ID: "writer", Version: "2"})
	require.True(t, ok)
}
