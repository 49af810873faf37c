package tools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentMCPServer(t *testing.T) {
	server, name, ok := Ident("github/search_issues").MCPServer()
	require.True(t, ok)
	require.Equal(t, "github", server)
	require.Equal(t, "search_issues", name)
}

func TestIdentMCPServerBareName(t *testing.T) {
	server, name, ok := Ident("read_file").MCPServer()
	require.False(t, ok)
	require.Empty(t, server)
	require.Equal(t, "read_file", name)
}
