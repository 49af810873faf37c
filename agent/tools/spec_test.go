package tools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpecHasTag(t *testing.T) {
	s := Spec{Name: "search", Tags: []string{"readonly", "search"}}
	require.True(t, s.HasTag("readonly"))
	require.False(t, s.HasTag("destructive"))
}
