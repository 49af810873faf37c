package streamproc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInlineToolScannerRecognizesCompleteTagInOneChunk(t *testing.T) {
	s := newInlineToolScanner()
	calls := s.Feed("Let me check that. <read_file><path>a.go</path></read_file> done.")
	require.Len(t, calls, 1)
	require.Equal(t, "read_file", string(calls[0].ToolName))
	require.JSONEq(t, `{"path":"a.go"}`, string(calls[0].Input))
}

func TestInlineToolScannerRecognizesTagSplitAcrossChunks(t *testing.T) {
	s := newInlineToolScanner()
	require.Empty(t, s.Feed("before <read_"))
	require.Empty(t, s.Feed("file><path>a."))
	calls := s.Feed("go</path></read_file> after")
	require.Len(t, calls, 1)
	require.Equal(t, "read_file", string(calls[0].ToolName))
}

func TestInlineToolScannerBareBodyBecomesInputField(t *testing.T) {
	s := newInlineToolScanner()
	calls := s.Feed("<keep_going>raw text</keep_going>")
	require.Len(t, calls, 1)
	require.JSONEq(t, `{"input":"raw text"}`, string(calls[0].Input))
}

func TestInlineToolScannerAssignsDistinctSequentialIDs(t *testing.T) {
	s := newInlineToolScanner()
	calls := s.Feed("<a></a><a></a>")
	require.Len(t, calls, 2)
	require.NotEqual(t, calls[0].ToolCallID, calls[1].ToolCallID)
}

func TestInlineToolScannerFlushDiscardsUnterminatedTrailingTag(t *testing.T) {
	s := newInlineToolScanner()
	require.Empty(t, s.Feed("trailing <read_file><path>a.go</path>"))
	tail := s.Flush()
	require.Empty(t, string(tail.ToolName))
}

func TestInlineToolScannerFlushDiscardsTagWithTruncatedClosingTag(t *testing.T) {
	s := newInlineToolScanner()
	require.Empty(t, s.Feed("<read_file><path>a.go</path></read_file"))
	tail := s.Flush()
	require.Empty(t, string(tail.ToolName), "a truncated closing tag must not be recognized as complete")
}

func TestInlineToolScannerSkipsStrayClosingTag(t *testing.T) {
	s := newInlineToolScanner()
	calls := s.Feed("</oops><read_file><path>a.go</path></read_file>")
	require.Len(t, calls, 1)
	require.Equal(t, "read_file", string(calls[0].ToolName))
}
