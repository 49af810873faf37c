package agent

// Bounds describes how a tool result, or a trimmed slice of message history,
// has been bounded relative to the full underlying data set. It is a small,
// provider-agnostic contract used across the runtime so callers can surface
// truncation metadata without re-inspecting tool- or history-specific
// fields.
//
// Returned reports how many items or points are present in the bounded
// view. Total, when non-nil, reports the best-effort total before
// truncation. Truncated indicates whether any caps were applied.
type Bounds struct {
	Returned  int
	Total     *int
	Truncated bool
}

// BoundedResult is an optional interface implemented by tool result types
// that expose boundedness metadata directly. Nothing in this module
// consults it: the dispatcher passes tool output through as raw JSON
// without inspecting it.
type BoundedResult interface {
	Bounds() Bounds
}
