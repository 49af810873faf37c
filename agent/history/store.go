// Package history implements the Message Store (spec.md §4.1): an
// immutable-by-convention conversation history with tagging, TTL
// expiration, and token-bounded truncation.
package history

import (
	"github.com/runloom/agentrt/agent/model"
)

// Store owns one agent's conversation history and enforces the invariants
// from spec.md §3/§4.1. It is not safe for concurrent use from multiple
// goroutines; callers own synchronization the way a single agent run owns
// its own Store.
type Store struct {
	messages []model.Message
}

// New constructs a Store seeded with the given messages (used when an
// Agent Loop resumes with existing messages, spec.md §4.5 step 6).
func New(seed []model.Message) *Store {
	s := &Store{messages: make([]model.Message, len(seed))}
	copy(s.messages, seed)
	return s
}

// Messages returns the current history. The returned slice must not be
// mutated by the caller.
func (s *Store) Messages() []model.Message { return s.messages }

// Len reports the number of messages currently held.
func (s *Store) Len() int { return len(s.messages) }

// Append adds message at the tail.
func (s *Store) Append(message model.Message) {
	s.messages = append(s.messages, message)
}

// EndOf names a TTL expiration boundary (spec.md §4.1 `expire`).
type EndOf string

const (
	// EndOfAgentStep is reached at the end of every agent step.
	EndOfAgentStep EndOf = "agentStep"
	// EndOfUserPrompt is reached only when a new user prompt starts.
	EndOfUserPrompt EndOf = "userPrompt"
)

// Expire removes messages whose TTL matches or is weaker than endOf:
// TTLAgentStep expires at both EndOfAgentStep and EndOfUserPrompt;
// TTLUserPrompt expires only at EndOfUserPrompt; an absent TTL never
// expires. Expire is idempotent (testable property 2, spec.md §8): calling
// it twice in a row with the same endOf is a no-op the second time because
// every message it would have removed is already gone.
func (s *Store) Expire(endOf EndOf) {
	kept := s.messages[:0:0]
	for _, m := range s.messages {
		if expires(m.TTL, endOf) {
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
}

func expires(ttl model.TTL, endOf EndOf) bool {
	switch ttl {
	case model.TTLAgentStep:
		return true // expires at both boundaries
	case model.TTLUserPrompt:
		return endOf == EndOfUserPrompt
	default:
		return false // no TTL, never expires
	}
}

// RemoveLastIf removes the tail message when pred reports true for it. Used
// to undo an assistant message introducing an orphan tool call that dispatch
// refused (spec.md §4.2 "it does not emit a tool_call/tool_result pair").
func (s *Store) RemoveLastIf(pred func(model.Message) bool) {
	if len(s.messages) == 0 {
		return
	}
	if pred(s.messages[len(s.messages)-1]) {
		s.messages = s.messages[:len(s.messages)-1]
	}
}

// Replace discards the entire history and replaces it with a single
// message. Used by the "/compact" command (spec.md §4.4 step 4).
func (s *Store) Replace(message model.Message) {
	s.messages = []model.Message{message}
}

// FilterUnfinishedToolCalls returns a NEW slice (the receiver's own history
// is left untouched, per spec.md §9 "Parent → child message filtering":
// only the child's initial history is filtered) with any assistant
// tool-call parts whose ToolCallID lacks a matching tool message removed.
// Assistant messages whose content becomes empty after filtering are
// dropped entirely. Used when exporting history to a spawning child
// (spec.md §3 invariant 1, §4.5 step 3).
func FilterUnfinishedToolCalls(messages []model.Message) []model.Message {
	finished := make(map[string]struct{})
	for _, m := range messages {
		if m.Role == model.RoleTool && m.ToolCallID != "" {
			finished[m.ToolCallID] = struct{}{}
		}
	}
	out := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == model.RoleAssistant && m.HasParts() {
			parts := make([]model.Part, 0, len(m.Parts))
			for _, p := range m.Parts {
				if tc, ok := p.(model.ToolCallPart); ok {
					if _, ok := finished[tc.ToolCallID]; !ok {
						continue // drop: no matching tool result
					}
				}
				parts = append(parts, p)
			}
			if len(parts) == 0 {
				continue // drop the whole message
			}
			m.Parts = parts
		}
		out = append(out, m)
	}
	return out
}
