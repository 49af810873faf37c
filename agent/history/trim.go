package history

import (
	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/tools"
)

// Simplifier summarizes a tool message's output when it has aged out of the
// "keep full output" window (SPEC_FULL.md §4.1 "Terminal-output
// simplification"). Implementations must not mutate msg.
type Simplifier interface {
	Simplify(msg model.Message) model.Message
}

// SimplifierFunc adapts a function to the Simplifier interface.
type SimplifierFunc func(model.Message) model.Message

func (f SimplifierFunc) Simplify(msg model.Message) model.Message { return f(msg) }

// TrimOptions configures TrimToTokenBudget.
type TrimOptions struct {
	// Estimator computes the token cost of a message slice. Required.
	Estimator func([]model.Message) int

	// Simplifiers maps a tool name to the Simplifier applied to its older
	// messages. run_terminal_command is the canonical entry (spec.md
	// §4.1 step 1); SPEC_FULL.md generalizes this to a pluggable map so
	// other long-output tools can register their own strategy.
	Simplifiers map[tools.Ident]Simplifier

	// KeepRecentPerTool bounds how many of the newest messages for each
	// tool in Simplifiers keep their full output before older ones are
	// simplified. Zero means the spec.md default of 5.
	KeepRecentPerTool int

	// ShortenedTokenFactor reserves headroom for new turns after
	// trimming (spec.md §4.1 step 2). Zero means the spec.md default of
	// 0.7.
	ShortenedTokenFactor float64
}

const (
	defaultKeepRecentPerTool    = 5
	defaultShortenedTokenFactor = 0.7

	// TagOmitted marks the single placeholder message inserted in place of
	// a dropped contiguous run (spec.md §4.1 step 2, invariant 4).
	TagOmitted = "omitted"
)

func (o TrimOptions) keepRecent() int {
	if o.KeepRecentPerTool > 0 {
		return o.KeepRecentPerTool
	}
	return defaultKeepRecentPerTool
}

func (o TrimOptions) factor() float64 {
	if o.ShortenedTokenFactor > 0 {
		return o.ShortenedTokenFactor
	}
	return defaultShortenedTokenFactor
}

// TrimToTokenBudget implements spec.md §4.1 `trimToTokenBudget`: newest-to-
// oldest terminal-output simplification, then contiguous-run dropping with
// a single "omitted" placeholder per dropped run, then cache-control
// stripping. It is a fixed point (testable property 3, spec.md §8): when
// the current history already fits under max, the receiver's slice is
// left unchanged (same backing array, no element rewritten).
func (s *Store) TrimToTokenBudget(systemTokens, max int, opts TrimOptions) {
	if opts.Estimator == nil {
		opts.Estimator = EstimateTokens
	}
	if opts.Estimator(s.messages)+systemTokens <= max {
		return // already fits: fixed point, no mutation
	}

	s.simplifyAgedToolOutputs(opts)

	required := 0
	for _, m := range s.messages {
		if m.KeepDuringTruncation {
			required += opts.Estimator([]model.Message{m})
		}
	}
	budget := opts.factor()*float64(max-systemTokens-required) + float64(required)

	s.dropUntilFits(systemTokens, int(budget), opts.Estimator)
	s.clearCacheControl()
}

// simplifyAgedToolOutputs keeps the opts.keepRecent() most recent messages
// for each simplifiable tool untouched and replaces earlier ones via the
// registered Simplifier.
func (s *Store) simplifyAgedToolOutputs(opts TrimOptions) {
	if len(opts.Simplifiers) == 0 {
		return
	}
	seenByTool := make(map[tools.Ident]int, len(opts.Simplifiers))
	keep := opts.keepRecent()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role != model.RoleTool {
			continue
		}
		simplifier, ok := opts.Simplifiers[m.ToolName]
		if !ok {
			continue
		}
		seenByTool[m.ToolName]++
		if seenByTool[m.ToolName] <= keep {
			continue // still within the "keep full output" window
		}
		s.messages[i] = simplifier.Simplify(m)
	}
}

// dropUntilFits removes contiguous older non-kept messages until the
// remainder plus systemTokens fits under budget, replacing each dropped run
// with exactly one placeholder message (spec.md §4.1 step 2, invariant 4).
func (s *Store) dropUntilFits(systemTokens, budget int, estimate func([]model.Message) int) {
	for estimate(s.messages)+systemTokens > budget {
		idx := firstDroppable(s.messages)
		if idx < 0 {
			return // nothing left that can be dropped
		}
		end := idx
		for end < len(s.messages) && !s.messages[end].KeepDuringTruncation {
			end++
		}
		placeholder := model.Message{
			Role:                 model.RoleUser,
			Text:                 "[previous messages omitted]",
			Tags:                 map[string]struct{}{TagOmitted: {}},
			KeepDuringTruncation: true,
		}
		next := make([]model.Message, 0, len(s.messages)-(end-idx)+1)
		next = append(next, s.messages[:idx]...)
		next = append(next, placeholder)
		next = append(next, s.messages[end:]...)
		s.messages = next
	}
}

func firstDroppable(messages []model.Message) int {
	for i, m := range messages {
		if !m.KeepDuringTruncation {
			return i
		}
	}
	return -1
}

func (s *Store) clearCacheControl() {
	for i := range s.messages {
		if s.messages[i].CacheControl != nil {
			s.messages[i].CacheControl = nil
		}
	}
}

// EstimateTokens is the default token estimator: a byte-length heuristic
// (four bytes per token, plus a flat 256 per image part). The Agent Loop's
// fallback input-token estimate (spec.md §4.5 step 2) is a separate
// function in agent/runtime that uses the same four-bytes-per-token ratio.
func EstimateTokens(messages []model.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Text) / 4
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				total += len(v.Text) / 4
			case model.ToolCallPart:
				total += len(v.Input) / 4
			case model.ToolResultPart:
				total += EstimateTokens([]model.Message{{Parts: v.Content}})
			case model.ImagePart:
				total += 256
			}
		}
	}
	return total
}
