package agent

// BaseAgents is the fixed set of template identifiers that may spawn any
// child template without an explicit spawnableAgents entry (spec.md
// Glossary "Base agents", §4.2 rule 1).
var BaseAgents = map[Ident]struct{}{
	"base":              {},
	"base-lite":         {},
	"base-max":          {},
	"base-experimental": {},
}

// IsBaseAgent reports whether id names one of the fixed base templates.
func IsBaseAgent(id Ident) bool {
	_, ok := BaseAgents[id]
	return ok
}

// MaxAgentDepth bounds recursive subagent spawning (spec.md §9 design
// note). A parent whose ancestor chain already has this many entries must
// refuse to spawn further descendants.
const MaxAgentDepth = 10
