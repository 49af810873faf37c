// Package policy implements tool allow/deny filtering beyond an Agent
// Template's static permitted-tool set, plus the spawn-permission rule for
// subagent creation (spec.md §4.2).
package policy

import (
	"strings"

	"github.com/runloom/agentrt/agent"
	"github.com/runloom/agentrt/agent/tools"
)

// ToolMetadata is the subset of a tools.Spec the policy engine needs to
// evaluate allow/block rules.
type ToolMetadata struct {
	ID   tools.Ident
	Tags []string
}

// Decision is the outcome of one Engine.Decide call.
type Decision struct {
	AllowedTools []tools.Ident
	Labels       map[string]string
}

// Options configures Engine.
type Options struct {
	// AllowTags restricts tool execution to metadata tags. Empty means no
	// tag filter.
	AllowTags []string
	// BlockTags excludes tools containing any of these tags.
	BlockTags []string
	// AllowTools explicitly allowlists tool IDs. Takes precedence over tags.
	AllowTools []tools.Ident
	// BlockTools explicitly blocks tool IDs.
	BlockTools []tools.Ident
	// Label annotates emitted policy labels; defaults to "basic".
	Label string
}

// Engine filters candidate tool calls against allow/block tag and tool-id
// lists (SPEC_FULL.md §4.2 "Policy engine").
type Engine struct {
	allowTags  map[string]struct{}
	blockTags  map[string]struct{}
	allowTools map[tools.Ident]struct{}
	blockTools map[tools.Ident]struct{}
	label      string
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "basic"
	}
	return &Engine{
		allowTags:  toSet(opts.AllowTags),
		blockTags:  toSet(opts.BlockTags),
		allowTools: toSetIdent(opts.AllowTools),
		blockTools: toSetIdent(opts.BlockTools),
		label:      label,
	}
}

// Decide filters candidates to the subset allowed by the configured
// allow/block lists.
func (e *Engine) Decide(candidates []tools.Ident, meta map[tools.Ident]ToolMetadata) Decision {
	allowed := make([]tools.Ident, 0, len(candidates))
	seen := make(map[tools.Ident]struct{}, len(candidates))
	for _, id := range candidates {
		if _, dup := seen[id]; dup {
			continue
		}
		md, ok := meta[id]
		if !ok {
			continue
		}
		if !e.isAllowed(md) {
			continue
		}
		allowed = append(allowed, id)
		seen[id] = struct{}{}
	}
	return Decision{AllowedTools: allowed, Labels: map[string]string{"policy_engine": e.label}}
}

func (e *Engine) isAllowed(md ToolMetadata) bool {
	if len(e.blockTools) > 0 {
		if _, blocked := e.blockTools[md.ID]; blocked {
			return false
		}
	}
	if len(e.blockTags) > 0 {
		for _, tag := range md.Tags {
			if _, blocked := e.blockTags[tag]; blocked {
				return false
			}
		}
	}
	if len(e.allowTools) > 0 {
		_, ok := e.allowTools[md.ID]
		return ok
	}
	if len(e.allowTags) > 0 {
		for _, tag := range md.Tags {
			if _, ok := e.allowTags[tag]; ok {
				return true
			}
		}
		return false
	}
	return true
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func toSetIdent(values []tools.Ident) map[tools.Ident]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[tools.Ident]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// SpawnDecision evaluates whether parent may spawn child under the
// compatible-id rule (spec.md §4.2 "Permission for spawn_agents"):
//  1. Base agents may spawn anything.
//  2. Otherwise, child must match one of parent's spawnableAgents entries by
//     equality on (Publisher, ID, Version), with Publisher/Version wildcards
//     when absent on the child.
func SpawnDecision(parentID agent.Ident, spawnableAgents []agent.QualifiedID, child agent.QualifiedID) (bool, string) {
	if agent.IsBaseAgent(parentID) {
		return true, ""
	}
	for _, pattern := range spawnableAgents {
		if pattern.Compatible(child) {
			return true, ""
		}
	}
	return false, "agent " + string(parentID) + " is not permitted to spawn " + child.ID
}
