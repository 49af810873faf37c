// Package coroutine implements the Programmatic Step Handler and the
// process-wide Generator Registry (spec.md §4.5 "Programmatic turn", §9
// "Coroutine → explicit state machine").
//
// spec.md §9 frames the programmatic step handler as a language-level
// generator and notes that a target without first-class generators must
// fall back to an explicit state machine. Go has real coroutines in the
// form of goroutines plus channels, so this package keeps the forward
// design: Handler runs as an ordinary function on its own goroutine,
// communicating with the Agent Loop through a pair of unbuffered,
// rendezvous-style channels rather than a hand-rolled state object.
package coroutine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/runloom/agentrt/agent/tools"
)

// YieldKind discriminates the five yield variants (spec.md §4.5
// "Programmatic turn").
type YieldKind string

const (
	YieldStep      YieldKind = "STEP"
	YieldStepAll   YieldKind = "STEP_ALL"
	YieldStepText  YieldKind = "STEP_TEXT"
	YieldGenerateN YieldKind = "GENERATE_N"
	YieldToolCall  YieldKind = "TOOL_CALL"
)

// Yield is the value a Handler passes back to the Agent Loop each time it
// pauses.
type Yield struct {
	Kind YieldKind

	// StepText is set for YieldStepText.
	StepText string

	// N is set for YieldGenerateN.
	N int

	// ToolName/Input/IncludeToolCall are set for YieldToolCall: the handler
	// requests one tool call be executed as if the agent had issued it.
	ToolName        tools.Ident
	Input           json.RawMessage
	IncludeToolCall bool
}

// Resume is what the Agent Loop passes back into a Handler on each
// resumption (spec.md §4.5 "On each resumption it is passed...").
type Resume struct {
	PublicAgentState any
	ToolResult       json.RawMessage
	StepsComplete    bool
	NResponses       []string
}

// Handler is the programmatic step handler body: `template.handleSteps`
// (spec.md §4.5). It receives the initial resume value and a yield function
// it calls every time it wants to pause; yield returns the next Resume
// value. Handler returns when the coroutine is "done" (spec.md "On done
// from the coroutine, set endTurn = true").
type Handler func(ctx context.Context, initial Resume, yield func(Yield) Resume) error

// Coroutine is one live, suspended programmatic step handler, running on
// its own goroutine and communicating via a rendezvous channel pair.
type Coroutine struct {
	resumeCh chan Resume
	yieldCh  chan yieldOrDone
	cancel   context.CancelFunc
	done     bool
}

type yieldOrDone struct {
	yield Yield
	err   error
	done  bool
}

// Start launches handler on a new goroutine, paused immediately awaiting
// its first resumption.
func Start(ctx context.Context, handler Handler) *Coroutine {
	ctx, cancel := context.WithCancel(ctx)
	c := &Coroutine{
		resumeCh: make(chan Resume),
		yieldCh:  make(chan yieldOrDone),
		cancel:   cancel,
	}
	go func() {
		defer close(c.yieldCh)
		initial := <-c.resumeCh
		yield := func(y Yield) Resume {
			select {
			case c.yieldCh <- yieldOrDone{yield: y}:
			case <-ctx.Done():
				// The coroutine will observe ctx.Done() itself on its next
				// check; returning a zero Resume here lets a handler that
				// ignores context cancellation still unwind instead of
				// blocking forever.
				return Resume{}
			}
			select {
			case r := <-c.resumeCh:
				return r
			case <-ctx.Done():
				return Resume{}
			}
		}
		err := handler(ctx, initial, yield)
		select {
		case c.yieldCh <- yieldOrDone{done: true, err: err}:
		case <-ctx.Done():
		}
	}()
	return c
}

// Resume sends in to the coroutine and blocks until it yields again or
// finishes. ok is false once the coroutine is done; err carries the
// handler's return error in that case (spec.md §4.5 "Handler errors").
func (c *Coroutine) Resume(in Resume) (yield Yield, ok bool, err error) {
	if c.done {
		return Yield{}, false, nil
	}
	c.resumeCh <- in
	out, open := <-c.yieldCh
	if !open || out.done {
		c.done = true
		return Yield{}, false, out.err
	}
	return out.yield, true, nil
}

// Done reports whether the coroutine has already finished.
func (c *Coroutine) Done() bool { return c.done }

// Stop cancels the coroutine's context and drains it so its goroutine does
// not leak. Safe to call multiple times.
func (c *Coroutine) Stop() {
	if c.done {
		return
	}
	c.cancel()
	c.done = true
	go func() {
		for range c.yieldCh {
		}
	}()
}

// Registry is the process-wide Generator Registry (spec.md §3): a mapping
// from runId to its live coroutine, plus the step-all set. A run only
// touches its own entry, so map-level locking is sufficient — no inter-run
// lock is required (spec.md §5 "Shared resources").
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Coroutine
	stepAll map[string]struct{}
}

// NewRegistry constructs an empty Generator Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Coroutine), stepAll: make(map[string]struct{})}
}

// GetOrStart returns the coroutine for runId, starting it via handler on
// first access ("created lazily on first step of a run whose template has
// a handler", spec.md §3).
func (r *Registry) GetOrStart(ctx context.Context, runID string, handler Handler) *Coroutine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.entries[runID]; ok {
		return c
	}
	c := Start(ctx, handler)
	r.entries[runID] = c
	return c
}

// Lookup returns the coroutine for runId without starting one.
func (r *Registry) Lookup(runID string) (*Coroutine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entries[runID]
	return c, ok
}

// Destroy stops and removes runId's coroutine and clears its step-all flag
// ("destroyed when that run terminates", spec.md §3).
func (r *Registry) Destroy(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.entries[runID]; ok {
		c.Stop()
		delete(r.entries, runID)
	}
	delete(r.stepAll, runID)
}

// SetStepAll marks/unmarks runId as being in "step-all" mode (spec.md
// §4.5 YIELD_STEP_ALL, §Glossary "Step-all mode").
func (r *Registry) SetStepAll(runID string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.stepAll[runID] = struct{}{}
	} else {
		delete(r.stepAll, runID)
	}
}

// IsStepAll reports whether runId is currently in step-all mode.
func (r *Registry) IsStepAll(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stepAll[runID]
	return ok
}
