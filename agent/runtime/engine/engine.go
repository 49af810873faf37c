// Package engine is the small execution seam agent/runtime goes through
// instead of calling goroutines directly (SPEC_FULL.md §5 "Engine
// abstraction"). It is the in-process analogue of the teacher's
// engine.Engine/engine.WorkflowContext abstraction
// (runtime/agent/engine/engine.go), intentionally shrunk: this module does
// not run behind a durable workflow engine (DESIGN.md explains why
// go.temporal.io/sdk was dropped), so there is no workflow registration,
// activity retry policy, or signal channel here — only the two primitives
// the Agent Loop's suspension points actually need: spawning concurrent
// work and injectable sleeps, both swappable for deterministic tests.
package engine

import (
	"context"
	"time"
)

// Future represents pending work started via Engine.Go. Calling Get more
// than once returns the same result.
type Future interface {
	// Get blocks until the work completes and returns its error.
	Get(ctx context.Context) error
	// Ready reports whether the work has completed without blocking.
	Ready() bool
}

// Engine abstracts the two suspension primitives the Agent Loop uses that a
// real implementation might one day want to make durable: spawning child
// work (recursive subagent invocations, spec.md §4.5 "Subagent spawning")
// and sleeping (currently unused by the base spec but kept for parity with
// SPEC_FULL.md §5 and to give a future retry/backoff feature a seam to hook
// into without touching agent/runtime's call sites).
type Engine interface {
	// Go starts fn concurrently and returns a Future for its completion.
	Go(ctx context.Context, fn func(context.Context) error) Future
	// Sleep pauses for d, or returns ctx.Err() if ctx is cancelled first.
	Sleep(ctx context.Context, d time.Duration) error
}

// Goroutine is the production Engine: Go launches a real goroutine, Sleep
// uses a real timer.
type Goroutine struct{}

// New constructs the production goroutine-backed Engine.
func New() Goroutine { return Goroutine{} }

func (Goroutine) Go(ctx context.Context, fn func(context.Context) error) Future {
	f := &future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.err = fn(ctx)
	}()
	return f
}

func (Goroutine) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type future struct {
	done chan struct{}
	err  error
}

func (f *future) Get(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
