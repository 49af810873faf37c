package coroutine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartAndResumeRoundTripsYields(t *testing.T) {
	c := Start(context.Background(), func(_ context.Context, initial Resume, yield func(Yield) Resume) error {
		require.Equal(t, "first resume", initial.PublicAgentState)
		r := yield(Yield{Kind: YieldStep})
		require.True(t, r.StepsComplete)
		yield(Yield{Kind: YieldStepText, StepText: "keep going"})
		return nil
	})

	y, ok, err := c.Resume(Resume{PublicAgentState: "first resume"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, YieldStep, y.Kind)

	y, ok, err = c.Resume(Resume{StepsComplete: true})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, YieldStepText, y.Kind)
	require.Equal(t, "keep going", y.StepText)

	_, ok, err = c.Resume(Resume{})
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, c.Done())
}

func TestResumePropagatesHandlerError(t *testing.T) {
	boom := errors.New("handler blew up")
	c := Start(context.Background(), func(context.Context, Resume, func(Yield) Resume) error {
		return boom
	})

	_, ok, err := c.Resume(Resume{})
	require.False(t, ok)
	require.ErrorIs(t, err, boom)
	require.True(t, c.Done())
}

func TestResumeAfterDoneIsANoop(t *testing.T) {
	c := Start(context.Background(), func(context.Context, Resume, func(Yield) Resume) error {
		return nil
	})
	_, ok, err := c.Resume(Resume{})
	require.False(t, ok)
	require.NoError(t, err)

	y, ok, err := c.Resume(Resume{})
	require.False(t, ok)
	require.NoError(t, err)
	require.Equal(t, Yield{}, y)
}

func TestStopUnblocksAHandlerWaitingOnYield(t *testing.T) {
	started := make(chan struct{})
	unblocked := make(chan struct{})
	c := Start(context.Background(), func(ctx context.Context, _ Resume, yield func(Yield) Resume) error {
		close(started)
		yield(Yield{Kind: YieldStep}) // never resumed; Stop must unblock this
		close(unblocked)
		return ctx.Err()
	})

	_, ok, err := c.Resume(Resume{})
	require.NoError(t, err)
	require.True(t, ok)
	<-started
	c.Stop()
	require.True(t, c.Done())

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock the handler's pending yield")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := Start(context.Background(), func(context.Context, Resume, func(Yield) Resume) error {
		return nil
	})
	c.Stop()
	require.NotPanics(t, func() { c.Stop() })
}

func TestRegistryGetOrStartReusesExistingCoroutine(t *testing.T) {
	r := NewRegistry()
	calls := 0
	handler := func(context.Context, Resume, func(Yield) Resume) error {
		calls++
		return nil
	}

	c1 := r.GetOrStart(context.Background(), "run-1", handler)
	c2 := r.GetOrStart(context.Background(), "run-1", handler)
	require.Same(t, c1, c2)

	found, ok := r.Lookup("run-1")
	require.True(t, ok)
	require.Same(t, c1, found)
}

func TestRegistryLookupMissingReturnsFalse(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("absent")
	require.False(t, ok)
}

func TestRegistryDestroyStopsAndRemovesCoroutine(t *testing.T) {
	r := NewRegistry()
	c := r.GetOrStart(context.Background(), "run-1", func(context.Context, Resume, func(Yield) Resume) error {
		return nil
	})
	r.SetStepAll("run-1", true)

	r.Destroy("run-1")
	require.True(t, c.Done())
	require.False(t, r.IsStepAll("run-1"))

	_, ok := r.Lookup("run-1")
	require.False(t, ok)
}

func TestRegistryStepAllFlag(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.IsStepAll("run-1"))
	r.SetStepAll("run-1", true)
	require.True(t, r.IsStepAll("run-1"))
	r.SetStepAll("run-1", false)
	require.False(t, r.IsStepAll("run-1"))
}
