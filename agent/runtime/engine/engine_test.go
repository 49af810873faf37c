package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoroutineGoReturnsResult(t *testing.T) {
	eng := New()
	f := eng.Go(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, f.Get(context.Background()))
	require.True(t, f.Ready())
}

func TestGoroutineGoPropagatesError(t *testing.T) {
	eng := New()
	want := errors.New("boom")
	f := eng.Go(context.Background(), func(context.Context) error { return want })
	require.ErrorIs(t, f.Get(context.Background()), want)
}

func TestGoroutineGetUnblocksOnContextCancel(t *testing.T) {
	eng := New()
	block := make(chan struct{})
	defer close(block)
	f := eng.Go(context.Background(), func(context.Context) error {
		<-block
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.Get(ctx), context.Canceled)
}

func TestGoroutineSleepReturnsAfterDuration(t *testing.T) {
	eng := New()
	start := time.Now()
	require.NoError(t, eng.Sleep(context.Background(), 10*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestGoroutineSleepCancelledByContext(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, eng.Sleep(ctx, time.Second), context.Canceled)
}
