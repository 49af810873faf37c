package interrupt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestControllerCancelIsIdempotent(t *testing.T) {
	c := NewController()
	require.False(t, c.Cancelled())

	c.Cancel("user requested stop")
	require.True(t, c.Cancelled())
	require.Equal(t, "user requested stop", c.Reason())

	c.Cancel("second reason ignored")
	require.Equal(t, "user requested stop", c.Reason())
}

func TestControllerDoneClosesOnCancel(t *testing.T) {
	c := NewController()
	select {
	case <-c.Done():
		t.Fatal("Done closed before Cancel")
	default:
	}
	c.Cancel("stop")
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done did not close after Cancel")
	}
}

func TestControllerContextCancelledByController(t *testing.T) {
	c := NewController()
	ctx := c.Context(context.Background())
	c.Cancel("stop")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context was not cancelled")
	}
}

func TestControllerContextCancelledByParent(t *testing.T) {
	c := NewController()
	parent, cancel := context.WithCancel(context.Background())
	ctx := c.Context(parent)
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context was not cancelled by parent")
	}
}

func TestNoopNeverCancels(t *testing.T) {
	n := Noop()
	require.False(t, n.Cancelled())
	require.Empty(t, n.Reason())
	select {
	case <-n.Done():
		t.Fatal("noop Done should never fire")
	default:
	}
}
