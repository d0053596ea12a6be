package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroupCancelsOnFirstError(t *testing.T) {
	var g = NewGroup(context.Background())

	g.Queue("waits", func() error {
		<-g.Context().Done()
		return nil
	})
	g.Queue("fails", func() error { return errors.New("whoops") })

	g.GoRun()
	require.EqualError(t, g.Wait(), "fails: whoops")
	require.Error(t, g.Context().Err())
}

func TestGroupPeriodicTaskRunsUntilCancelled(t *testing.T) {
	var g = NewGroup(context.Background())
	var calls int32

	g.QueuePeriodic("tick", time.Millisecond, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 3 {
			g.Cancel()
		}
		return errors.New("logged, and ignored")
	})
	g.GoRun()

	require.NoError(t, g.Wait())
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestGroupMisusePanics(t *testing.T) {
	var g = NewGroup(context.Background())
	require.Panics(t, func() { _ = g.Wait() })

	g.GoRun()
	require.Panics(t, func() { g.GoRun() })
	require.Panics(t, func() { g.Queue("late", func() error { return nil }) })
	require.NoError(t, g.Wait())
}
