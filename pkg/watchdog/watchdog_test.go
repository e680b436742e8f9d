package watchdog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFastWatchdog(module string, timeout time.Duration, handler Handler) *Watchdog {
	w := New(module, timeout, handler, nil)
	w.poll = 5 * time.Millisecond
	return w
}

func TestStartTransitionsToRunning(t *testing.T) {
	w := newFastWatchdog("test", time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()
	require.Equal(t, Running, w.State())
}

func TestFeedPreventsTimeout(t *testing.T) {
	w := newFastWatchdog("test", 30*time.Millisecond, func(Event) Decision {
		t.Fatal("should never time out while fed")
		return DecisionAbort
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Feed()
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, Running, w.State())
}

func TestDefaultHandlerResetsOnceThenAborts(t *testing.T) {
	w := newFastWatchdog("test", 15*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		return w.State() == Stopped
	}, time.Second, 5*time.Millisecond)

	require.GreaterOrEqual(t, w.TimeoutCount(), 2)
}

func TestCustomHandlerAbortImmediately(t *testing.T) {
	var calls int32
	w := newFastWatchdog("test", 15*time.Millisecond, func(Event) Decision {
		atomic.AddInt32(&calls, 1)
		return DecisionAbort
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		return w.State() == Stopped
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, 1, w.TimeoutCount())
}

func TestStopTransitionsToStopped(t *testing.T) {
	w := newFastWatchdog("test", time.Hour, nil)
	ctx := context.Background()
	w.Start(ctx)
	w.Stop()
	require.Equal(t, Stopped, w.State())
}

func TestGuardStopsOnScopeExit(t *testing.T) {
	ctx := context.Background()
	w, stop := Guard(ctx, "test", time.Hour, nil, nil)
	require.Equal(t, Running, w.State())
	stop()
	require.Equal(t, Stopped, w.State())
}

func TestFeedOnIdleWatchdogIsNoop(t *testing.T) {
	w := newFastWatchdog("test", time.Hour, nil)
	w.Feed()
	require.Equal(t, Idle, w.State())
}

func TestStateStringValues(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "running", Running.String())
	require.Equal(t, "timed_out", TimedOut.String())
	require.Equal(t, "stopped", Stopped.String())
}
