package headless

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestIdleTrackerWindow(t *testing.T) {
	t.Parallel()
	clock := &manualClock{now: time.Unix(0, 0)}
	tr := newIdleTracker(2, 500*time.Millisecond)
	tr.now = clock.Now
	tr.quietSince = clock.Now()

	require.False(t, tr.idle())
	clock.advance(500 * time.Millisecond)
	require.True(t, tr.idle())

	tr.started("1")
	tr.started("2")
	require.True(t, tr.idle(), "two requests in flight still count as idle")
	tr.started("3")
	require.False(t, tr.idle())

	tr.finished("3")
	require.False(t, tr.idle(), "window restarts when traffic drops")
	clock.advance(499 * time.Millisecond)
	require.False(t, tr.idle())
	clock.advance(time.Millisecond)
	require.True(t, tr.idle())

	tr.finished("unknown")
	require.True(t, tr.idle())
}

func TestIdleTrackerWaitHonorsContext(t *testing.T) {
	t.Parallel()
	tr := newIdleTracker(0, time.Hour)
	tr.started("busy")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tr.wait(ctx), context.DeadlineExceeded)
}

func TestIdleTrackerWaitReturns(t *testing.T) {
	t.Parallel()
	tr := newIdleTracker(0, 20*time.Millisecond)
	tr.started("a")
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.finished("a")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.wait(ctx))
}
