package headless

import (
	"context"
	"sync"
	"time"
)

// idleTracker implements the "network substantially idle" wait: at most
// maxInflight requests outstanding for at least window.
type idleTracker struct {
	maxInflight int
	window      time.Duration
	now         func() time.Time

	mu          sync.Mutex
	inflight    map[string]struct{}
	quietSince  time.Time
	quietActive bool
}

func newIdleTracker(maxInflight int, window time.Duration) *idleTracker {
	t := &idleTracker{
		maxInflight: maxInflight,
		window:      window,
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
	t.quietSince = t.now()
	t.quietActive = true
	return t
}

func (t *idleTracker) started(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	if len(t.inflight) > t.maxInflight {
		t.quietActive = false
	}
}

func (t *idleTracker) finished(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	if !t.quietActive && len(t.inflight) <= t.maxInflight {
		t.quietActive = true
		t.quietSince = t.now()
	}
}

func (t *idleTracker) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quietActive && t.now().Sub(t.quietSince) >= t.window
}

// wait polls until the network is idle or ctx is done.
func (t *idleTracker) wait(ctx context.Context) error {
	tick := t.window / 10
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		if t.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
