package client

import (
	"context"
	"sync"
)

// call is one in-flight request shared by every caller asking for its key.
type call[V any] struct {
	done   chan struct{}
	val    V
	err    error
	refs   int
	cancel context.CancelFunc
}

// Coalescer shares one in-flight request per key. The shared request is
// canceled once every caller waiting on it has given up, and the key is
// forgotten as soon as the request settles.
type Coalescer[V any] struct {
	mu    sync.Mutex
	calls map[string]*call[V]
}

// NewCoalescer builds an empty Coalescer.
func NewCoalescer[V any]() *Coalescer[V] {
	return &Coalescer[V]{calls: make(map[string]*call[V])}
}

// Do returns the result of fn for key, joining a request already in flight.
func (c *Coalescer[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	cl, ok := c.calls[key]
	if ok {
		cl.refs++
	} else {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		cl = &call[V]{done: make(chan struct{}), refs: 1, cancel: cancel}
		c.calls[key] = cl
		go c.run(callCtx, key, cl, fn)
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		c.release(key, cl)
		var zero V
		return zero, ctx.Err()
	}
}

// InFlight reports how many keys currently have a shared request.
func (c *Coalescer[V]) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *Coalescer[V]) run(ctx context.Context, key string, cl *call[V], fn func(ctx context.Context) (V, error)) {
	cl.val, cl.err = fn(ctx)
	cl.cancel()
	c.mu.Lock()
	if c.calls[key] == cl {
		delete(c.calls, key)
	}
	c.mu.Unlock()
	close(cl.done)
}

func (c *Coalescer[V]) release(key string, cl *call[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl.refs--
	if cl.refs > 0 {
		return
	}
	cl.cancel()
	if c.calls[key] == cl {
		delete(c.calls, key)
	}
}
