package pool

import (
	"context"
	"sync"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

// Handle tracks one submitted job.
type Handle struct {
	id   uint64
	ctx  context.Context
	job  estimator.TransformJob
	done chan struct{}
	once sync.Once

	result estimator.TransformResult
	err    error
}

func newHandle(ctx context.Context, job estimator.TransformJob) *Handle {
	return &Handle{ctx: ctx, job: job, done: make(chan struct{})}
}

// Done is closed once the job has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (estimator.TransformResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return estimator.TransformResult{}, ctx.Err()
	}
}

func (h *Handle) settle(result estimator.TransformResult, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}
