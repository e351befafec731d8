package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

// funcExecutor adapts a function to Executor.
type funcExecutor func(ctx context.Context, job estimator.TransformJob) (estimator.TransformResult, error)

func (f funcExecutor) Execute(ctx context.Context, job estimator.TransformJob) (estimator.TransformResult, error) {
	return f(ctx, job)
}

func factoryOf(fn funcExecutor) ExecutorFactory {
	return func() (Executor, error) { return fn, nil }
}

func echo(_ context.Context, job estimator.TransformJob) (estimator.TransformResult, error) {
	return estimator.TransformResult{Code: job.Source, Logs: []string{string(job.Profile)}}, nil
}

func newPool(t *testing.T, cfg Config, factory ExecutorFactory) *Pool {
	t.Helper()
	p, err := New(cfg, factory)
	require.NoError(t, err)
	t.Cleanup(p.Terminate)
	return p
}

func TestPoolRunReturnsResult(t *testing.T) {
	t.Parallel()
	p := newPool(t, Config{MaxWorkers: 2, WarmWorkers: 1}, factoryOf(echo))

	res, err := p.Run(context.Background(), estimator.TransformJob{Source: "let a=1", Profile: estimator.ProfileModernize})
	require.NoError(t, err)
	require.Equal(t, "let a=1", res.Code)
	require.Equal(t, []string{"modernize"}, res.Logs)
}

func TestPoolPrestartsWarmWorkers(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	factory := func() (Executor, error) {
		built.Add(1)
		return funcExecutor(echo), nil
	}
	p := newPool(t, Config{MaxWorkers: 8, WarmWorkers: 2}, factory)
	require.Equal(t, int32(2), built.Load())
	require.Equal(t, 2, p.Stats().Workers)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	const maxWorkers = 3
	var running, peak atomic.Int32
	release := make(chan struct{})
	exec := func(_ context.Context, job estimator.TransformJob) (estimator.TransformResult, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return estimator.TransformResult{Code: job.Source}, nil
	}
	p := newPool(t, Config{MaxWorkers: maxWorkers}, factoryOf(exec))

	handles := make([]*Handle, 10)
	for i := range handles {
		handles[i] = p.Submit(context.Background(), estimator.TransformJob{Source: fmt.Sprint(i)})
	}
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Busy == maxWorkers && s.Queued == 10-maxWorkers
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	for i, h := range handles {
		res, err := h.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, fmt.Sprint(i), res.Code)
	}
	require.LessOrEqual(t, peak.Load(), int32(maxWorkers))
	require.LessOrEqual(t, p.Stats().Workers, maxWorkers)
}

func TestPoolCorrelatesOutOfOrderResponses(t *testing.T) {
	t.Parallel()
	gates := map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
	}
	exec := func(_ context.Context, job estimator.TransformJob) (estimator.TransformResult, error) {
		<-gates[job.Source]
		return estimator.TransformResult{Code: "done:" + job.Source}, nil
	}
	p := newPool(t, Config{MaxWorkers: 2}, factoryOf(exec))

	first := p.Submit(context.Background(), estimator.TransformJob{Source: "first"})
	second := p.Submit(context.Background(), estimator.TransformJob{Source: "second"})

	close(gates["second"])
	res, err := second.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done:second", res.Code)

	select {
	case <-first.Done():
		t.Fatal("first job settled before its gate opened")
	default:
	}

	close(gates["first"])
	res, err = first.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done:first", res.Code)
}

func TestPoolIsolatesPanics(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	factory := func() (Executor, error) {
		built.Add(1)
		return funcExecutor(func(ctx context.Context, job estimator.TransformJob) (estimator.TransformResult, error) {
			if job.Source == "boom" {
				panic("kaboom")
			}
			return echo(ctx, job)
		}), nil
	}
	p := newPool(t, Config{MaxWorkers: 1, WarmWorkers: 1}, factory)

	_, err := p.Run(context.Background(), estimator.TransformJob{Source: "boom"})
	require.ErrorIs(t, err, estimator.ErrJobFailed)
	require.Contains(t, err.Error(), "kaboom")

	res, err := p.Run(context.Background(), estimator.TransformJob{Source: "ok"})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Code)
	require.Equal(t, int32(1), built.Load(), "panicking worker should keep serving")
}

func TestPoolReplacesFatalWorker(t *testing.T) {
	t.Parallel()
	var built atomic.Int32
	factory := func() (Executor, error) {
		built.Add(1)
		return funcExecutor(func(ctx context.Context, job estimator.TransformJob) (estimator.TransformResult, error) {
			if job.Source == "fatal" {
				return estimator.TransformResult{}, fmt.Errorf("engine crashed: %w", estimator.ErrWorkerFatal)
			}
			return echo(ctx, job)
		}), nil
	}
	p := newPool(t, Config{MaxWorkers: 1, WarmWorkers: 1}, factory)

	_, err := p.Run(context.Background(), estimator.TransformJob{Source: "fatal"})
	require.ErrorIs(t, err, estimator.ErrJobFailed)
	require.ErrorIs(t, err, estimator.ErrWorkerFatal)

	res, err := p.Run(context.Background(), estimator.TransformJob{Source: "after"})
	require.NoError(t, err)
	require.Equal(t, "after", res.Code)
	require.Equal(t, int32(2), built.Load())
	require.Equal(t, 1, p.Stats().Workers)
}

func TestPoolPreservesParseClassification(t *testing.T) {
	t.Parallel()
	exec := func(context.Context, estimator.TransformJob) (estimator.TransformResult, error) {
		return estimator.TransformResult{}, &estimator.ParseError{Message: "Unexpected token (1:4)"}
	}
	p := newPool(t, Config{MaxWorkers: 1}, factoryOf(exec))

	_, err := p.Run(context.Background(), estimator.TransformJob{Source: "let"})
	require.ErrorIs(t, err, estimator.ErrParse)
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	msg, ok := jobErr.ParseMessage()
	require.True(t, ok)
	require.Equal(t, "Unexpected token (1:4)", msg)
}

func TestPoolQueueFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	exec := func(context.Context, estimator.TransformJob) (estimator.TransformResult, error) {
		<-release
		return estimator.TransformResult{}, nil
	}
	p := newPool(t, Config{MaxWorkers: 1, QueueDepth: 1}, factoryOf(exec))

	running := p.Submit(context.Background(), estimator.TransformJob{Source: "a"})
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, 5*time.Millisecond)
	queued := p.Submit(context.Background(), estimator.TransformJob{Source: "b"})
	rejected := p.Submit(context.Background(), estimator.TransformJob{Source: "c"})

	_, err := rejected.Wait(context.Background())
	require.ErrorIs(t, err, estimator.ErrQueueFull)

	close(release)
	_, err = running.Wait(context.Background())
	require.NoError(t, err)
	_, err = queued.Wait(context.Background())
	require.NoError(t, err)
}

func TestPoolSkipsCanceledQueuedJobs(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var executed sync.Map
	exec := func(_ context.Context, job estimator.TransformJob) (estimator.TransformResult, error) {
		executed.Store(job.Source, true)
		<-release
		return estimator.TransformResult{}, nil
	}
	p := newPool(t, Config{MaxWorkers: 1}, factoryOf(exec))

	blocker := p.Submit(context.Background(), estimator.TransformJob{Source: "blocker"})
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	skipped := p.Submit(ctx, estimator.TransformJob{Source: "skipped"})
	cancel()
	close(release)

	_, err := blocker.Wait(context.Background())
	require.NoError(t, err)
	_, err = skipped.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	_, ran := executed.Load("skipped")
	require.False(t, ran)
}

func TestPoolTerminateFailsOutstandingJobs(t *testing.T) {
	t.Parallel()
	exec := func(ctx context.Context, _ estimator.TransformJob) (estimator.TransformResult, error) {
		<-ctx.Done()
		return estimator.TransformResult{}, ctx.Err()
	}
	p, err := New(Config{MaxWorkers: 1}, factoryOf(exec))
	require.NoError(t, err)

	inflight := p.Submit(context.Background(), estimator.TransformJob{Source: "a"})
	queued := p.Submit(context.Background(), estimator.TransformJob{Source: "b"})
	require.Eventually(t, func() bool { return p.Stats().Pending == 2 }, time.Second, 5*time.Millisecond)

	p.Terminate()

	_, err = inflight.Wait(context.Background())
	require.ErrorIs(t, err, estimator.ErrPoolClosed)
	_, err = queued.Wait(context.Background())
	require.ErrorIs(t, err, estimator.ErrPoolClosed)

	_, err = p.Run(context.Background(), estimator.TransformJob{Source: "late"})
	require.ErrorIs(t, err, estimator.ErrPoolClosed)
	p.Terminate()
}

func TestNewRequiresFactory(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestNewFailsWhenWarmWorkerCannotStart(t *testing.T) {
	t.Parallel()
	_, err := New(Config{WarmWorkers: 1}, func() (Executor, error) {
		return nil, errors.New("no engine")
	})
	require.ErrorContains(t, err, "no engine")
}
