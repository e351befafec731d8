package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
	"github.com/JakeFAU/modernjs-estimator/internal/metrics"
)

const (
	defaultMaxWorkers  = 8
	defaultWarmWorkers = 2
	defaultQueueDepth  = 1024
)

// Executor runs one job at a time inside a worker's isolated context.
type Executor interface {
	Execute(ctx context.Context, job estimator.TransformJob) (estimator.TransformResult, error)
}

// ExecutorFactory builds the execution context for a newly spawned worker.
type ExecutorFactory func() (Executor, error)

// Config controls pool sizing.
type Config struct {
	MaxWorkers  int
	WarmWorkers int
	QueueDepth  int
	Logger      *zap.Logger
}

// Stats is a snapshot of the dispatcher's bookkeeping.
type Stats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
	Pending int `json:"pending"`
}

// Pool is a bounded transform worker pool.
type Pool struct {
	cfg     Config
	factory ExecutorFactory
	logger  *zap.Logger

	submitCh chan *Handle
	respCh   chan response
	statsCh  chan chan Stats
	quit     chan struct{}
	stopped  chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
	closeOnce  sync.Once
	workersWG  sync.WaitGroup
}

type worker struct {
	id   int
	in   chan request
	busy bool
	job  uint64
}

type request struct {
	id  uint64
	ctx context.Context
	job estimator.TransformJob
}

// New starts the dispatcher and pre-spawns the warm workers.
func New(cfg Config, factory ExecutorFactory) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("executor factory is required")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.WarmWorkers < 0 {
		cfg.WarmWorkers = 0
	}
	if cfg.WarmWorkers > cfg.MaxWorkers {
		cfg.WarmWorkers = cfg.MaxWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		logger:   logger,
		submitCh: make(chan *Handle),
		respCh:   make(chan response),
		statsCh:  make(chan chan Stats),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	p.baseCtx, p.cancelBase = context.WithCancel(context.Background())

	d := &dispatcher{
		pool:    p,
		pending: make(map[uint64]*Handle),
	}
	for i := 0; i < cfg.WarmWorkers; i++ {
		if _, err := d.spawn(); err != nil {
			d.shutdown()
			p.cancelBase()
			return nil, fmt.Errorf("warm worker %d: %w", i, err)
		}
	}
	go d.run()
	return p, nil
}

// Submit enqueues a job and returns its handle. The handle settles exactly once.
func (p *Pool) Submit(ctx context.Context, job estimator.TransformJob) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	h := newHandle(ctx, job)
	select {
	case p.submitCh <- h:
	case <-p.stopped:
		h.settle(estimator.TransformResult{}, estimator.ErrPoolClosed)
	}
	return h
}

// Run submits a job and waits for it.
func (p *Pool) Run(ctx context.Context, job estimator.TransformJob) (estimator.TransformResult, error) {
	return p.Submit(ctx, job).Wait(ctx)
}

// Stats returns the dispatcher's current counts.
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.stopped:
		return Stats{}
	}
}

// Err reports ErrPoolClosed once the pool has stopped accepting jobs.
func (p *Pool) Err() error {
	select {
	case <-p.stopped:
		return estimator.ErrPoolClosed
	default:
		return nil
	}
}

// Terminate fails every queued and in-flight job with ErrPoolClosed and stops
// all workers. It blocks until the workers have exited.
func (p *Pool) Terminate() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.cancelBase()
	})
	<-p.stopped
	p.workersWG.Wait()
}

func (p *Pool) runWorker(w *worker, exec Executor) {
	defer p.workersWG.Done()
	for req := range w.in {
		ctx, cancel := context.WithCancel(req.ctx)
		stop := context.AfterFunc(p.baseCtx, cancel)
		req.ctx = ctx
		resp := p.execute(w.id, exec, req)
		stop()
		cancel()
		select {
		case p.respCh <- resp:
		case <-p.quit:
			return
		}
		if resp.fatal {
			return
		}
	}
}

func (p *Pool) execute(workerID int, exec Executor, req request) (resp response) {
	start := time.Now()
	resp = response{id: req.id, worker: workerID}
	defer func() {
		if rec := recover(); rec != nil {
			resp.outcome = outcomeFailed
			resp.kind = kindJob
			resp.message = fmt.Sprintf("worker panic: %v", rec)
		}
		metrics.ObservePoolJob(string(req.job.Profile), resp.outcome.String(), time.Since(start))
	}()
	if err := req.ctx.Err(); err != nil {
		resp.outcome = outcomeFailed
		resp.kind = kindCanceled
		resp.message = err.Error()
		return resp
	}
	result, err := exec.Execute(req.ctx, req.job)
	if err != nil {
		resp.outcome = outcomeFailed
		resp.kind = classify(err)
		resp.message = err.Error()
		var parseErr *estimator.ParseError
		if errors.As(err, &parseErr) {
			resp.message = parseErr.Message
		}
		resp.fatal = errors.Is(err, estimator.ErrWorkerFatal)
		return resp
	}
	resp.outcome = outcomeOK
	resp.result = estimator.TransformResult{
		Code: result.Code,
		Logs: append([]string(nil), result.Logs...),
	}
	return resp
}
