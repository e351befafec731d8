package pool

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
	"github.com/JakeFAU/modernjs-estimator/internal/metrics"
)

// dispatcher is the single owner of queue, workers and the correlation table.
type dispatcher struct {
	pool     *Pool
	queue    []*Handle
	workers  []*worker
	pending  map[uint64]*Handle
	nextID   uint64
	nextWork int
}

func (d *dispatcher) run() {
	defer close(d.pool.stopped)
	for {
		select {
		case h := <-d.pool.submitCh:
			d.enqueue(h)
		case resp := <-d.pool.respCh:
			d.complete(resp)
		case reply := <-d.pool.statsCh:
			reply <- d.stats()
			continue
		case <-d.pool.quit:
			d.shutdown()
			return
		}
		// Each loop iteration settles one event before scheduling again, so a
		// long queue drains iteratively rather than through nested calls.
		d.schedule()
		d.publish()
	}
}

func (d *dispatcher) enqueue(h *Handle) {
	if len(d.queue) >= d.pool.cfg.QueueDepth {
		h.settle(estimator.TransformResult{}, estimator.ErrQueueFull)
		return
	}
	d.nextID++
	h.id = d.nextID
	d.pending[h.id] = h
	d.queue = append(d.queue, h)
}

func (d *dispatcher) complete(resp response) {
	w := d.worker(resp.worker)
	if w != nil {
		w.busy = false
		w.job = 0
		if resp.fatal {
			d.retire(w)
			d.pool.logger.Warn("worker retired after fatal job error",
				zap.Int("worker", resp.worker),
				zap.Uint64("job_id", resp.id),
			)
		}
	}
	h, ok := d.pending[resp.id]
	if !ok {
		d.pool.logger.Warn("response for unknown job", zap.Uint64("job_id", resp.id))
		return
	}
	delete(d.pending, resp.id)
	h.settle(resp.decode())
}

func (d *dispatcher) schedule() {
	for len(d.queue) > 0 {
		head := d.queue[0]
		if err := head.ctx.Err(); err != nil {
			d.queue = d.queue[1:]
			delete(d.pending, head.id)
			head.settle(estimator.TransformResult{}, err)
			continue
		}
		w := d.idle()
		if w == nil && len(d.workers) < d.pool.cfg.MaxWorkers {
			spawned, err := d.spawn()
			if err != nil {
				d.pool.logger.Error("spawn worker failed", zap.Error(err))
				if len(d.workers) == 0 {
					d.queue = d.queue[1:]
					delete(d.pending, head.id)
					head.settle(estimator.TransformResult{}, err)
					continue
				}
			}
			w = spawned
		}
		if w == nil {
			return
		}
		d.queue = d.queue[1:]
		w.busy = true
		w.job = head.id
		w.in <- request{id: head.id, ctx: head.ctx, job: head.job}
	}
}

func (d *dispatcher) spawn() (*worker, error) {
	exec, err := d.pool.factory()
	if err != nil {
		return nil, err
	}
	d.nextWork++
	w := &worker{id: d.nextWork, in: make(chan request, 1)}
	d.workers = append(d.workers, w)
	d.pool.workersWG.Add(1)
	go d.pool.runWorker(w, exec)
	return w, nil
}

func (d *dispatcher) retire(w *worker) {
	for i, candidate := range d.workers {
		if candidate == w {
			d.workers = append(d.workers[:i], d.workers[i+1:]...)
			close(w.in)
			return
		}
	}
}

func (d *dispatcher) idle() *worker {
	for _, w := range d.workers {
		if !w.busy {
			return w
		}
	}
	return nil
}

func (d *dispatcher) worker(id int) *worker {
	for _, w := range d.workers {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (d *dispatcher) stats() Stats {
	busy := 0
	for _, w := range d.workers {
		if w.busy {
			busy++
		}
	}
	return Stats{
		Workers: len(d.workers),
		Busy:    busy,
		Queued:  len(d.queue),
		Pending: len(d.pending),
	}
}

func (d *dispatcher) publish() {
	s := d.stats()
	metrics.SetPoolState(s.Workers, s.Busy, s.Queued)
}

func (d *dispatcher) shutdown() {
	for id, h := range d.pending {
		h.settle(estimator.TransformResult{}, estimator.ErrPoolClosed)
		delete(d.pending, id)
	}
	d.queue = nil
	for _, w := range d.workers {
		close(w.in)
	}
	d.workers = nil
	metrics.SetPoolState(0, 0, 0)
}
