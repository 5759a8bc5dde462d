package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

type job struct {
	ctx  context.Context
	task delivery.Task
}

// pool runs jobs on goroutines that are started on demand, up to max, and
// exit after idleTimeout without work. Jobs wait in a bounded queue; submit
// never blocks.
type pool struct {
	run         func(context.Context, delivery.Task)
	max         int
	idleTimeout time.Duration
	jobs        chan job

	mu      sync.Mutex
	workers int
	idle    int
	closed  bool
	wg      sync.WaitGroup
}

func newPool(max, queueSize int, idleTimeout time.Duration, run func(context.Context, delivery.Task)) *pool {
	return &pool{
		run:         run,
		max:         max,
		idleTimeout: idleTimeout,
		jobs:        make(chan job, queueSize),
	}
}

func (p *pool) submit(j job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStopped
	}
	select {
	case p.jobs <- j:
	default:
		return ErrQueueFull
	}
	metrics.UpdateQueueDepth(len(p.jobs))

	// An idle worker will pick the job up; otherwise grow if allowed
	if p.idle < len(p.jobs) && p.workers < p.max {
		p.workers++
		metrics.UpdateActiveWorkers(p.workers)
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

func (p *pool) worker() {
	defer p.wg.Done()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		p.idle++
		p.mu.Unlock()

		select {
		case j, ok := <-p.jobs:
			p.mu.Lock()
			p.idle--
			if !ok {
				p.exitLocked()
				p.mu.Unlock()
				return
			}
			metrics.UpdateQueueDepth(len(p.jobs))
			p.mu.Unlock()

			p.run(j.ctx, j.task)
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			p.mu.Lock()
			p.idle--
			// A job may have been queued while this worker still counted as idle
			if len(p.jobs) > 0 {
				p.mu.Unlock()
				timer.Reset(p.idleTimeout)
				continue
			}
			p.exitLocked()
			p.mu.Unlock()
			return
		}
	}
}

func (p *pool) exitLocked() {
	p.workers--
	metrics.UpdateActiveWorkers(p.workers)
}

// stop rejects new jobs and waits up to timeout for queued and running jobs.
// It reports whether everything finished in time.
func (p *pool) stop(timeout time.Duration) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (p *pool) stats() (workers, idle, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers, p.idle, len(p.jobs)
}
