// Package workerpool provides a bounded goroutine pool. The broker uses it
// for write-behind persistence of query history so shard store latency
// never sits on the dispatch path.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of asynchronous work.
type Task struct {
	Name string
	Fn   func(context.Context) error
}

// Pool is a fixed set of workers draining a bounded task queue.
type Pool struct {
	name      string
	tasks     chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// New starts a pool with the given worker count and queue size.
func New(name string, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Pool{
		name:   name,
		tasks:  make(chan Task, queueSize),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.failed, 1)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()

	if err := task.Fn(context.Background()); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.String("task", task.Name),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

// TrySubmit queues a task without blocking. Returns false when the queue
// is full or the pool is stopped; callers treat the work as best-effort.
func (p *Pool) TrySubmit(task Task) bool {
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return false
	default:
	}
	select {
	case p.tasks <- task:
		atomic.AddUint64(&p.submitted, 1)
		return true
	default:
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
}

// Stop drains the pool, waiting up to the timeout for workers to finish.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("pool %q stop timed out after %v", p.name, timeout)
		}
	})
	return err
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
	Queued    int
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
		Queued:    len(p.tasks),
	}
}
