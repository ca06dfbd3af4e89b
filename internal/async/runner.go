// Package async provides the background runner used for fire-and-forget
// side effects (L2 cache writes, stream appends, durable upserts queued
// from the request path).
package async

import (
	"log"
	"sync"
)

// Runner executes queued tasks on a single background goroutine in FIFO
// order. Go performs a non-blocking enqueue and drops on overflow, so the
// request hot path never stalls on side effects. Flush gives tests a
// deterministic drain point.
type Runner struct {
	queue chan task

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type task struct {
	name string
	fn   func()
}

// NewRunner creates a Runner with the given queue capacity.
func NewRunner(queueSize int) *Runner {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Runner{
		queue:  make(chan task, queueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background goroutine.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop signals the runner to stop, drains remaining tasks, and returns.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Go enqueues a task. Non-blocking; drops with a log line on overflow.
func (r *Runner) Go(name string, fn func()) {
	select {
	case r.queue <- task{name: name, fn: fn}:
	default:
		log.Printf("[async] queue full, dropping task %s", name)
	}
}

// Flush blocks until every task enqueued before the call has run.
// Tasks execute FIFO on one goroutine, so a marker task completing implies
// all earlier tasks completed.
func (r *Runner) Flush() {
	done := make(chan struct{})
	select {
	case r.queue <- task{name: "flush", fn: func() { close(done) }}:
		<-done
	case <-r.stopCh:
	}
}

func (r *Runner) run() {
	defer r.wg.Done()
	for {
		select {
		case t := <-r.queue:
			r.exec(t)
		case <-r.stopCh:
			// Drain remaining tasks before exit.
			for {
				select {
				case t := <-r.queue:
					r.exec(t)
				default:
					return
				}
			}
		}
	}
}

func (r *Runner) exec(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[async] task %s panicked: %v", t.name, rec)
		}
	}()
	t.fn()
}
