// Package workpool runs tasks on a fixed set of background goroutines fed
// from a shared queue.
package workpool

import (
	"runtime"
	"sync"
)

// Pool is a fixed-size worker pool. Tasks are started in submission order,
// and Close waits for every queued task to run before returning.
type Pool struct {
	workers int

	tasks  []func()
	closed bool
	lk     sync.Mutex
	cd     *sync.Cond

	wg sync.WaitGroup
}

// New starts a pool of n workers. If n <= 0, one worker per CPU is started.
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}

	p := &Pool{workers: n}
	p.cd = sync.NewCond(&p.lk)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}

	return p
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int {
	return p.workers
}

// Submit queues task for execution. Tasks submitted after Close are ignored.
func (p *Pool) Submit(task func()) {
	p.lk.Lock()
	defer p.lk.Unlock()

	if p.closed {
		return
	}
	p.tasks = append(p.tasks, task)
	p.cd.Signal()
}

// Close stops accepting tasks and waits until the workers have run every
// task already queued. Calling Close more than once is allowed.
func (p *Pool) Close() {
	p.lk.Lock()
	p.closed = true
	p.cd.Broadcast()
	p.lk.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		task, ok := p.next()
		if !ok {
			return
		}
		task()
	}
}

// next blocks until a task is available, or returns false once the pool is
// closed and drained.
func (p *Pool) next() (func(), bool) {
	p.lk.Lock()
	defer p.lk.Unlock()

	for len(p.tasks) == 0 {
		if p.closed {
			return nil, false
		}
		p.cd.Wait()
	}

	task := p.tasks[0]
	p.tasks[0] = nil
	p.tasks = p.tasks[1:]
	return task, true
}
