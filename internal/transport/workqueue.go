package transport

import "sync"

// workQueue runs tasks in submission order on a fixed set of workers.
// Submit never blocks; the backlog is unbounded.
type workQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	wg      sync.WaitGroup
}

func newWorkQueue(workers int) *workQueue {
	if workers <= 0 {
		workers = 1
	}
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.run()
	}
	return q
}

// submit queues fn. It returns false once the queue is stopped.
func (q *workQueue) submit(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return true
}

func (q *workQueue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}

// stop rejects new tasks, drains the backlog and waits for the workers.
func (q *workQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}
