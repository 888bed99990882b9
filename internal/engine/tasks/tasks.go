// Package tasks runs auxiliary work on a worker pool and hands the results
// back to the frame goroutine.
package tasks

import (
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"go.uber.org/zap"
)

// Options configures the worker pool.
type Options struct {
	Workers     int
	QueueSize   int
	IdleTimeout time.Duration
}

// DefaultOptions returns the pool settings used when none are given.
func DefaultOptions() Options {
	return Options{
		Workers:     4,
		QueueSize:   256,
		IdleTimeout: time.Second,
	}
}

// Result is the outcome of one submitted task.
type Result struct {
	ID      int
	Name    string
	Value   any
	Err     error
	Elapsed time.Duration
}

type completion struct {
	result Result
	done   func(Result)
}

// Queue submits closures to the pool. Finished tasks are queued under a
// mutex and their completion callbacks run on the goroutine calling
// Drain, usually once per frame. Tasks cannot be cancelled.
type Queue struct {
	pool worker.DynamicWorkerPool
	log  *zap.Logger
	wg   sync.WaitGroup

	mu       sync.Mutex
	nextID   int
	inFlight int
	finished []completion
	main     []func()
}

// New starts a queue backed by a dynamic worker pool.
func New(opts Options, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	return &Queue{
		pool: worker.NewDynamicWorkerPool(opts.Workers, opts.QueueSize, opts.IdleTimeout),
		log:  log,
	}
}

// Submit runs work on the pool. done, if not nil, is called with the
// result from Drain. It returns the task id.
func (q *Queue) Submit(name string, work func() (any, error), done func(Result)) int {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.inFlight++
	q.mu.Unlock()

	q.wg.Add(1)
	q.pool.SubmitTask(worker.Task{
		ID: id,
		Do: func() (any, error) {
			defer q.wg.Done()

			start := time.Now()
			v, err := work()
			res := Result{ID: id, Name: name, Value: v, Err: err, Elapsed: time.Since(start)}

			q.mu.Lock()
			q.inFlight--
			q.finished = append(q.finished, completion{result: res, done: done})
			q.mu.Unlock()
			return v, err
		},
	})
	return id
}

// Post queues fn to run on the next Drain. Workers use it to touch state
// owned by the frame goroutine.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.main = append(q.main, fn)
	q.mu.Unlock()
}

// Drain runs the completion callbacks of finished tasks and the posted
// closures, in the order they were queued. It returns the finished results.
func (q *Queue) Drain() []Result {
	q.mu.Lock()
	finished := q.finished
	main := q.main
	q.finished = nil
	q.main = nil
	q.mu.Unlock()

	results := make([]Result, 0, len(finished))
	for _, c := range finished {
		if c.result.Err != nil {
			q.log.Warn("task failed",
				zap.Int("id", c.result.ID),
				zap.String("task", c.result.Name),
				zap.Error(c.result.Err))
		} else {
			q.log.Debug("task finished",
				zap.Int("id", c.result.ID),
				zap.String("task", c.result.Name),
				zap.Duration("elapsed", c.result.Elapsed))
		}
		if c.done != nil {
			c.done(c.result)
		}
		results = append(results, c.result)
	}
	for _, fn := range main {
		fn()
	}
	return results
}

// Pending returns the number of tasks still running or queued.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Wait blocks until every submitted task has finished. Results still need
// a Drain.
func (q *Queue) Wait() {
	q.wg.Wait()
}
