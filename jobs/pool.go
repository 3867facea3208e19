// Package jobs runs prioritized background work for the paging engine and
// hands results back through non-blocking futures.
package jobs

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/metrics"
	"go.uber.org/zap"
)

// PriorityFunc is evaluated whenever a worker picks its next job; higher
// runs first. Returning +Inf lets the pool discard work whose owner is gone.
type PriorityFunc func() float32

type task struct {
	index    int
	seq      uint64
	priority PriorityFunc
	cached   float32
	ctx      context.Context
	run      func()
	abort    func()
}

func (t *task) SetIndex(index int) { t.index = index }
func (t *task) GetIndex() int      { return t.index }

// Pool is a bounded set of workers draining a priority queue.
type Pool struct {
	name    string
	mu      sync.Mutex
	cond    *sync.Cond
	queue   Queue[*task]
	seq     uint64
	closed  bool
	wg      sync.WaitGroup
	log     *zap.Logger
	workers int
}

// NewPool starts workers goroutines; zero or less means GOMAXPROCS.
func NewPool(name string, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		name:    name,
		workers: workers,
		log:     logger.Named("jobs").With(zap.String("pool", name)),
	}
	p.cond = sync.NewCond(&p.mu)
	p.queue = NewQueue(func(a, b *task) bool {
		if a.cached != b.cached {
			return a.cached > b.cached
		}
		return a.seq < b.seq
	})
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Len is the number of queued jobs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Close stops accepting work, cancels everything still queued and waits for
// running jobs to return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var pending []*task
	for !p.queue.Empty() {
		pending = append(pending, p.queue.Poll())
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	for _, t := range pending {
		t.abort()
	}
	metrics.JobsQueued.WithLabelValues(p.name).Set(0)
	p.wg.Wait()
}

func (p *Pool) submit(t *task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.seq++
	t.seq = p.seq
	t.cached = evalPriority(t.priority)
	p.queue.Offer(t)
	metrics.JobsQueued.WithLabelValues(p.name).Set(float64(p.queue.Len()))
	p.cond.Signal()
	return true
}

func evalPriority(fn PriorityFunc) float32 {
	if fn == nil {
		return 0
	}
	return fn()
}

// next blocks until a job is available. Priorities are refreshed first so
// the queue order reflects the current frame.
func (p *Pool) next() *task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Empty() && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil
	}
	// 刷新所有任务的优先级
	p.queue.Each(func(t *task) { t.cached = evalPriority(t.priority) })
	p.queue.Fix()
	t := p.queue.Poll()
	metrics.JobsQueued.WithLabelValues(p.name).Set(float64(p.queue.Len()))
	return t
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		t := p.next()
		if t == nil {
			return
		}
		if t.ctx.Err() != nil {
			metrics.JobsCanceledTotal.WithLabelValues(p.name).Inc()
			t.abort()
			continue
		}
		start := time.Now()
		t.run()
		metrics.JobDurationMs.WithLabelValues(p.name).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}
}

// Dispatch queues fn on p and returns its future. parent carries
// cancellation; fn should poll ctx and return early when it ends. A nil
// pool runs fn synchronously on the calling goroutine.
func Dispatch[T any](p *Pool, fn func(ctx context.Context) (T, error), priority PriorityFunc, parent context.Context) *Future[T] {
	f := newFuture[T](parent)
	run := func() {
		if f.ctx.Err() != nil {
			var zero T
			f.resolve(zero, ErrCanceled)
			return
		}
		v, err := fn(f.ctx)
		f.resolve(v, err)
	}
	if p == nil {
		run()
		return f
	}
	t := &task{
		index:    -1,
		priority: priority,
		ctx:      f.ctx,
		run:      run,
		abort: func() {
			var zero T
			f.resolve(zero, ErrCanceled)
		},
	}
	if !p.submit(t) {
		p.log.Debug("dispatch on closed pool")
		t.abort()
	}
	return f
}
