package visor

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoolConfig configures a WorkerPool.
type PoolConfig struct {
	// PoolSize is the number of logical workers (default 4).
	PoolSize int
	// QueueCapacity bounds the pending queue (default 100). Submit
	// returns false once the queue is full.
	QueueCapacity int
	// TaskTimeout is the hard per-task timeout (default 30s). A task
	// exceeding it is recorded as failed with a timeout marker; the
	// task goroutine is signalled via context cancellation but not
	// forcibly killed.
	TaskTimeout time.Duration
	// ShutdownTimeout bounds the graceful drain on Shutdown (default 10s).
	ShutdownTimeout time.Duration
	// GracefulShutdown waits for busy workers to finish their current
	// task on Shutdown. Queued items are discarded either way.
	GracefulShutdown bool
}

func (c *PoolConfig) withDefaults() PoolConfig {
	out := *c
	if out.PoolSize <= 0 {
		out.PoolSize = 4
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = 100
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = 30 * time.Second
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	return out
}

// TaskFunc executes one WorkItem. The context carries the per-task timeout.
type TaskFunc func(ctx context.Context, item WorkItem) error

// PoolHooks receive pool lifecycle notifications. Nil hooks are skipped.
// Hooks run synchronously on pool goroutines and must not block.
type PoolHooks struct {
	WorkSubmitted func(item WorkItem)
	WorkCompleted func(item WorkItem)
	WorkFailed    func(item WorkItem, err error)
	QueueFull     func(item WorkItem)
	Idle          func()
	Shutdown      func()
	Resized       func(from, to int)
}

// WorkerStats is a snapshot of one worker's accounting.
type WorkerStats struct {
	ID        int
	Busy      bool
	Completed int
	Succeeded int
	Failed    int
	LastError string
}

// PoolStats is a snapshot of the pool's aggregate accounting.
type PoolStats struct {
	PoolSize           int
	QueueDepth         int
	BusyWorkers        int
	TotalTasksAccepted int
	TotalTasksRejected int
	TotalSucceeded     int
	TotalFailed        int
	Workers            []WorkerStats
}

// WorkerPool executes a user-supplied task function with bounded
// concurrency. Work is a priority queue: higher priority first, FIFO
// within priority. Submit never blocks and never panics; it returns false
// when the queue is full or the pool is shutting down.
type WorkerPool struct {
	cfg    PoolConfig
	task   TaskFunc
	hooks  PoolHooks
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     workHeap
	seq       uint64 // FIFO tiebreak within priority
	workers   map[int]*worker
	nextID    int
	target    int // desired pool size; workers with id outside the first target exit
	stopping  bool
	accepted  int
	rejected  int
	succeeded int
	failed    int
	drained   sync.WaitGroup
}

type worker struct {
	id        int
	busy      bool
	completed int
	succeeded int
	failed    int
	lastError string
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPoolLogger sets a structured logger for worker errors.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *WorkerPool) { p.logger = l }
}

// WithPoolHooks registers lifecycle hooks.
func WithPoolHooks(h PoolHooks) PoolOption {
	return func(p *WorkerPool) { p.hooks = h }
}

// NewWorkerPool creates and starts a WorkerPool running fn.
func NewWorkerPool(cfg PoolConfig, fn TaskFunc, opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		cfg:     cfg.withDefaults(),
		task:    fn,
		logger:  nopLogger,
		workers: make(map[int]*worker),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cond = sync.NewCond(&p.mu)
	p.target = p.cfg.PoolSize

	p.mu.Lock()
	for i := 0; i < p.cfg.PoolSize; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

func (p *WorkerPool) spawnLocked() {
	id := p.nextID
	p.nextID++
	w := &worker{id: id}
	p.workers[id] = w
	p.drained.Add(1)
	go p.run(w)
}

// Submit enqueues item. Returns false when the queue is full or the pool is
// shutting down; the rejection is counted and the QueueFull hook fires for
// full-queue rejections.
func (p *WorkerPool) Submit(item WorkItem) bool {
	if item.ID == "" {
		item.ID = NewID()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	p.mu.Lock()
	if p.stopping {
		p.rejected++
		p.mu.Unlock()
		return false
	}
	if p.queue.Len() >= p.cfg.QueueCapacity {
		p.rejected++
		p.mu.Unlock()
		if p.hooks.QueueFull != nil {
			p.hooks.QueueFull(item)
		}
		return false
	}
	p.seq++
	heap.Push(&p.queue, queuedItem{item: item, seq: p.seq})
	p.accepted++
	p.cond.Signal()
	p.mu.Unlock()

	if p.hooks.WorkSubmitted != nil {
		p.hooks.WorkSubmitted(item)
	}
	return true
}

// run is one worker's loop: pop by (priority desc, FIFO), race the task
// against the per-task timeout, update stats.
func (p *WorkerPool) run(w *worker) {
	defer p.drained.Done()
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.stopping && !p.retiredLocked(w) {
			p.cond.Wait()
		}
		if p.stopping || p.retiredLocked(w) {
			delete(p.workers, w.id)
			p.mu.Unlock()
			return
		}
		qi := heap.Pop(&p.queue).(queuedItem)
		w.busy = true
		idle := p.queue.Len() == 0
		p.mu.Unlock()

		err := p.execute(qi.item)

		p.mu.Lock()
		w.busy = false
		w.completed++
		if err != nil {
			w.failed++
			w.lastError = err.Error()
			p.failed++
		} else {
			w.succeeded++
			p.succeeded++
		}
		p.mu.Unlock()

		if err != nil {
			p.logger.Warn("pool task failed", "item", qi.item.ID, "type", qi.item.Type, "error", err)
			if p.hooks.WorkFailed != nil {
				p.hooks.WorkFailed(qi.item, err)
			}
		} else if p.hooks.WorkCompleted != nil {
			p.hooks.WorkCompleted(qi.item)
		}
		if idle && p.hooks.Idle != nil && p.idle() {
			p.hooks.Idle()
		}
	}
}

// retiredLocked reports whether w is targeted for removal by a downsize.
func (p *WorkerPool) retiredLocked(w *worker) bool {
	if len(p.workers) <= p.target {
		return false
	}
	// Retire the highest-id workers first.
	higher := 0
	for id := range p.workers {
		if id > w.id {
			higher++
		}
	}
	return len(p.workers)-higher > p.target
}

// execute runs one item against the task timeout. Timeouts are failures
// with an ErrTimeout marker; task panics are failures too.
func (p *WorkerPool) execute(item WorkItem) (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		done <- p.task(ctx, item)
	}()

	timer := time.NewTimer(p.cfg.TaskTimeout)
	defer timer.Stop()
	select {
	case err = <-done:
		return err
	case <-timer.C:
		cancel()
		return &ErrTimeout{Task: item.ID}
	}
}

func (p *WorkerPool) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() > 0 {
		return false
	}
	for _, w := range p.workers {
		if w.busy {
			return false
		}
	}
	return true
}

// Resize changes the pool size. Growing spawns idle workers immediately and
// kicks processing if the queue is non-empty; shrinking retires workers as
// they go idle.
func (p *WorkerPool) Resize(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	from := p.target
	p.target = n
	for len(p.workers) < n {
		p.spawnLocked()
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if from != n && p.hooks.Resized != nil {
		p.hooks.Resized(from, n)
	}
}

// Shutdown stops accepting work, optionally drains busy workers up to
// ShutdownTimeout, and discards queued items.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	discarded := p.queue.Len()
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if discarded > 0 {
		p.logger.Info("pool shutdown discarding queued items", "count", discarded)
	}

	if p.cfg.GracefulShutdown {
		done := make(chan struct{})
		go func() {
			p.drained.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.cfg.ShutdownTimeout):
			p.logger.Warn("pool shutdown timed out waiting for busy workers")
		}
	}
	if p.hooks.Shutdown != nil {
		p.hooks.Shutdown()
	}
}

// Stats returns a snapshot of the pool state. Worker state is never exposed
// except through this snapshot.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{
		PoolSize:           p.target,
		QueueDepth:         p.queue.Len(),
		TotalTasksAccepted: p.accepted,
		TotalTasksRejected: p.rejected,
		TotalSucceeded:     p.succeeded,
		TotalFailed:        p.failed,
	}
	for _, w := range p.workers {
		if w.busy {
			st.BusyWorkers++
		}
		st.Workers = append(st.Workers, WorkerStats{
			ID:        w.id,
			Busy:      w.busy,
			Completed: w.completed,
			Succeeded: w.succeeded,
			Failed:    w.failed,
			LastError: w.lastError,
		})
	}
	return st
}

// --- priority queue ---

type queuedItem struct {
	item WorkItem
	seq  uint64
}

// workHeap orders by priority desc, then FIFO (seq asc) within priority.
type workHeap []queuedItem

func (h workHeap) Len() int { return len(h) }
func (h workHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}
func (h workHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *workHeap) Push(x any) { *h = append(*h, x.(queuedItem)) }
func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
