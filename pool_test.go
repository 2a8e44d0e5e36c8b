package visor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// collectTask records executed item IDs in order.
type collectTask struct {
	mu    sync.Mutex
	ids   []string
	block chan struct{} // when non-nil, tasks wait here before recording
}

func (c *collectTask) run(_ context.Context, item WorkItem) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.ids = append(c.ids, item.ID)
	c.mu.Unlock()
	return nil
}

func (c *collectTask) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

func waitForStats(t *testing.T, p *WorkerPool, done int) PoolStats {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := p.Stats()
		if st.TotalSucceeded+st.TotalFailed >= done {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pool did not finish %d tasks in time: %+v", done, p.Stats())
	return PoolStats{}
}

func TestPoolExecutesSubmittedWork(t *testing.T) {
	task := &collectTask{}
	p := NewWorkerPool(PoolConfig{PoolSize: 2}, task.run)
	defer p.Shutdown()

	for i := 0; i < 10; i++ {
		if !p.Submit(WorkItem{Type: "t"}) {
			t.Fatalf("Submit %d rejected", i)
		}
	}
	st := waitForStats(t, p, 10)
	if st.TotalSucceeded != 10 {
		t.Errorf("TotalSucceeded = %d, want 10", st.TotalSucceeded)
	}
	if len(task.seen()) != 10 {
		t.Errorf("executed %d items, want 10", len(task.seen()))
	}
}

func TestPoolPriorityOrdering(t *testing.T) {
	// Single blocked worker so queued items accumulate, then release and
	// observe drain order: priority desc, FIFO within priority.
	task := &collectTask{block: make(chan struct{})}
	p := NewWorkerPool(PoolConfig{PoolSize: 1}, task.run)
	defer p.Shutdown()

	// The first item occupies the worker.
	p.Submit(WorkItem{ID: "head"})
	time.Sleep(20 * time.Millisecond)

	p.Submit(WorkItem{ID: "low-1", Priority: 0})
	p.Submit(WorkItem{ID: "high", Priority: 5})
	p.Submit(WorkItem{ID: "low-2", Priority: 0})
	close(task.block)

	waitForStats(t, p, 4)
	got := task.seen()
	want := []string{"head", "high", "low-1", "low-2"}
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("executed %v, want %v", got, want)
		}
	}
}

func TestPoolQueueFullRejects(t *testing.T) {
	block := make(chan struct{})
	var fullCount int
	var mu sync.Mutex
	p := NewWorkerPool(
		PoolConfig{PoolSize: 1, QueueCapacity: 2},
		func(context.Context, WorkItem) error { <-block; return nil },
		WithPoolHooks(PoolHooks{QueueFull: func(WorkItem) {
			mu.Lock()
			fullCount++
			mu.Unlock()
		}}),
	)
	defer func() { close(block); p.Shutdown() }()

	p.Submit(WorkItem{}) // occupies the worker
	time.Sleep(20 * time.Millisecond)
	p.Submit(WorkItem{}) // queued
	p.Submit(WorkItem{}) // queued

	if p.Submit(WorkItem{}) {
		t.Error("Submit over capacity accepted, want rejected")
	}
	mu.Lock()
	defer mu.Unlock()
	if fullCount != 1 {
		t.Errorf("QueueFull hook fired %d times, want 1", fullCount)
	}
}

func TestPoolTaskTimeout(t *testing.T) {
	var failed error
	var mu sync.Mutex
	p := NewWorkerPool(
		PoolConfig{PoolSize: 1, TaskTimeout: 30 * time.Millisecond},
		func(ctx context.Context, _ WorkItem) error { <-ctx.Done(); return ctx.Err() },
		WithPoolHooks(PoolHooks{WorkFailed: func(_ WorkItem, err error) {
			mu.Lock()
			failed = err
			mu.Unlock()
		}}),
	)
	defer p.Shutdown()

	p.Submit(WorkItem{ID: "slow"})
	waitForStats(t, p, 1)

	mu.Lock()
	defer mu.Unlock()
	var timeout *ErrTimeout
	if !errors.As(failed, &timeout) {
		t.Fatalf("WorkFailed err = %v, want ErrTimeout", failed)
	}
	if timeout.Task != "slow" {
		t.Errorf("timeout task = %q, want slow", timeout.Task)
	}
}

func TestPoolTaskPanicIsFailure(t *testing.T) {
	p := NewWorkerPool(PoolConfig{PoolSize: 1}, func(context.Context, WorkItem) error {
		panic("boom")
	})
	defer p.Shutdown()

	p.Submit(WorkItem{})
	st := waitForStats(t, p, 1)
	if st.TotalFailed != 1 {
		t.Errorf("TotalFailed = %d, want 1", st.TotalFailed)
	}
}

func TestPoolShutdownRejectsNewWork(t *testing.T) {
	p := NewWorkerPool(PoolConfig{PoolSize: 1}, func(context.Context, WorkItem) error { return nil })
	p.Shutdown()
	if p.Submit(WorkItem{}) {
		t.Error("Submit after Shutdown accepted")
	}
	// Shutdown is idempotent.
	p.Shutdown()
}

func TestPoolResize(t *testing.T) {
	var resized [2]int
	task := &collectTask{}
	p := NewWorkerPool(PoolConfig{PoolSize: 1}, task.run,
		WithPoolHooks(PoolHooks{Resized: func(from, to int) { resized = [2]int{from, to} }}))
	defer p.Shutdown()

	p.Resize(4)
	if st := p.Stats(); st.PoolSize != 4 {
		t.Errorf("PoolSize after grow = %d, want 4", st.PoolSize)
	}
	if resized != [2]int{1, 4} {
		t.Errorf("Resized hook = %v, want [1 4]", resized)
	}

	p.Resize(2)
	if st := p.Stats(); st.PoolSize != 2 {
		t.Errorf("PoolSize after shrink = %d, want 2", st.PoolSize)
	}

	// The pool still executes work at the new size.
	for i := 0; i < 6; i++ {
		p.Submit(WorkItem{})
	}
	waitForStats(t, p, 6)
}
