package visor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRunner records invocations and returns a scripted result.
type fakeRunner struct {
	mu     sync.Mutex
	invs   []Invocation
	result *RunResult
	err    error
}

func (f *fakeRunner) Run(_ context.Context, inv Invocation) (*RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invs = append(f.invs, inv)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.RunID = NewID()
	return &res, nil
}

func (f *fakeRunner) calls() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Invocation, len(f.invs))
	copy(out, f.invs)
	return out
}

func completedRunner() *fakeRunner {
	return &fakeRunner{result: &RunResult{State: RunCompleted}}
}

func TestSchedulerOneShotCompletesAndDeletes(t *testing.T) {
	ctx := context.Background()
	st := NewScheduleStore(NewMemoryBackend())
	runner := completedRunner()
	s := NewScheduler(st, runner, SchedulerConfig{})

	sched, err := st.Create(ctx, Schedule{RunAt: NowUnix() - 1, Workflow: "report"})
	if err != nil {
		t.Fatal(err)
	}

	s.fire(ctx, sched.ID)

	if n := len(runner.calls()); n != 1 {
		t.Fatalf("runner invoked %d times, want 1", n)
	}
	inv := runner.calls()[0]
	if inv.EventType != "schedule" {
		t.Errorf("EventType = %q, want schedule", inv.EventType)
	}
	if len(inv.Roots) != 1 || inv.Roots[0] != "report" {
		t.Errorf("Roots = %v, want [report]", inv.Roots)
	}

	// active -> completed -> deleted, exactly once.
	if _, ok, _ := st.Get(ctx, sched.ID); ok {
		t.Error("one-shot schedule survived a successful fire")
	}

	// A second fire is a no-op: the row is gone.
	s.fire(ctx, sched.ID)
	if n := len(runner.calls()); n != 1 {
		t.Errorf("runner invoked %d times after refire, want 1", n)
	}
}

func TestSchedulerRecurringAdvancesNextRun(t *testing.T) {
	ctx := context.Background()
	st := NewScheduleStore(NewMemoryBackend())
	runner := completedRunner()
	s := NewScheduler(st, runner, SchedulerConfig{})

	sched, err := st.Create(ctx, Schedule{Cron: "*/5 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	before := sched.NextRunAt

	s.fire(ctx, sched.ID)

	got, ok, _ := st.Get(ctx, sched.ID)
	if !ok {
		t.Fatal("recurring schedule deleted after fire")
	}
	if got.Status != ScheduleActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
	if got.NextRunAt < before {
		t.Errorf("NextRunAt went backwards: %d -> %d", before, got.NextRunAt)
	}
	if got.LastRunAt == 0 {
		t.Error("LastRunAt not recorded")
	}
}

func TestSchedulerThreeStrikesPauses(t *testing.T) {
	ctx := context.Background()
	st := NewScheduleStore(NewMemoryBackend())
	runner := &fakeRunner{err: errors.New("engine exploded")}
	s := NewScheduler(st, runner, SchedulerConfig{})

	sched, err := st.Create(ctx, Schedule{Cron: "* * * * *"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < maxConsecutiveFailures; i++ {
		got, _, _ := st.Get(ctx, sched.ID)
		if got.Status != ScheduleActive {
			t.Fatalf("schedule left active state after %d failures", i)
		}
		s.fire(ctx, sched.ID)
	}

	got, ok, _ := st.Get(ctx, sched.ID)
	if !ok {
		t.Fatal("failed schedule deleted, want retained with status failed")
	}
	if got.Status != ScheduleFailed {
		t.Errorf("Status = %q after 3 failures, want failed", got.Status)
	}
	if got.FailureCount != maxConsecutiveFailures {
		t.Errorf("FailureCount = %d, want %d", got.FailureCount, maxConsecutiveFailures)
	}
	if got.LastError == "" {
		t.Error("LastError not recorded")
	}

	// A failed schedule no longer fires.
	s.fire(ctx, sched.ID)
	if n := len(runner.calls()); n != maxConsecutiveFailures {
		t.Errorf("runner invoked %d times, want %d", n, maxConsecutiveFailures)
	}
}

func TestSchedulerSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	st := NewScheduleStore(NewMemoryBackend())
	runner := &fakeRunner{err: errors.New("transient")}
	s := NewScheduler(st, runner, SchedulerConfig{})

	sched, err := st.Create(ctx, Schedule{Cron: "* * * * *"})
	if err != nil {
		t.Fatal(err)
	}

	s.fire(ctx, sched.ID)
	s.fire(ctx, sched.ID)

	runner.mu.Lock()
	runner.err = nil
	runner.result = &RunResult{State: RunCompleted}
	runner.mu.Unlock()
	s.fire(ctx, sched.ID)

	got, _, _ := st.Get(ctx, sched.ID)
	if got.FailureCount != 0 {
		t.Errorf("FailureCount = %d after success, want 0", got.FailureCount)
	}
	if got.Status != ScheduleActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
}

func TestSchedulerHALockCedesToHolder(t *testing.T) {
	ctx := context.Background()
	st := NewScheduleStore(NewMemoryBackend())
	locks, _ := st.Locks()
	runner := completedRunner()
	s := NewScheduler(st, runner, SchedulerConfig{HA: HAConfig{Enabled: true, NodeID: "node-a"}})

	sched, err := st.Create(ctx, Schedule{Cron: "* * * * *"})
	if err != nil {
		t.Fatal(err)
	}

	// Another node holds the per-fire lock: this node must not execute.
	token, ok, err := locks.TryAcquireLock(ctx, sched.ID, "node-b", time.Minute)
	if err != nil || !ok {
		t.Fatal("setup acquire failed")
	}
	s.fire(ctx, sched.ID)
	if n := len(runner.calls()); n != 0 {
		t.Fatalf("runner invoked %d times while lock held elsewhere, want 0", n)
	}

	// Released: the fire proceeds and the lock is released afterwards.
	if err := locks.ReleaseLock(ctx, sched.ID, token); err != nil {
		t.Fatal(err)
	}
	s.fire(ctx, sched.ID)
	if n := len(runner.calls()); n != 1 {
		t.Fatalf("runner invoked %d times after release, want 1", n)
	}
	if _, ok, _ := locks.TryAcquireLock(ctx, sched.ID, "node-c", time.Minute); !ok {
		t.Error("fire did not release its lock")
	}
}

func TestSchedulerDeliversThroughAdapter(t *testing.T) {
	ctx := context.Background()
	st := NewScheduleStore(NewMemoryBackend())
	runner := completedRunner()
	runner.result.Results = []StepResult{{Step: "report", Status: StepCompleted, Output: map[string]any{"ok": true}}}

	var mu sync.Mutex
	var delivered []ScheduleRunResult
	adapter := OutputAdapterFunc(func(_ context.Context, _ Schedule, r ScheduleRunResult) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, r)
		return nil
	})
	s := NewScheduler(st, runner, SchedulerConfig{}, WithOutputAdapter("webhook", adapter))

	sched, err := st.Create(ctx, Schedule{Cron: "* * * * *", OutputType: "webhook", OutputTarget: "https://example.test/hook"})
	if err != nil {
		t.Fatal(err)
	}
	s.fire(ctx, sched.ID)

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 {
		t.Fatalf("adapter received %d deliveries, want 1", len(delivered))
	}
	if !delivered[0].Success {
		t.Error("delivered result not marked success")
	}
	if delivered[0].Output["report"] == nil {
		t.Error("step output missing from delivered result")
	}
}

func TestSchedulerAdapterPanicIsContained(t *testing.T) {
	ctx := context.Background()
	st := NewScheduleStore(NewMemoryBackend())
	runner := completedRunner()
	adapter := OutputAdapterFunc(func(context.Context, Schedule, ScheduleRunResult) error {
		panic("adapter broke")
	})
	s := NewScheduler(st, runner, SchedulerConfig{}, WithOutputAdapter("webhook", adapter))

	sched, err := st.Create(ctx, Schedule{Cron: "* * * * *", OutputType: "webhook"})
	if err != nil {
		t.Fatal(err)
	}
	s.fire(ctx, sched.ID) // must not panic the test

	if got, _, _ := st.Get(ctx, sched.ID); got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1 (bookkeeping unaffected by adapter panic)", got.RunCount)
	}
}

func TestSchedulerStartRestoresAndStops(t *testing.T) {
	ctx := context.Background()
	st := NewScheduleStore(NewMemoryBackend())
	runner := completedRunner()
	s := NewScheduler(st, runner, SchedulerConfig{CheckIntervalMS: 50})

	// A past-due one-shot restored on Start fires immediately.
	sched, err := st.Create(ctx, Schedule{RunAt: NowUnix() - 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(runner.calls()) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(runner.calls()); n == 0 {
		t.Fatal("restored past-due one-shot never fired")
	}
	if _, ok, _ := st.Get(ctx, sched.ID); ok {
		t.Error("fired one-shot still in store")
	}

	if err := s.Start(ctx); err == nil {
		t.Error("second Start succeeded, want already-started error")
	}
}
