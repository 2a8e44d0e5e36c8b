package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/probelabs/visor"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "visor.db")
	s := New(path)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	now := visor.NowUnix()
	sched := visor.Schedule{
		ID:        "s1",
		Cron:      "*/5 * * * *",
		Workflow:  "report",
		Status:    visor.ScheduleActive,
		NextRunAt: now + 300,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Put(ctx, sched); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Get(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Cron != sched.Cron || got.Workflow != sched.Workflow || got.NextRunAt != sched.NextRunAt {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	// Put on an existing id replaces the row.
	sched.Status = visor.SchedulePaused
	sched.RunCount = 3
	if err := s.Put(ctx, sched); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.Get(ctx, "s1")
	if got.Status != visor.SchedulePaused || got.RunCount != 3 {
		t.Errorf("upsert did not replace: %+v", got)
	}

	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "s1"); ok {
		t.Error("schedule still present after Delete")
	}
}

func TestStoreAllOrdering(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	now := visor.NowUnix()
	for _, row := range []visor.Schedule{
		{ID: "late", Cron: "* * * * *", Status: visor.ScheduleActive, NextRunAt: now + 100, UpdatedAt: now},
		{ID: "early", Cron: "* * * * *", Status: visor.ScheduleActive, NextRunAt: now + 10, UpdatedAt: now},
	} {
		if err := s.Put(ctx, row); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "early" || all[1].ID != "late" {
		t.Errorf("All order = %+v, want next_run_at ascending", all)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "visor.db")

	first := New(path)
	if err := first.Init(ctx); err != nil {
		t.Fatal(err)
	}
	now := visor.NowUnix()
	sched := visor.Schedule{ID: "s1", Cron: "0 9 * * *", Workflow: "daily", Status: visor.ScheduleActive, NextRunAt: now + 60, UpdatedAt: now}
	if err := first.Put(ctx, sched); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := New(path)
	defer second.Close()
	if err := second.Init(ctx); err != nil {
		t.Fatal(err)
	}
	got, ok, err := second.Get(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if got.Workflow != "daily" {
		t.Errorf("reloaded schedule = %+v", got)
	}
}

func TestStoreBacksScheduleStore(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	st := visor.NewScheduleStore(s)

	created, err := st.Create(ctx, visor.Schedule{Cron: "* * * * *", Workflow: "w"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != visor.ScheduleActive {
		t.Fatalf("Create = %+v", created)
	}

	updated, err := st.Update(ctx, created.ID, func(row *visor.Schedule) { row.Status = visor.SchedulePaused })
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != visor.SchedulePaused {
		t.Errorf("Status = %q, want paused", updated.Status)
	}

	due, err := st.GetDue(ctx, visor.NowUnix()+3600)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("paused schedule reported due: %+v", due)
	}

	locks, ok := st.Locks()
	if !ok || locks == nil {
		t.Error("sqlite backend did not surface lock support")
	}
}

func TestLockLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	token, ok, err := s.TryAcquireLock(ctx, "s1", "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := s.TryAcquireLock(ctx, "s1", "node-b", time.Minute); ok {
		t.Error("second node acquired a held lock")
	}

	renewed, err := s.RenewLock(ctx, "s1", token, time.Minute)
	if err != nil || !renewed {
		t.Errorf("renew with valid token: %v %v", renewed, err)
	}
	if renewed, _ := s.RenewLock(ctx, "s1", "wrong-token", time.Minute); renewed {
		t.Error("renew with wrong token succeeded")
	}

	if err := s.ReleaseLock(ctx, "s1", token); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.TryAcquireLock(ctx, "s1", "node-b", time.Minute); !ok {
		t.Error("lock not acquirable after release")
	}
}

func TestLockExpiry(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	if _, ok, _ := s.TryAcquireLock(ctx, "s1", "node-a", 10*time.Millisecond); !ok {
		t.Fatal("initial acquire failed")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := s.TryAcquireLock(ctx, "s1", "node-b", time.Minute); !ok {
		t.Error("expired lock not stealable")
	}
}
