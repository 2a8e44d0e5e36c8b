package visor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateRunningPassesThrough(t *testing.T) {
	g := NewGate()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on running gate: %v", err)
	}
}

func TestGatePauseBlocksUntilResume(t *testing.T) {
	g := NewGate()
	g.Pause()
	if !g.Paused() {
		t.Fatal("Paused() = false after Pause")
	}

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()

	select {
	case err := <-released:
		t.Fatalf("Wait returned %v while paused", err)
	case <-time.After(30 * time.Millisecond):
	}

	g.Resume()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("Wait after Resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock on Resume")
	}
}

func TestGateStopUnblocksWaiters(t *testing.T) {
	g := NewGate()
	g.Pause()

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()

	g.Stop()
	select {
	case err := <-released:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("Wait after Stop = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock on Stop")
	}

	// Stop is sticky: later calls see it immediately and pause is a no-op.
	g.Pause()
	g.Resume()
	if err := g.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Wait on stopped gate = %v, want ErrStopped", err)
	}
	if !g.Stopped() {
		t.Error("Stopped() = false after Stop")
	}
}

func TestGateWaitHonorsContext(t *testing.T) {
	g := NewGate()
	g.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	released := make(chan error, 1)
	go func() { released <- g.Wait(ctx) }()

	cancel()
	select {
	case err := <-released:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Wait = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock on context cancel")
	}
}

func TestGateRedundantTransitions(t *testing.T) {
	g := NewGate()
	g.Resume() // resume while running is a no-op
	g.Pause()
	g.Pause() // double pause is a no-op
	g.Resume()
	if g.Paused() {
		t.Error("gate still paused after Resume")
	}
	g.Stop()
	g.Stop() // double stop is a no-op
}
