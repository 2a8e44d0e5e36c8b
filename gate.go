package visor

import (
	"context"
	"sync"
)

// Gate coordinates pause, resume, and stop for a run. Dispatch sites call
// Wait before starting work: Wait blocks while paused, returns nil when
// running, and returns ErrStopped once the run is stopped. Stop is sticky
// and wins over pause.
type Gate struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	// change is closed and replaced on every state transition so blocked
	// waiters re-check.
	change chan struct{}
}

// NewGate creates a gate in the running state.
func NewGate() *Gate {
	return &Gate{change: make(chan struct{})}
}

// Pause suspends dispatch. In-flight steps finish; new dispatches block in
// Wait.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.paused {
		return
	}
	g.paused = true
	g.signalLocked()
}

// Resume lifts a pause.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || !g.paused {
		return
	}
	g.paused = false
	g.signalLocked()
}

// Stop terminates the run. Irreversible; blocked waiters and future Wait
// calls return ErrStopped.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	g.paused = false
	g.signalLocked()
}

func (g *Gate) signalLocked() {
	close(g.change)
	g.change = make(chan struct{})
}

// Paused reports whether the gate is paused.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Stopped reports whether the gate is stopped.
func (g *Gate) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Wait blocks until the gate permits dispatch. Returns ErrStopped when the
// run is stopped and the context error when ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			return ErrStopped
		}
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		ch := g.change
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
