package visor

import (
	"errors"
	"fmt"
)

// ErrStopped is the cancel sentinel raised by the pause gate when a stop is
// requested. The engine honors it at gate points and unwinds the invocation
// to the Stopped terminal state.
var ErrStopped = errors.New("visor: invocation stopped")

// ErrConfig is a terminal configuration load or validation error.
type ErrConfig struct {
	Source  string // file path or URL the error originated from
	Message string
	Err     error
}

func (e *ErrConfig) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("config %s: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("config: %s", e.Message)
}

func (e *ErrConfig) Unwrap() error { return e.Err }

// ErrBudget marks a routing or execution budget violation. Fatal for the
// offending subgraph; the invocation may still complete other roots.
type ErrBudget struct {
	Budget string // "max_runs_per_check", "max_loops", "max_workflow_depth"
	Step   string
	Scope  string
	Limit  int
}

func (e *ErrBudget) Error() string {
	return fmt.Sprintf("budget %s exceeded at step %q scope %q (limit %d)", e.Budget, e.Step, e.Scope, e.Limit)
}

// ErrTimeout marks a per-task timeout in the worker pool or a per-step
// timeout in the engine.
type ErrTimeout struct {
	Task string
	Err  error
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("timeout: %s", e.Task)
}

func (e *ErrTimeout) Unwrap() error { return e.Err }

// ErrQueueFull is returned by ingress paths when the worker pool refuses an
// item. Callers translate it to a 503-equivalent.
var ErrQueueFull = errors.New("visor: worker pool queue full")

// ErrRateLimited is returned by ingress paths when admission is denied.
// Callers translate it to a 429-equivalent with the decision's RetryAfter.
var ErrRateLimited = errors.New("visor: rate limited")

// RateLimitedError carries the admission decision behind an ErrRateLimited.
// Ingress surfaces read RetryAfter from it for the 429 response.
type RateLimitedError struct {
	Decision AdmissionDecision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("visor: rate limited by %s (retry after %s)", e.Decision.BlockedBy, e.Decision.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// IsBudget reports whether err is a budget violation.
func IsBudget(err error) bool {
	var be *ErrBudget
	return errors.As(err, &be)
}
