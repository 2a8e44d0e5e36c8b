package visor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine traverses the step DAG for an Invocation: dependency waves bounded
// by max_parallelism, forEach fan-out with iteration scopes, contract
// enforcement, declarative routing under budgets, and pause/stop control.
// Safe for concurrent Run calls; each invocation gets its own gate and
// result set. Sessions and run-shared memory persist across invocations so
// reuse_ai_session: "self" can continue a prior run's conversation.
type Engine struct {
	cfg       *Config
	providers *ProviderRegistry
	bus       *EventBus
	logger    *slog.Logger
	tracer    Tracer
	sessions  *SessionRegistry
	memory    *MemoryStore

	gateMu sync.Mutex
	gates  map[string]*Gate

	// schemas caches compiled per-step output schemas.
	schemas sync.Map
}

var _ InvocationRunner = (*Engine)(nil)

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineTracer sets the tracer used for run and step spans.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithEngineBus sets the event bus lifecycle events are published on.
// Defaults to a private bus.
func WithEngineBus(b *EventBus) EngineOption {
	return func(e *Engine) { e.bus = b }
}

// NewEngine creates an engine over a loaded config and provider registry.
func NewEngine(cfg *Config, providers *ProviderRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:       cfg,
		providers: providers,
		logger:    nopLogger,
		tracer:    NoopTracer{},
		sessions:  NewSessionRegistry(),
		gates:     map[string]*Gate{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = NewEventBus(WithBusLogger(e.logger))
	}
	e.memory = NewMemoryStore(cfg.Memory)
	return e
}

// Bus returns the bus the engine publishes lifecycle events on.
func (e *Engine) Bus() *EventBus { return e.bus }

// Pause suspends dispatch for a run. In-flight providers finish; new step
// starts block until Resume.
func (e *Engine) Pause(runID string) {
	if g := e.gateFor(runID); g != nil {
		g.Pause()
	}
}

// Resume lifts a pause.
func (e *Engine) Resume(runID string) {
	if g := e.gateFor(runID); g != nil {
		g.Resume()
	}
}

// Stop terminates a run. Already-running providers are not interrupted;
// their results are still recorded before the run reaches Stopped.
func (e *Engine) Stop(runID string) {
	if g := e.gateFor(runID); g != nil {
		g.Stop()
	}
}

func (e *Engine) gateFor(runID string) *Gate {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	return e.gates[runID]
}

// Run executes one invocation to a terminal state. The returned RunResult is
// non-nil whenever planning succeeded, including Stopped and Error outcomes;
// budget violations surface as contract issues, not errors.
func (e *Engine) Run(ctx context.Context, inv Invocation) (*RunResult, error) {
	if inv.RunID == "" {
		inv.RunID = NewID()
	}
	if inv.EventType == "" {
		inv.EventType = "manual"
	}
	if inv.Depth >= e.cfg.Limits.MaxWorkflowDepth {
		return nil, &ErrBudget{Budget: "max_workflow_depth", Limit: e.cfg.Limits.MaxWorkflowDepth}
	}

	gate := NewGate()
	e.gateMu.Lock()
	e.gates[inv.RunID] = gate
	e.gateMu.Unlock()
	defer func() {
		e.gateMu.Lock()
		delete(e.gates, inv.RunID)
		e.gateMu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, "engine.run",
		StringAttr("run.id", inv.RunID),
		StringAttr("event.type", inv.EventType),
	)
	defer span.End()

	start := time.Now()
	r := &run{
		e:       e,
		inv:     inv,
		gate:    gate,
		state:   RunIdle,
		results: map[stepKey]*StepResult{},
		runs:    map[stepKey]int{},
		loops:   map[string]int{},
		binds:   map[stepKey]any{},
		aggs:    map[stepKey]any{},
		sem:     make(chan struct{}, e.cfg.MaxParallelism),
	}

	r.setState(RunPlanning)
	pl, err := e.resolve(inv)
	if err != nil {
		r.setState(RunError)
		span.Error(err)
		return nil, err
	}
	r.plan = pl

	r.setState(RunRunning)
	root := &scope{event: inv.EventType}
	execErr := r.executeScope(ctx, root, flattenWaves(pl.waves))

	state := RunCompleted
	switch {
	case errors.Is(execErr, ErrStopped):
		state = RunStopped
	case execErr != nil:
		state = RunError
		span.Error(execErr)
	}
	r.setState(state)

	result := r.assemble(state, time.Since(start))
	e.evalGlobalFailIf(result)
	e.logger.Info("engine run finished",
		"runId", inv.RunID, "state", string(state),
		"steps", len(result.Results), "issues", len(result.Issues),
		"duration", result.Duration,
	)
	if state == RunError {
		return result, fmt.Errorf("engine: run %s: %w", inv.RunID, execErr)
	}
	return result, nil
}

// evalGlobalFailIf applies the config-level fail_if over the finished run.
// Truthy adds a run-level error issue without changing the terminal state.
func (e *Engine) evalGlobalFailIf(result *RunResult) {
	if e.cfg.FailIf == "" {
		return
	}
	outputs := map[string]any{}
	for _, res := range result.Results {
		if res.Scope == "" {
			outputs[res.Step] = res.Output
		}
	}
	rc := RoutingContext{
		Outputs: outputs,
		Issues:  result.Issues,
		Env:     e.cfg.Env,
		Memory:  e.memory.Snapshot(),
	}
	failed, err := EvalBool(e.cfg.FailIf, rc)
	if err != nil {
		e.logger.Warn("global fail_if evaluation failed", "error", err)
		return
	}
	if failed {
		result.Issues = append(result.Issues, Issue{
			RuleID:   "global/fail_if",
			Message:  fmt.Sprintf("fail_if condition met: %s", e.cfg.FailIf),
			Severity: SeverityError,
		})
	}
}

// --- Per-run state ---

// stepKey identifies one step execution slot: a step name in an iteration
// scope.
type stepKey struct {
	step  string
	scope string
}

// scope is one iteration identity. The root scope has an empty id; fan-out
// children append "<forEachStep>[<index>]" segments.
type scope struct {
	id     string
	parent *scope
	item   any
	index  int
	// origin is the forEach step that created this scope.
	origin string
	// event is the effective event type here; goto_event overrides it.
	event string
}

func (s *scope) child(origin string, index int, item any) *scope {
	id := fmt.Sprintf("%s[%d]", origin, index)
	if s.id != "" {
		id = s.id + "/" + id
	}
	return &scope{id: id, parent: s, item: item, index: index, origin: origin, event: s.event}
}

type run struct {
	e    *Engine
	inv  Invocation
	gate *Gate
	plan *plan

	mu      sync.Mutex
	state   RunState
	results map[stepKey]*StepResult
	order   []stepKey
	// runs counts provider executions per slot, for max_runs_per_check.
	runs map[stepKey]int
	// loops counts applied routing transitions per scope, for max_loops.
	loops map[string]int
	// binds holds per-scope forEach item bindings: outputs[origin] = item.
	binds map[stepKey]any
	// aggs holds parent-scope aggregates of fanned-out step outputs.
	aggs map[stepKey]any

	sem        chan struct{}
	failedFast bool
}

func (r *run) setState(to RunState) {
	r.mu.Lock()
	from := r.state
	if from == to {
		r.mu.Unlock()
		return
	}
	r.state = to
	r.mu.Unlock()

	r.e.bus.Emit(EventStateTransition, StateTransitionPayload{RunID: r.inv.RunID, From: from, To: to})
}

func (r *run) record(res *StepResult) {
	key := stepKey{step: res.Step, scope: res.Scope}
	r.mu.Lock()
	r.results[key] = res
	r.order = append(r.order, key)
	r.mu.Unlock()

	payload := CheckEventPayload{RunID: r.inv.RunID, Step: res.Step, Scope: res.Scope, Result: res}
	if res.Status == StepFailed {
		r.e.bus.Emit(EventCheckErrored, payload)
	} else {
		r.e.bus.Emit(EventCheckCompleted, payload)
	}
}

func (r *run) result(step string, sc *scope) (*StepResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[stepKey{step: step, scope: sc.id}]
	return res, ok
}

// lookupResult walks the scope chain for the nearest result of a step.
func (r *run) lookupResult(step string, sc *scope) (*StepResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := sc; s != nil; s = s.parent {
		if res, ok := r.results[stepKey{step: step, scope: s.id}]; ok {
			return res, ok
		}
	}
	return nil, false
}

// assemble builds the final RunResult: results in first-completion order
// (later goto re-runs replace in place), grouped by the step's group.
func (r *run) assemble(state RunState, elapsed time.Duration) *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[stepKey]bool{}
	results := make([]StepResult, 0, len(r.results))
	grouped := GroupedResults{}
	var issues []Issue
	for _, key := range r.order {
		if seen[key] {
			continue
		}
		seen[key] = true
		res, ok := r.results[key]
		if !ok {
			continue
		}
		results = append(results, *res)
		group := r.plan.groupOf(key.step, r.e.cfg)
		grouped[group] = append(grouped[group], *res)
		issues = append(issues, res.Issues...)
	}

	return &RunResult{
		RunID:    r.inv.RunID,
		State:    state,
		Results:  results,
		Grouped:  grouped,
		Issues:   issues,
		Duration: elapsed,
	}
}

func (p *plan) groupOf(step string, cfg *Config) string {
	if s, ok := p.steps[step]; ok {
		return s.GroupName()
	}
	if s, ok := cfg.Steps[step]; ok {
		return s.GroupName()
	}
	return "default"
}

func flattenWaves(waves [][]string) []string {
	var out []string
	for _, wave := range waves {
		out = append(out, wave...)
	}
	return out
}
