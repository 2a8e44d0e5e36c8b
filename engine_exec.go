package visor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"
)

// executeScope runs the given steps inside one iteration scope: topological
// waves, at most max_parallelism concurrent steps per wave, forEach fan-out
// into child scopes, and post-wave routing (goto rewinds, run post-steps).
// Returns ErrStopped when the gate stops the run mid-flight.
func (r *run) executeScope(ctx context.Context, sc *scope, steps []string) error {
	if len(steps) == 0 {
		return nil
	}
	waves, err := topoWaves(steps, r.e.cfg.Steps)
	if err != nil {
		return err
	}

	i := 0
	for i < len(waves) {
		if err := r.gatePoint(ctx); err != nil {
			return err
		}
		if r.failFastTripped() {
			break
		}

		wave := waves[i]
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range wave {
			g.Go(func() error {
				select {
				case r.sem <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
				defer func() { <-r.sem }()
				if err := r.gate.Wait(gctx); err != nil {
					return err
				}
				return r.executeStep(gctx, name, sc)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		rewound := false
		for _, name := range wave {
			res, ok := r.result(name, sc)
			if !ok {
				continue
			}
			step := r.e.cfg.Steps[name]

			if res.Status == StepFailed && r.e.cfg.FailFast {
				r.tripFailFast()
			}

			if step.ForEach && res.Status == StepCompleted {
				remaining := map[string]bool{}
				for _, later := range waves[i+1:] {
					for _, n := range later {
						remaining[n] = true
					}
				}
				fan := r.plan.fanoutSet(name, remaining)
				if len(fan) > 0 {
					waves = removeFromWaves(waves, fan)
					if err := r.fanOut(ctx, sc, step, res, fan); err != nil {
						return err
					}
				}
				if step.OnFinish != nil {
					intent, err := EvaluateTransitions(step.OnFinish, r.routingContext(step, sc, res))
					if err != nil {
						r.addRoutingIssue(res, "on_finish", err)
					} else if waves, i, rewound = r.applyIntent(sc, step, res, intent, waves, i); rewound {
						break
					}
				}
			}

			var block *TransitionBlock
			switch res.Status {
			case StepCompleted:
				block = step.OnSuccess
			case StepFailed:
				block = step.OnFail
			}
			if block != nil {
				intent, err := EvaluateTransitions(block, r.routingContext(step, sc, res))
				if err != nil {
					r.addRoutingIssue(res, "transition", err)
				} else if waves, i, rewound = r.applyIntent(sc, step, res, intent, waves, i); rewound {
					break
				}
			}
		}
		if rewound {
			continue
		}
		i++
	}
	return nil
}

// gatePoint is one pause/stop checkpoint, publishing the Running↔Paused
// transitions around a blocked wait.
func (r *run) gatePoint(ctx context.Context) error {
	if r.gate.Paused() {
		r.setState(RunPaused)
	}
	if err := r.gate.Wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	paused := r.state == RunPaused
	r.mu.Unlock()
	if paused {
		r.setState(RunRunning)
	}
	return nil
}

func (r *run) tripFailFast() {
	r.mu.Lock()
	r.failedFast = true
	r.mu.Unlock()
}

func (r *run) failFastTripped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedFast
}

// fanOut clones the fan set once per coerced output item, each in a fresh
// child scope with the item bound, then records parent-scope aggregates so
// fanout:reduce consumers see the per-item outputs as a list.
func (r *run) fanOut(ctx context.Context, sc *scope, step *StepConfig, res *StepResult, fan []string) error {
	items := coerceArray(res.Output)
	children := make([]*scope, len(items))

	g, gctx := errgroup.WithContext(ctx)
	for idx, item := range items {
		child := sc.child(step.Name, idx, item)
		children[idx] = child
		r.mu.Lock()
		r.binds[stepKey{step: step.Name, scope: child.id}] = item
		r.mu.Unlock()
		g.Go(func() error {
			if err := r.gate.Wait(gctx); err != nil {
				return err
			}
			return r.executeScope(gctx, child, fan)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	for _, name := range fan {
		agg := make([]any, 0, len(children))
		for _, child := range children {
			if cres, ok := r.results[stepKey{step: name, scope: child.id}]; ok {
				agg = append(agg, cres.Output)
			} else {
				agg = append(agg, nil)
			}
		}
		r.aggs[stepKey{step: name, scope: sc.id}] = agg
	}
	r.mu.Unlock()
	return nil
}

// applyIntent enforces the loop budget and applies a routing intent: goto
// rewinds the wave cursor to the target and clears downstream results in
// this scope; run inserts a post-step wave after the current one. Returns
// the (possibly modified) waves, the next wave index, and whether a rewind
// happened.
func (r *run) applyIntent(sc *scope, step *StepConfig, res *StepResult, intent RoutingIntent, waves [][]string, i int) ([][]string, int, bool) {
	if intent.Kind == RoutingNone {
		return waves, i, false
	}

	maxLoops := r.e.cfg.Routing.MaxLoops
	r.mu.Lock()
	if r.loops[sc.id]+1 > maxLoops {
		r.mu.Unlock()
		r.appendIssue(res, Issue{
			RuleID:   "contract/budget_exceeded",
			Message:  fmt.Sprintf("routing.max_loops (%d) exceeded in scope %q; transition from %q refused", maxLoops, sc.id, step.Name),
			Severity: SeverityError,
		})
		return waves, i, false
	}
	r.loops[sc.id]++
	r.mu.Unlock()

	switch intent.Kind {
	case RoutingGoto:
		j := -1
		for wi := 0; wi <= i && wi < len(waves); wi++ {
			for _, n := range waves[wi] {
				if n == intent.Goto {
					j = wi
				}
			}
		}
		if j < 0 {
			r.appendIssue(res, Issue{
				RuleID:   "routing/unknown_target",
				Message:  fmt.Sprintf("goto target %q is not an executed ancestor of %q", intent.Goto, step.Name),
				Severity: SeverityWarning,
			})
			return waves, i, false
		}
		if intent.GotoEvent != "" {
			sc.event = intent.GotoEvent
		}
		r.mu.Lock()
		for wi := j; wi < len(waves); wi++ {
			for _, n := range waves[wi] {
				delete(r.results, stepKey{step: n, scope: sc.id})
			}
		}
		r.mu.Unlock()
		r.e.logger.Debug("routing goto", "runId", r.inv.RunID, "from", step.Name, "to", intent.Goto, "scope", sc.id)
		return waves, j, true

	case RoutingRun:
		var runnable []string
		for _, target := range intent.Run {
			if _, ok := r.e.cfg.Steps[target]; !ok {
				r.appendIssue(res, Issue{
					RuleID:   "routing/unknown_target",
					Message:  fmt.Sprintf("run target %q is not a configured step", target),
					Severity: SeverityWarning,
				})
				continue
			}
			runnable = append(runnable, target)
		}
		if len(runnable) == 0 {
			return waves, i, false
		}
		next := make([][]string, 0, len(waves)+1)
		next = append(next, waves[:i+1]...)
		next = append(next, runnable)
		next = append(next, waves[i+1:]...)
		r.e.logger.Debug("routing run", "runId", r.inv.RunID, "from", step.Name, "steps", runnable, "scope", sc.id)
		return next, i, false
	}
	return waves, i, false
}

func (r *run) addRoutingIssue(res *StepResult, where string, err error) {
	r.appendIssue(res, Issue{
		RuleID:   "routing/eval_failed",
		Message:  fmt.Sprintf("%s evaluation failed: %v", where, err),
		Severity: SeverityWarning,
	})
}

func (r *run) appendIssue(res *StepResult, issue Issue) {
	r.mu.Lock()
	res.Issues = append(res.Issues, issue)
	r.mu.Unlock()
}

// --- Single step execution ---

func (r *run) executeStep(ctx context.Context, name string, sc *scope) error {
	step, ok := r.e.cfg.Steps[name]
	if !ok {
		return nil
	}
	r.e.bus.Emit(EventCheckScheduled, CheckEventPayload{RunID: r.inv.RunID, Step: name, Scope: sc.id})

	if reason, failErr := r.precondition(step, sc); failErr != nil {
		r.record(&StepResult{
			Step: name, Scope: sc.id, Status: StepFailed,
			Err: failErr, Error: failErr.Error(), StartedAt: time.Now(),
		})
		return nil
	} else if reason != "" {
		r.record(&StepResult{
			Step: name, Scope: sc.id, Status: StepSkipped,
			SkipReason: reason, StartedAt: time.Now(),
		})
		return nil
	}

	key := stepKey{step: name, scope: sc.id}
	r.mu.Lock()
	count := r.runs[key] + 1
	r.mu.Unlock()
	if count > step.MaxRuns {
		budget := &ErrBudget{Budget: "max_runs_per_check", Step: name, Scope: sc.id, Limit: step.MaxRuns}
		r.record(&StepResult{
			Step: name, Scope: sc.id, Status: StepFailed,
			Err: budget, Error: budget.Error(), StartedAt: time.Now(), Runs: count - 1,
			Issues: []Issue{{
				RuleID:   "contract/budget_exceeded",
				Message:  budget.Error(),
				Severity: SeverityError,
			}},
		})
		return nil
	}
	r.mu.Lock()
	r.runs[key] = count
	r.mu.Unlock()

	start := time.Now()
	r.e.bus.Emit(EventCheckStarted, CheckEventPayload{RunID: r.inv.RunID, Step: name, Scope: sc.id})
	ctx, span := r.e.tracer.Start(ctx, "engine.step",
		StringAttr("step", name),
		StringAttr("scope", sc.id),
		IntAttr("attempt", count),
	)
	defer span.End()

	if step.Type == "human-input" {
		r.e.bus.Emit(EventHumanInputRequested, CheckEventPayload{RunID: r.inv.RunID, Step: name, Scope: sc.id})
	}

	var pres ProviderResult
	var perr error
	if step.Type == "workflow" {
		pres, perr = r.runNestedWorkflow(ctx, step)
	} else if provider, ok := r.e.providers.Get(step.Type); ok {
		pres, perr = r.invokeProvider(ctx, provider, step, sc)
	} else {
		perr = fmt.Errorf("engine: no provider registered for type %q", step.Type)
	}

	res := &StepResult{
		Step: name, Scope: sc.id,
		Issues: pres.Issues, Output: pres.Output, Content: pres.Content,
		StartedAt: start, Duration: time.Since(start), Runs: count,
	}
	if perr != nil {
		if errors.Is(perr, ErrStopped) || errors.Is(perr, context.Canceled) {
			res.Status = StepSkipped
			res.SkipReason = SkipStopped
			r.record(res)
			return perr
		}
		span.Error(perr)
		res.Status = StepFailed
		res.Err = perr
		res.Error = perr.Error()
		r.record(res)
		return nil
	}

	res.Status = StepCompleted
	r.applyContracts(step, sc, res)
	r.record(res)
	return nil
}

// precondition evaluates the skip conditions in declaration order. Returns
// a non-empty SkipReason to skip, or an error when an expression itself
// fails to evaluate.
func (r *run) precondition(step *StepConfig, sc *scope) (SkipReason, error) {
	if r.gatedUpstream(step, sc) {
		return SkipUpstream, nil
	}
	if !step.MatchesEvent(sc.event) {
		return SkipEvent, nil
	}
	if !r.inv.TagFilter.Matches(step.Tags) {
		return SkipTag, nil
	}

	rc := r.preRoutingContext(step, sc)
	if step.If != "" {
		ok, err := EvalBool(step.If, rc)
		if err != nil {
			return "", fmt.Errorf("engine: step %q: if: %w", step.Name, err)
		}
		if !ok {
			return SkipCondition, nil
		}
	}
	for _, assume := range step.Assume {
		ok, err := EvalBool(assume, rc)
		if err != nil {
			return "", fmt.Errorf("engine: step %q: assume: %w", step.Name, err)
		}
		if !ok {
			return SkipAssume, nil
		}
	}
	return "", nil
}

// gatedUpstream reports whether a dependency failure blocks this step. An
// OR-token gates only when every alternative with a recorded result failed
// and gates; skipped dependencies are neutral.
func (r *run) gatedUpstream(step *StepConfig, sc *scope) bool {
	for _, token := range step.DependsOn {
		seen, gatedAll := 0, true
		for _, alt := range splitAlternatives(token) {
			dep, ok := r.e.cfg.Steps[alt]
			if !ok {
				continue
			}
			res, found := r.lookupResult(alt, sc)
			if !found {
				continue
			}
			seen++
			if res.Status == StepFailed && dep.GatesDependents() {
				continue
			}
			gatedAll = false
		}
		if seen > 0 && gatedAll {
			return true
		}
	}
	return false
}

// outputsFor collects dependency outputs visible to a step in a scope.
// Coerced outputs replace a forEach origin's array with the bound item and
// a fanned-out step's output with the parent-scope aggregate list; raw
// outputs stay untouched.
func (r *run) outputsFor(step *StepConfig, sc *scope) (outputs, raw map[string]any) {
	outputs = map[string]any{}
	raw = map[string]any{}
	for _, token := range step.DependsOn {
		for _, alt := range splitAlternatives(token) {
			if _, ok := r.e.cfg.Steps[alt]; !ok {
				continue
			}
			if res, found := r.lookupResult(alt, sc); found {
				outputs[alt] = res.Output
				raw[alt] = res.Output
			}
			r.mu.Lock()
			for s := sc; s != nil; s = s.parent {
				if agg, ok := r.aggs[stepKey{step: alt, scope: s.id}]; ok {
					outputs[alt] = agg
					break
				}
				if item, ok := r.binds[stepKey{step: alt, scope: s.id}]; ok {
					outputs[alt] = item
					break
				}
			}
			r.mu.Unlock()
		}
	}
	return outputs, raw
}

func (r *run) preRoutingContext(step *StepConfig, sc *scope) RoutingContext {
	outputs, raw := r.outputsFor(step, sc)
	item, _ := sc.nearestItem()
	return RoutingContext{
		Outputs:    outputs,
		OutputsRaw: raw,
		Env:        r.e.cfg.Env,
		Memory:     r.e.memory.Snapshot(),
		Item:       item,
	}
}

func (r *run) routingContext(step *StepConfig, sc *scope, res *StepResult) RoutingContext {
	rc := r.preRoutingContext(step, sc)
	rc.Output = res.Output
	rc.Issues = res.Issues
	return rc
}

func (s *scope) nearestItem() (any, int) {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.origin != "" {
			return cur.item, cur.index
		}
	}
	return nil, -1
}

// invokeProvider resolves the session, builds the request, and runs the
// provider under the per-step timeout with retry/backoff.
func (r *run) invokeProvider(ctx context.Context, p Provider, step *StepConfig, sc *scope) (ProviderResult, error) {
	outputs, raw := r.outputsFor(step, sc)
	item, index := sc.nearestItem()

	var sess *Session
	if step.Type == "ai" || step.ReuseAISession != nil {
		var err error
		sess, err = r.e.sessions.Resolve(step, sc.id)
		if err != nil {
			return ProviderResult{}, err
		}
	}

	req := ProviderRequest{
		Step:       step,
		Payload:    r.inv.Payload,
		Outputs:    outputs,
		OutputsRaw: raw,
		Item:       item,
		ItemIndex:  index,
		Scope:      sc.id,
		Session:    sess,
		Env:        r.e.cfg.Env,
		Memory:     r.e.memory,
	}

	attempts := 1
	backoff := 250 * time.Millisecond
	if step.Retry != nil {
		attempts += step.Retry.Max
		if step.Retry.BackoffMS > 0 {
			backoff = time.Duration(step.Retry.BackoffMS) * time.Millisecond
		}
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, backoff, attempt); err != nil {
				return ProviderResult{}, err
			}
			if err := r.gate.Wait(ctx); err != nil {
				return ProviderResult{}, err
			}
			r.e.logger.Debug("retrying step", "step", step.Name, "scope", sc.id, "attempt", attempt+1)
		}

		cctx := ctx
		var cancel context.CancelFunc
		if step.TimeoutMS > 0 {
			cctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		}
		pres, err := p.Execute(cctx, req)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return pres, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &ErrTimeout{Task: step.Name, Err: err}
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return ProviderResult{}, last
}

// sleepBackoff waits one exponential backoff interval with up-to-half
// jitter, honoring context cancellation.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	d := base << (attempt - 1)
	d += rand.N(d/2 + 1)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runNestedWorkflow invokes a nested workflow rooted at the step named by
// exec. Depth is guarded by max_workflow_depth; exceeding it fails the step
// with a budget issue.
func (r *run) runNestedWorkflow(ctx context.Context, step *StepConfig) (ProviderResult, error) {
	target := step.Exec
	if target == "" {
		target = step.Prompt
	}
	if target == "" {
		return ProviderResult{}, fmt.Errorf("engine: workflow step %q: exec must name the root step(s)", step.Name)
	}

	nested, err := r.e.Run(ctx, Invocation{
		Roots:     strings.Fields(target),
		Payload:   r.inv.Payload,
		EventType: r.inv.EventType,
		Depth:     r.inv.Depth + 1,
	})
	if err != nil {
		if IsBudget(err) {
			return ProviderResult{Issues: []Issue{{
				RuleID:   "contract/budget_exceeded",
				Message:  err.Error(),
				Severity: SeverityError,
			}}}, err
		}
		return ProviderResult{}, err
	}
	return ProviderResult{
		Issues: nested.Issues,
		Output: map[string]any{"runId": nested.RunID, "state": string(nested.State)},
	}, nil
}

// --- Contracts ---

// applyContracts runs the post-conditions on a completed step: guarantee
// expressions, schema validation, then the additive fail_if and
// failure_conditions. Guarantee and schema violations record error issues
// without failing the step; a truthy failure condition marks it failed.
func (r *run) applyContracts(step *StepConfig, sc *scope, res *StepResult) {
	rc := r.routingContext(step, sc, res)

	for _, guarantee := range step.Guarantee {
		ok, err := EvalBool(guarantee, rc)
		if err != nil {
			res.Issues = append(res.Issues, Issue{
				RuleID:   "contract/guarantee_failed",
				Message:  fmt.Sprintf("guarantee %q failed to evaluate: %v", guarantee, err),
				Severity: SeverityError,
			})
			continue
		}
		if !ok {
			res.Issues = append(res.Issues, Issue{
				RuleID:   "contract/guarantee_failed",
				Message:  fmt.Sprintf("guarantee not met: %s", guarantee),
				Severity: SeverityError,
			})
		}
	}

	// A string schema is a renderer tag resolved downstream; an object is a
	// JSON Schema the output must satisfy.
	if obj, ok := step.Schema.(map[string]any); ok {
		r.validateOutput(step.Name, "schema", obj, res)
	}
	if obj, ok := step.OutputSchema.(map[string]any); ok {
		r.validateOutput(step.Name, "output_schema", obj, res)
	}
	rc.Issues = res.Issues

	conditions := make([]string, 0, 1+len(step.FailureConditions))
	if step.FailIf != "" {
		conditions = append(conditions, step.FailIf)
	}
	conditions = append(conditions, step.FailureConditions...)
	for _, cond := range conditions {
		failed, err := EvalBool(cond, rc)
		if err != nil {
			res.Issues = append(res.Issues, Issue{
				RuleID:   "contract/fail_if",
				Message:  fmt.Sprintf("failure condition %q failed to evaluate: %v", cond, err),
				Severity: SeverityWarning,
			})
			continue
		}
		if failed {
			res.Status = StepFailed
			res.Error = fmt.Sprintf("failure condition met: %s", cond)
			res.Issues = append(res.Issues, Issue{
				RuleID:   "contract/fail_if",
				Message:  res.Error,
				Severity: SeverityError,
			})
			return
		}
	}
}

func (r *run) validateOutput(step, field string, schemaObj map[string]any, res *StepResult) {
	sch, err := r.e.compiledSchema(step+"/"+field, schemaObj)
	if err != nil {
		res.Issues = append(res.Issues, Issue{
			RuleID:   "contract/schema_invalid",
			Message:  fmt.Sprintf("%s does not compile: %v", field, err),
			Severity: SeverityError,
		})
		return
	}

	// Round-trip the output through JSON so the validator sees plain
	// interface values.
	data, err := json.Marshal(res.Output)
	if err != nil {
		res.Issues = append(res.Issues, Issue{
			RuleID:   "contract/schema_invalid",
			Message:  fmt.Sprintf("output not JSON-representable: %v", err),
			Severity: SeverityError,
		})
		return
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		res.Issues = append(res.Issues, Issue{
			RuleID:   "contract/schema_invalid",
			Message:  fmt.Sprintf("output not JSON-representable: %v", err),
			Severity: SeverityError,
		})
		return
	}
	if err := sch.Validate(value); err != nil {
		res.Issues = append(res.Issues, Issue{
			RuleID:   "contract/schema_invalid",
			Message:  fmt.Sprintf("output violates %s: %v", field, err),
			Severity: SeverityError,
		})
	}
}

func (e *Engine) compiledSchema(key string, schemaObj map[string]any) (*jsonschema.Schema, error) {
	if cached, ok := e.schemas.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	data, err := json.Marshal(schemaObj)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	resource := "step-schema-" + key + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile(resource)
	if err != nil {
		return nil, err
	}
	e.schemas.Store(key, sch)
	return sch, nil
}

// --- Helpers ---

// coerceArray applies forEach coercion: arrays pass through, nil fans out to
// nothing, anything else fans out to a single item.
func coerceArray(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	default:
		return []any{v}
	}
}

func removeFromWaves(waves [][]string, names []string) [][]string {
	drop := map[string]bool{}
	for _, n := range names {
		drop[n] = true
	}
	out := make([][]string, 0, len(waves))
	for _, wave := range waves {
		kept := make([]string, 0, len(wave))
		for _, n := range wave {
			if !drop[n] {
				kept = append(kept, n)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}
