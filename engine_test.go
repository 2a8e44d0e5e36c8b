package visor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEngineRunsDependencyChain(t *testing.T) {
	result := runWorkflow(t, `
steps:
  a:
    type: script
    content: "41"
  b:
    type: script
    depends_on: [a]
    content: "outputs.a + 1"
`)
	if result.State != RunCompleted {
		t.Fatalf("State = %q, want completed", result.State)
	}
	if got := stepResult(t, result, "b"); got.Output != 42 {
		t.Errorf("b output = %v, want 42 from a's output", got.Output)
	}
}

func TestEngineRootsSelectClosure(t *testing.T) {
	cfg := mustLoadYAML(t, `
steps:
  a:
    type: noop
  b:
    type: noop
    depends_on: [a]
  unrelated:
    type: noop
`)
	engine := NewEngine(cfg, NewProviderRegistry(nil))
	result, err := engine.Run(context.Background(), Invocation{Roots: []string{"b"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(scopedResults(result, "unrelated")) != 0 {
		t.Error("step outside the root closure executed")
	}
	if stepResult(t, result, "b").Status != StepCompleted {
		t.Error("root step did not complete")
	}

	if _, err := engine.Run(context.Background(), Invocation{Roots: []string{"ghost"}}); err == nil {
		t.Error("unknown root accepted")
	}
}

func TestEngineDependencyCycle(t *testing.T) {
	_, err := tryRunWorkflow(t, `
steps:
  a:
    type: noop
    depends_on: [b]
  b:
    type: noop
    depends_on: [a]
`)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("err = %v, want dependency cycle error", err)
	}
}

func TestEngineSkipConditions(t *testing.T) {
	result := runWorkflow(t, `
steps:
  gated-if:
    type: noop
    if: "1 == 2"
  gated-assume:
    type: noop
    assume: ["false"]
  downstream:
    type: noop
    depends_on: [gated-if]
`)
	if got := stepResult(t, result, "gated-if"); got.Status != StepSkipped || got.SkipReason != SkipCondition {
		t.Errorf("gated-if = %q/%q, want skipped/condition", got.Status, got.SkipReason)
	}
	if got := stepResult(t, result, "gated-assume"); got.Status != StepSkipped || got.SkipReason != SkipAssume {
		t.Errorf("gated-assume = %q/%q, want skipped/assume", got.Status, got.SkipReason)
	}
	// A skipped dependency is neutral, not a failure gate.
	if got := stepResult(t, result, "downstream"); got.Status != StepCompleted {
		t.Errorf("downstream of skipped step = %q, want completed", got.Status)
	}
}

func TestEngineEventFilter(t *testing.T) {
	cfg := mustLoadYAML(t, `
steps:
  hook:
    type: noop
    on: [webhook_received]
`)
	engine := NewEngine(cfg, NewProviderRegistry(nil))

	// Default event type is manual: the step sits out.
	result, err := engine.Run(context.Background(), Invocation{})
	if err != nil {
		t.Fatal(err)
	}
	if got := stepResult(t, result, "hook"); got.SkipReason != SkipEvent {
		t.Errorf("SkipReason = %q under manual trigger, want event", got.SkipReason)
	}

	result, err = engine.Run(context.Background(), Invocation{EventType: "webhook_received"})
	if err != nil {
		t.Fatal(err)
	}
	if got := stepResult(t, result, "hook"); got.Status != StepCompleted {
		t.Errorf("Status = %q under matching trigger, want completed", got.Status)
	}
}

func TestEngineTagFilter(t *testing.T) {
	cfg := mustLoadYAML(t, `
steps:
  fast:
    type: noop
    tags: [fast]
  slow:
    type: noop
    tags: [slow]
`)
	engine := NewEngine(cfg, NewProviderRegistry(nil))
	result, err := engine.Run(context.Background(), Invocation{TagFilter: TagFilter{Include: []string{"fast"}}})
	if err != nil {
		t.Fatal(err)
	}
	if got := stepResult(t, result, "fast"); got.Status != StepCompleted {
		t.Errorf("fast = %q, want completed", got.Status)
	}
	if got := stepResult(t, result, "slow"); got.SkipReason != SkipTag {
		t.Errorf("slow SkipReason = %q, want tag", got.SkipReason)
	}
}

func TestEngineUpstreamGating(t *testing.T) {
	result := runWorkflow(t, `
steps:
  bad:
    type: noop
    fail_if: "true"
  blocked:
    type: noop
    depends_on: [bad]
`)
	if got := stepResult(t, result, "bad"); got.Status != StepFailed {
		t.Fatalf("bad = %q, want failed", got.Status)
	}
	if got := stepResult(t, result, "blocked"); got.Status != StepSkipped || got.SkipReason != SkipUpstream {
		t.Errorf("blocked = %q/%q, want skipped/upstream", got.Status, got.SkipReason)
	}
}

func TestEngineContinueOnFailureDoesNotGate(t *testing.T) {
	result := runWorkflow(t, `
steps:
  bad:
    type: noop
    fail_if: "true"
    continue_on_failure: true
  next:
    type: noop
    depends_on: [bad]
`)
	if got := stepResult(t, result, "next"); got.Status != StepCompleted {
		t.Errorf("next = %q downstream of continue_on_failure step, want completed", got.Status)
	}
}

func TestEngineForEachFanOut(t *testing.T) {
	result := runWorkflow(t, `
steps:
  split:
    type: script
    content: "[1, 2, 3]"
    forEach: true
  double:
    type: script
    depends_on: [split]
    content: "outputs.split * 2"
  collect:
    type: script
    depends_on: [double]
    fanout: reduce
    content: "outputs.double"
`)
	children := scopedResults(result, "double")
	if len(children) != 3 {
		t.Fatalf("double ran in %d scopes, want 3", len(children))
	}
	want := map[string]int{"split[0]": 2, "split[1]": 4, "split[2]": 6}
	for _, child := range children {
		expect, ok := want[child.Scope]
		if !ok {
			t.Errorf("unexpected scope %q", child.Scope)
			continue
		}
		if child.Output != expect {
			t.Errorf("scope %q output = %v, want %d", child.Scope, child.Output, expect)
		}
	}

	// The reduce step runs once at the parent and sees the per-item outputs
	// as a list.
	agg, ok := stepResult(t, result, "collect").Output.([]any)
	if !ok {
		t.Fatalf("collect output = %T, want aggregate list", stepResult(t, result, "collect").Output)
	}
	if len(agg) != 3 || agg[0] != 2 || agg[1] != 4 || agg[2] != 6 {
		t.Errorf("aggregate = %v, want [2 4 6]", agg)
	}
}

func TestEngineForEachCoercion(t *testing.T) {
	// A scalar output fans out to a single item.
	result := runWorkflow(t, `
steps:
  one:
    type: script
    content: "7"
    forEach: true
  consume:
    type: script
    depends_on: [one]
    content: "outputs.one"
`)
	children := scopedResults(result, "consume")
	if len(children) != 1 || children[0].Scope != "one[0]" || children[0].Output != 7 {
		t.Errorf("scalar fan-out = %+v, want one child bound to 7", children)
	}

	// A nil output fans out to nothing.
	result = runWorkflow(t, `
steps:
  none:
    type: script
    content: "nil"
    forEach: true
  consume:
    type: script
    depends_on: [none]
    content: "outputs.none"
`)
	if got := scopedResults(result, "consume"); len(got) != 0 {
		t.Errorf("nil fan-out executed %d children, want 0", len(got))
	}
}

func TestEngineOnFinishRunsOncePerFanOut(t *testing.T) {
	// summary executes once in its own wave and exactly once more from
	// on_finish, regardless of the number of items.
	result := runWorkflow(t, `
steps:
  split:
    type: script
    content: "[1, 2]"
    forEach: true
    on_finish:
      run: [summary]
  each:
    type: script
    depends_on: [split]
    content: "outputs.split"
  summary:
    type: log
    content: "fan-out finished"
`)
	if got := stepResult(t, result, "summary"); got.Runs != 2 {
		t.Errorf("summary Runs = %d, want 2 (baseline + one on_finish)", got.Runs)
	}
}

func TestEngineTransitionRunInsertsWave(t *testing.T) {
	result := runWorkflow(t, `
steps:
  a:
    type: noop
    on_success:
      run: [notify]
  notify:
    type: log
    depends_on: [a]
    content: "a finished"
`)
	got := stepResult(t, result, "notify")
	if got.Status != StepCompleted {
		t.Fatalf("notify = %q, want completed", got.Status)
	}
	if got.Runs != 2 {
		t.Errorf("notify Runs = %d, want 2 (scheduled wave + run intent)", got.Runs)
	}
}

func TestEngineGotoLoopBudget(t *testing.T) {
	result := runWorkflow(t, `
routing:
  max_loops: 2
steps:
  start:
    type: script
    content: "1"
  router:
    type: script
    depends_on: [start]
    content: "true"
    on_success:
      goto: start
`)
	if result.State != RunCompleted {
		t.Fatalf("State = %q, want completed despite refused transition", result.State)
	}
	router := stepResult(t, result, "router")
	if !hasRule(router.Issues, "contract/budget_exceeded") {
		t.Errorf("router issues = %+v, want budget_exceeded on the refused transition", router.Issues)
	}
	// Two applied rewinds mean three executions of each step in the loop.
	if router.Runs != 3 {
		t.Errorf("router Runs = %d, want 3", router.Runs)
	}
	if stepResult(t, result, "start").Runs != 3 {
		t.Errorf("start Runs = %d, want 3", stepResult(t, result, "start").Runs)
	}
}

func TestEngineGotoUnknownTargetWarns(t *testing.T) {
	// c exists but is not an executed ancestor of b, so the goto is refused
	// with a warning rather than applied.
	result := runWorkflow(t, `
steps:
  a:
    type: noop
  b:
    type: noop
    depends_on: [a]
    on_success:
      goto: c
  c:
    type: noop
    depends_on: [b]
`)
	if result.State != RunCompleted {
		t.Fatalf("State = %q, want completed", result.State)
	}
	b := stepResult(t, result, "b")
	if !hasRule(b.Issues, "routing/unknown_target") {
		t.Errorf("b issues = %+v, want unknown_target warning", b.Issues)
	}
	if stepResult(t, result, "c").Status != StepCompleted {
		t.Error("c did not run after the refused goto")
	}
}

func TestEngineMaxRunsBudget(t *testing.T) {
	result := runWorkflow(t, `
steps:
  start:
    type: noop
  router:
    type: script
    depends_on: [start]
    content: "true"
    max_runs: 2
    on_success:
      goto: start
`)
	if result.State != RunCompleted {
		t.Fatalf("State = %q, want completed", result.State)
	}
	router := stepResult(t, result, "router")
	if router.Status != StepFailed {
		t.Fatalf("router = %q after exhausting max_runs, want failed", router.Status)
	}
	if !IsBudget(router.Err) {
		t.Errorf("router Err = %v, want budget error", router.Err)
	}
	if !hasRule(router.Issues, "contract/budget_exceeded") {
		t.Errorf("router issues = %+v, want budget_exceeded", router.Issues)
	}
}

func TestEngineGuaranteeViolationKeepsStepCompleted(t *testing.T) {
	result := runWorkflow(t, `
steps:
  s:
    type: script
    content: "5"
    guarantee: ["output > 10"]
`)
	got := stepResult(t, result, "s")
	if got.Status != StepCompleted {
		t.Fatalf("Status = %q, want completed (guarantee reports, does not fail)", got.Status)
	}
	if !hasRule(got.Issues, "contract/guarantee_failed") {
		t.Errorf("issues = %+v, want guarantee_failed", got.Issues)
	}
}

func TestEngineOutputSchemaViolation(t *testing.T) {
	result := runWorkflow(t, `
steps:
  s:
    type: script
    content: '{"count": "nope"}'
    output_schema:
      type: object
      properties:
        count:
          type: integer
      required: [count]
`)
	got := stepResult(t, result, "s")
	if got.Status != StepCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
	if !hasRule(got.Issues, "contract/schema_invalid") {
		t.Errorf("issues = %+v, want schema_invalid", got.Issues)
	}
}

func TestEngineFailIfMarksStepFailed(t *testing.T) {
	result := runWorkflow(t, `
steps:
  s:
    type: script
    content: "3"
    fail_if: "output > 2"
`)
	got := stepResult(t, result, "s")
	if got.Status != StepFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if !hasRule(got.Issues, "contract/fail_if") {
		t.Errorf("issues = %+v, want fail_if", got.Issues)
	}
	if !strings.Contains(got.Error, "failure condition met") {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestEngineGlobalFailIf(t *testing.T) {
	result := runWorkflow(t, `
fail_if: "outputs.s == 3"
steps:
  s:
    type: script
    content: "3"
`)
	if result.State != RunCompleted {
		t.Fatalf("State = %q, want completed (global fail_if adds an issue only)", result.State)
	}
	if !hasRule(result.Issues, "global/fail_if") {
		t.Errorf("run issues = %+v, want global/fail_if", result.Issues)
	}
}

func TestEngineFailFastSkipsLaterWaves(t *testing.T) {
	result := runWorkflow(t, `
fail_fast: true
steps:
  bad:
    type: noop
    fail_if: "true"
  ok:
    type: noop
  later:
    type: noop
    depends_on: [ok]
`)
	if result.State != RunCompleted {
		t.Fatalf("State = %q, want completed", result.State)
	}
	if stepResult(t, result, "ok").Status != StepCompleted {
		t.Error("same-wave step did not finish")
	}
	if got := scopedResults(result, "later"); len(got) != 0 {
		t.Errorf("later executed after fail-fast trip: %+v", got)
	}
}

func TestEngineNestedWorkflow(t *testing.T) {
	result := runWorkflow(t, `
steps:
  inner:
    type: script
    content: "1"
  outer:
    type: workflow
    exec: inner
`)
	out, ok := stepResult(t, result, "outer").Output.(map[string]any)
	if !ok {
		t.Fatalf("outer output = %T, want nested run summary", stepResult(t, result, "outer").Output)
	}
	if out["state"] != string(RunCompleted) {
		t.Errorf("nested state = %v, want completed", out["state"])
	}
	if out["runId"] == "" {
		t.Error("nested runId missing")
	}
}

func TestEngineNestedWorkflowDepthBudget(t *testing.T) {
	result := runWorkflow(t, `
limits:
  max_workflow_depth: 1
steps:
  inner:
    type: noop
  outer:
    type: workflow
    exec: inner
`)
	got := stepResult(t, result, "outer")
	if got.Status != StepFailed {
		t.Fatalf("outer = %q at depth limit, want failed", got.Status)
	}
	if !hasRule(got.Issues, "contract/budget_exceeded") {
		t.Errorf("issues = %+v, want budget_exceeded", got.Issues)
	}
}

func TestEngineUnregisteredProviderType(t *testing.T) {
	result := runWorkflow(t, `
steps:
  s:
    type: github
    prompt: "review"
`)
	got := stepResult(t, result, "s")
	if got.Status != StepFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "no provider registered") {
		t.Errorf("Error = %q", got.Error)
	}
}

// blockingProvider signals when it starts and holds the step open until
// released, for pause/stop tests.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Execute(ctx context.Context, _ ProviderRequest) (ProviderResult, error) {
	p.started <- struct{}{}
	select {
	case <-p.release:
		return ProviderResult{Output: "done"}, nil
	case <-ctx.Done():
		return ProviderResult{}, ctx.Err()
	}
}

func pausableEngine(t *testing.T) (*Engine, *blockingProvider) {
	t.Helper()
	cfg := mustLoadYAML(t, `
steps:
  work:
    type: ai
    prompt: busy
  after:
    type: noop
    depends_on: [work]
`)
	p := &blockingProvider{started: make(chan struct{}, 1), release: make(chan struct{})}
	reg := NewProviderRegistry(nil)
	reg.Register("ai", p)
	return NewEngine(cfg, reg), p
}

func TestEnginePauseResume(t *testing.T) {
	engine, p := pausableEngine(t)

	done := make(chan *RunResult, 1)
	go func() {
		result, err := engine.Run(context.Background(), Invocation{RunID: "run-pause"})
		if err != nil {
			t.Error(err)
		}
		done <- result
	}()

	<-p.started
	engine.Pause("run-pause")
	close(p.release)

	select {
	case <-done:
		t.Fatal("run finished while paused")
	case <-time.After(150 * time.Millisecond):
	}

	engine.Resume("run-pause")
	select {
	case result := <-done:
		if result.State != RunCompleted {
			t.Errorf("State = %q after resume, want completed", result.State)
		}
		if stepResult(t, result, "after").Status != StepCompleted {
			t.Error("post-pause wave did not run")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not resume")
	}
}

func TestEngineStop(t *testing.T) {
	engine, p := pausableEngine(t)

	done := make(chan *RunResult, 1)
	go func() {
		result, err := engine.Run(context.Background(), Invocation{RunID: "run-stop"})
		if err != nil {
			t.Error(err)
		}
		done <- result
	}()

	<-p.started
	engine.Stop("run-stop")
	close(p.release)

	select {
	case result := <-done:
		if result.State != RunStopped {
			t.Fatalf("State = %q, want stopped", result.State)
		}
		// The in-flight step's result is still recorded; later waves are not.
		if stepResult(t, result, "work").Status != StepCompleted {
			t.Error("in-flight step result lost on stop")
		}
		if got := scopedResults(result, "after"); len(got) != 0 {
			t.Errorf("step started after stop: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestEngineSessionSelfSpansRuns(t *testing.T) {
	cfg := mustLoadYAML(t, `
steps:
  chat:
    type: ai
    prompt: hi
    reuse_ai_session: self
`)
	var mu sync.Mutex
	var ids []string
	reg := NewProviderRegistry(nil)
	reg.Register("ai", ProviderFunc(func(_ context.Context, req ProviderRequest) (ProviderResult, error) {
		mu.Lock()
		ids = append(ids, req.Session.ID)
		mu.Unlock()
		req.Session.Append("assistant", "reply")
		return ProviderResult{Output: "ok"}, nil
	}))
	engine := NewEngine(cfg, reg)

	for i := 0; i < 2; i++ {
		if _, err := engine.Run(context.Background(), Invocation{}); err != nil {
			t.Fatal(err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 {
		t.Fatalf("provider ran %d times, want 2", len(ids))
	}
	if ids[0] != ids[1] {
		t.Errorf("session ids %q vs %q, want the same conversation across runs", ids[0], ids[1])
	}
}

func TestEngineEmitsStateTransitions(t *testing.T) {
	cfg := mustLoadYAML(t, `
steps:
  s:
    type: noop
`)
	engine := NewEngine(cfg, NewProviderRegistry(nil))

	var mu sync.Mutex
	var seen []RunState
	engine.Bus().On(EventStateTransition, func(env EventEnvelope) {
		p := env.Payload.(StateTransitionPayload)
		mu.Lock()
		seen = append(seen, p.To)
		mu.Unlock()
	})

	if _, err := engine.Run(context.Background(), Invocation{}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != RunCompleted {
		t.Errorf("transitions = %v, want terminal completed", seen)
	}
	if seen[0] != RunPlanning {
		t.Errorf("first transition = %v, want planning", seen[0])
	}
}
