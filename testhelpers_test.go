package visor

import (
	"context"
	"testing"
)

// mustLoadYAML parses an in-memory config document, failing the test on any
// load error.
func mustLoadYAML(t *testing.T, doc string) *Config {
	t.Helper()
	cfg, _, err := LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// runWorkflow loads a config, runs it through a fresh engine with the builtin
// providers, and fails the test on a terminal error.
func runWorkflow(t *testing.T, doc string) *RunResult {
	t.Helper()
	result, err := tryRunWorkflow(t, doc)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return result
}

// tryRunWorkflow is runWorkflow without the terminal-error assertion, for
// tests that expect failure.
func tryRunWorkflow(t *testing.T, doc string) (*RunResult, error) {
	t.Helper()
	cfg := mustLoadYAML(t, doc)
	engine := NewEngine(cfg, NewProviderRegistry(nil))
	return engine.Run(context.Background(), Invocation{})
}

// stepResult returns the recorded result for a step in the root scope,
// failing the test when absent.
func stepResult(t *testing.T, result *RunResult, step string) StepResult {
	t.Helper()
	for _, r := range result.Results {
		if r.Step == step && r.Scope == "" {
			return r
		}
	}
	t.Fatalf("no root-scope result for step %q in %+v", step, result.Results)
	return StepResult{}
}

// scopedResults returns every recorded result for a step across scopes.
func scopedResults(result *RunResult, step string) []StepResult {
	var out []StepResult
	for _, r := range result.Results {
		if r.Step == step {
			out = append(out, r)
		}
	}
	return out
}

// hasRule reports whether any issue carries the given rule id.
func hasRule(issues []Issue, ruleID string) bool {
	for _, is := range issues {
		if is.RuleID == ruleID {
			return true
		}
	}
	return false
}
