package visor

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RoutingContext is the scoped view of results a declarative expression
// evaluates against. Expressions see the identifiers output, outputs,
// outputs_raw, issues, env, memory, and item.
type RoutingContext struct {
	// Output is the current step's output.
	Output any
	// Outputs maps dependency step names to their outputs, coerced
	// (forEach outputs appear as the bound item in iteration scopes).
	Outputs map[string]any
	// OutputsRaw maps dependency step names to their uncoerced outputs.
	OutputsRaw map[string]any
	// Issues are the current step's issues.
	Issues []Issue
	// Env is the config-declared environment (resolved at load time).
	Env map[string]string
	// Memory is the engine's shared key-value memory.
	Memory map[string]any
	// Item is the bound iteration variable, nil outside fan-out scopes.
	Item any
}

func (rc RoutingContext) envMap() map[string]any {
	issues := make([]map[string]any, len(rc.Issues))
	for i, is := range rc.Issues {
		issues[i] = map[string]any{
			"ruleId":   is.RuleID,
			"message":  is.Message,
			"severity": string(is.Severity),
			"file":     is.File,
			"line":     is.Line,
		}
	}
	env := map[string]any{}
	for k, v := range rc.Env {
		env[k] = v
	}
	return map[string]any{
		"output":      rc.Output,
		"outputs":     rc.Outputs,
		"outputs_raw": rc.OutputsRaw,
		"issues":      issues,
		"env":         env,
		"memory":      rc.Memory,
		"item":        rc.Item,
	}
}

// programCache memoizes compiled expressions for the life of the process.
// Config expressions are a small closed set, so the cache never needs
// eviction.
var programCache sync.Map // string -> *vm.Program

func compileExpr(src string) (*vm.Program, error) {
	if cached, ok := programCache.Load(src); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	programCache.Store(src, program)
	return program, nil
}

// EvalExpr evaluates a sandboxed expression against the routing context.
func EvalExpr(src string, rc RoutingContext) (any, error) {
	program, err := compileExpr(src)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, rc.envMap())
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	return out, nil
}

// EvalBool evaluates an expression and coerces the result to truthiness:
// false, nil, zero numbers, and empty strings are falsy.
func EvalBool(src string, rc RoutingContext) (bool, error) {
	out, err := EvalExpr(src, rc)
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// EvaluateTransitions evaluates one on_success / on_fail / on_finish block
// and returns an intent. Order: transitions[] in declaration order with the
// first truthy when winning; else goto_js / run_js; else the static goto /
// run. A matched rule with "to: null" explicitly suppresses goto.
//
// The evaluator returns intents only; the engine enforces budgets and
// applies side effects.
func EvaluateTransitions(block *TransitionBlock, rc RoutingContext) (RoutingIntent, error) {
	if block == nil {
		return RoutingIntent{}, nil
	}

	for _, rule := range block.Transitions {
		if rule.When != "" {
			match, err := EvalBool(rule.When, rc)
			if err != nil {
				return RoutingIntent{}, err
			}
			if !match {
				continue
			}
		}
		// First truthy (or unconditional) rule wins.
		if rule.SuppressesGoto() {
			return RoutingIntent{}, nil
		}
		if rule.To != nil {
			return RoutingIntent{Kind: RoutingGoto, Goto: *rule.To, GotoEvent: rule.Event}, nil
		}
		if len(rule.Run) > 0 {
			return RoutingIntent{Kind: RoutingRun, Run: rule.Run}, nil
		}
		return RoutingIntent{}, nil
	}

	if block.GotoJS != "" {
		out, err := EvalExpr(block.GotoJS, rc)
		if err != nil {
			return RoutingIntent{}, err
		}
		if target, ok := out.(string); ok && target != "" {
			return RoutingIntent{Kind: RoutingGoto, Goto: target, GotoEvent: block.GotoEvent}, nil
		}
		return RoutingIntent{}, nil
	}
	if block.RunJS != "" {
		out, err := EvalExpr(block.RunJS, rc)
		if err != nil {
			return RoutingIntent{}, err
		}
		if steps := coerceStringList(out); len(steps) > 0 {
			return RoutingIntent{Kind: RoutingRun, Run: steps}, nil
		}
		return RoutingIntent{}, nil
	}

	if block.Goto != nil && *block.Goto != "" {
		return RoutingIntent{Kind: RoutingGoto, Goto: *block.Goto, GotoEvent: block.GotoEvent}, nil
	}
	if len(block.Run) > 0 {
		return RoutingIntent{Kind: RoutingRun, Run: block.Run}, nil
	}
	return RoutingIntent{}, nil
}

func coerceStringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
