package visor

import (
	"fmt"
	"sort"
	"strings"
)

// plan is the resolved execution graph for one invocation: the transitive
// dependency closure of the requested roots, pruned roots, and topological
// waves.
type plan struct {
	steps map[string]*StepConfig
	roots []string
	waves [][]string
	// dependents maps a step to the steps in the closure that depend on it
	// (through any OR-token alternative).
	dependents map[string][]string
}

// resolve expands an invocation into a plan. Roots default to every
// configured step; depends_on is expanded transitively with OR-tokens
// ("a|b") contributing every real alternative; roots reachable from another
// selected root are pruned so only DAG sinks remain.
func (e *Engine) resolve(inv Invocation) (*plan, error) {
	roots := inv.Roots
	if len(roots) == 0 {
		roots = e.cfg.StepNames()
	}
	for _, root := range roots {
		if _, ok := e.cfg.Steps[root]; !ok {
			return nil, fmt.Errorf("engine: unknown root step %q", root)
		}
	}

	steps := map[string]*StepConfig{}
	var expand func(name string)
	expand = func(name string) {
		if _, seen := steps[name]; seen {
			return
		}
		step, ok := e.cfg.Steps[name]
		if !ok {
			return
		}
		steps[name] = step
		for _, token := range step.DependsOn {
			for _, alt := range splitAlternatives(token) {
				expand(alt)
			}
		}
	}
	for _, root := range roots {
		expand(root)
	}

	roots = pruneRoots(roots, steps)

	waves, err := topoWaves(stepNames(steps), steps)
	if err != nil {
		return nil, err
	}

	dependents := map[string][]string{}
	for name, step := range steps {
		for _, token := range step.DependsOn {
			for _, alt := range splitAlternatives(token) {
				if _, ok := steps[alt]; ok {
					dependents[alt] = append(dependents[alt], name)
				}
			}
		}
	}
	for _, list := range dependents {
		sort.Strings(list)
	}

	return &plan{steps: steps, roots: roots, waves: waves, dependents: dependents}, nil
}

func splitAlternatives(token string) []string {
	parts := strings.Split(token, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stepNames(steps map[string]*StepConfig) []string {
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pruneRoots drops any root that sits inside another root's dependency
// closure. Those steps run anyway as dependencies; keeping only sinks avoids
// double scheduling.
func pruneRoots(roots []string, steps map[string]*StepConfig) []string {
	closure := func(from string) map[string]bool {
		seen := map[string]bool{}
		var walk func(name string)
		walk = func(name string) {
			step, ok := steps[name]
			if !ok {
				return
			}
			for _, token := range step.DependsOn {
				for _, alt := range splitAlternatives(token) {
					if !seen[alt] {
						seen[alt] = true
						walk(alt)
					}
				}
			}
		}
		walk(from)
		return seen
	}

	kept := make([]string, 0, len(roots))
	for _, candidate := range roots {
		reachable := false
		for _, other := range roots {
			if other == candidate {
				continue
			}
			if closure(other)[candidate] {
				reachable = true
				break
			}
		}
		if !reachable {
			kept = append(kept, candidate)
		}
	}
	sort.Strings(kept)
	return kept
}

// topoWaves layers the given step names into topological waves: a step sits
// one wave after its deepest in-set dependency. Steps in the same wave are
// independent and run concurrently. A dependency cycle is a terminal error.
func topoWaves(names []string, steps map[string]*StepConfig) ([][]string, error) {
	inSet := map[string]bool{}
	for _, n := range names {
		inSet[n] = true
	}

	depsOf := func(name string) []string {
		var out []string
		for _, token := range steps[name].DependsOn {
			for _, alt := range splitAlternatives(token) {
				if inSet[alt] {
					out = append(out, alt)
				}
			}
		}
		return out
	}

	level := map[string]int{}
	var visit func(name string, stack map[string]bool) error
	visit = func(name string, stack map[string]bool) error {
		if _, done := level[name]; done {
			return nil
		}
		if stack[name] {
			return &ErrConfig{Message: fmt.Sprintf("dependency cycle through step %q", name)}
		}
		stack[name] = true
		defer delete(stack, name)
		max := -1
		for _, dep := range depsOf(name) {
			if err := visit(dep, stack); err != nil {
				return err
			}
			if level[dep] > max {
				max = level[dep]
			}
		}
		level[name] = max + 1
		return nil
	}
	for _, name := range names {
		if err := visit(name, map[string]bool{}); err != nil {
			return nil, err
		}
	}

	height := 0
	for _, l := range level {
		if l+1 > height {
			height = l + 1
		}
	}
	waves := make([][]string, height)
	for _, name := range names {
		waves[level[name]] = append(waves[level[name]], name)
	}
	for _, wave := range waves {
		sort.Strings(wave)
	}
	return waves, nil
}

// fanoutSet returns the steps among candidates that fan out per item of the
// forEach step origin: its direct dependents and their transitive dependents,
// stopping at fanout:reduce steps, which aggregate at the parent scope.
func (p *plan) fanoutSet(origin string, candidates map[string]bool) []string {
	seen := map[string]bool{}
	var walk func(name string)
	walk = func(name string) {
		for _, dep := range p.dependents[name] {
			if seen[dep] || !candidates[dep] {
				continue
			}
			if p.steps[dep].Fanout == "reduce" {
				continue
			}
			seen[dep] = true
			walk(dep)
		}
	}
	walk(origin)

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
