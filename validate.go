package visor

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

// knownTopLevelKeys are the recognized config keys. Anything else produces
// a warning unless it sits on the silent allowlist.
var knownTopLevelKeys = map[string]bool{
	"version": true, "steps": true, "checks": true, "output": true,
	"max_parallelism": true, "fail_fast": true, "fail_if": true,
	"tag_filter": true, "routing": true, "limits": true, "frontends": true,
	"env": true, "memory": true, "http_server": true, "scheduler": true,
	"rate_limit": true, "extends": true, "include": true,
}

// silentTopLevelKeys pass without a warning: editor metadata and extension
// points.
var silentTopLevelKeys = map[string]bool{
	"$schema": true, "metadata": true, "imports": true,
}

var tagPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// validateTopLevelKeys returns warnings for unrecognized top-level keys.
func validateTopLevelKeys(raw map[string]any) []string {
	var warnings []string
	for key := range raw {
		if knownTopLevelKeys[key] || silentTopLevelKeys[key] || strings.HasPrefix(key, "x-") {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("unknown top-level key %q ignored", key))
	}
	return warnings
}

// validateSchema validates the merged raw document against the embedded
// JSON Schema. Violations are terminal load errors.
func validateSchema(raw map[string]any) error {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return &ErrConfig{Message: "embedded schema corrupt", Err: err}
	}
	if err := compiler.AddResource("visor-schema.json", doc); err != nil {
		return &ErrConfig{Message: "embedded schema corrupt", Err: err}
	}
	sch, err := compiler.Compile("visor-schema.json")
	if err != nil {
		return &ErrConfig{Message: "embedded schema corrupt", Err: err}
	}

	// Round-trip through JSON so YAML-decoded values (ints, nested maps)
	// take the shapes the validator expects.
	data, err := json.Marshal(raw)
	if err != nil {
		return &ErrConfig{Message: "config not JSON-representable", Err: err}
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return &ErrConfig{Message: "config not JSON-representable", Err: err}
	}
	if err := sch.Validate(value); err != nil {
		return &ErrConfig{Message: "schema validation failed", Err: err}
	}
	return nil
}

// validateSemantics enforces the rules the schema cannot express. Returns
// warnings for recoverable oddities and an error for terminal violations.
func validateSemantics(cfg *Config) ([]string, error) {
	var warnings []string

	for _, name := range cfg.StepNames() {
		step := cfg.Steps[name]

		if !StepTypes[step.Type] {
			return warnings, &ErrConfig{Message: fmt.Sprintf("step %q: unknown type %q", name, step.Type)}
		}

		for _, tag := range step.Tags {
			if !tagPattern.MatchString(tag) {
				return warnings, &ErrConfig{Message: fmt.Sprintf("step %q: invalid tag %q (want [a-z0-9_-]+)", name, tag)}
			}
		}

		if step.Fanout != "map" && step.Fanout != "reduce" {
			return warnings, &ErrConfig{Message: fmt.Sprintf("step %q: fanout must be map or reduce", name)}
		}

		// reuse_ai_session=true inherits from the single dependency, so
		// a dependency must exist.
		if ref := step.ReuseAISession; ref != nil && ref.Enabled {
			if ref.Source == "" && !ref.Self && len(step.DependsOn) == 0 {
				return warnings, &ErrConfig{Message: fmt.Sprintf("step %q: reuse_ai_session requires depends_on", name)}
			}
			if ref.Source != "" {
				if _, ok := cfg.Steps[ref.Source]; !ok {
					return warnings, &ErrConfig{Message: fmt.Sprintf("step %q: reuse_ai_session references unknown step %q", name, ref.Source)}
				}
			}
		}
		if step.SessionMode != "" && step.ReuseAISession == nil {
			return warnings, &ErrConfig{Message: fmt.Sprintf("step %q: session_mode without reuse_ai_session", name)}
		}

		if step.OnFinish != nil && !step.ForEach {
			return warnings, &ErrConfig{Message: fmt.Sprintf("step %q: on_finish requires forEach", name)}
		}

		// Criticality contract: externally or internally critical output
		// providers must declare a precondition and a postcondition.
		if step.Criticality == "external" || step.Criticality == "internal" {
			hasPre := step.If != "" || len(step.Assume) > 0
			hasPost := step.Schema != nil || step.OutputSchema != nil || len(step.Guarantee) > 0
			if !hasPre || !hasPost {
				return warnings, &ErrConfig{Message: fmt.Sprintf(
					"step %q: criticality %q requires (assume|if) and (schema|guarantee)", name, step.Criticality)}
			}
		}

		// Dependency references. OR-tokens ("a|b") count only real names;
		// a token with no real alternative is an error.
		for _, dep := range step.DependsOn {
			found := false
			for _, alt := range strings.Split(dep, "|") {
				if _, ok := cfg.Steps[strings.TrimSpace(alt)]; ok {
					found = true
					break
				}
			}
			if !found {
				return warnings, &ErrConfig{Message: fmt.Sprintf("step %q: depends_on references unknown step %q", name, dep)}
			}
		}

		if step.Schedule != "" {
			if err := ValidateCron(step.Schedule); err != nil {
				return warnings, &ErrConfig{Message: fmt.Sprintf("step %q: %v", name, err)}
			}
		}

		warnings = append(warnings, validateTransitions(cfg, name, "on_success", step.OnSuccess)...)
		warnings = append(warnings, validateTransitions(cfg, name, "on_fail", step.OnFail)...)
		warnings = append(warnings, validateTransitions(cfg, name, "on_finish", step.OnFinish)...)
	}
	return warnings, nil
}

// validateTransitions warns about goto/run targets naming unknown steps.
// Unknown targets are warnings, not errors: the engine refuses them at
// dispatch time with a routing issue.
func validateTransitions(cfg *Config, step, block string, tb *TransitionBlock) []string {
	if tb == nil {
		return nil
	}
	var warnings []string
	checkTarget := func(target string) {
		if target == "" {
			return
		}
		if _, ok := cfg.Steps[target]; !ok {
			warnings = append(warnings, fmt.Sprintf("step %q: %s references unknown step %q", step, block, target))
		}
	}
	if tb.Goto != nil {
		checkTarget(*tb.Goto)
	}
	for _, run := range tb.Run {
		checkTarget(run)
	}
	for _, rule := range tb.Transitions {
		if rule.To != nil {
			checkTarget(*rule.To)
		}
		for _, run := range rule.Run {
			checkTarget(run)
		}
	}
	return warnings
}
