package visor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, name, doc string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBasic(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "visor.yaml", `
version: "1.0"
steps:
  fetch:
    type: command
    exec: "true"
  report:
    type: log
    depends_on: [fetch]
    content: done
`)
	cfg, warnings, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if len(cfg.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(cfg.Steps))
	}
	if cfg.Steps["report"].Name != "report" {
		t.Error("step name not assigned during normalization")
	}
	if cfg.MaxParallelism != 3 {
		t.Errorf("MaxParallelism default = %d, want 3", cfg.MaxParallelism)
	}
	if cfg.Routing.MaxLoops != 10 || cfg.Limits.MaxRunsPerCheck != 50 || cfg.Limits.MaxWorkflowDepth != 3 {
		t.Errorf("budget defaults = %+v / %+v", cfg.Routing, cfg.Limits)
	}
}

func TestLoadMergesChecksIntoSteps(t *testing.T) {
	cfg := mustLoadYAML(t, `
checks:
  legacy:
    type: noop
  shared:
    type: log
    content: from-checks
steps:
  shared:
    type: log
    content: from-steps
`)
	if _, ok := cfg.Steps["legacy"]; !ok {
		t.Error("checks entry not merged into steps")
	}
	if cfg.Steps["shared"].Content != "from-steps" {
		t.Errorf("steps did not win the conflict: %q", cfg.Steps["shared"].Content)
	}
	if cfg.Checks != nil {
		t.Error("checks map not cleared after merge")
	}
}

func TestLoadExtendsMerge(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
max_parallelism: 8
steps:
  base-step:
    type: noop
  shared:
    type: log
    content: base
`)
	child := writeConfig(t, dir, "child.yaml", `
extends: base.yaml
steps:
  shared:
    type: log
    content: child
  child-step:
    type: noop
`)
	cfg, _, err := Load(child)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxParallelism != 8 {
		t.Errorf("MaxParallelism = %d, want inherited 8", cfg.MaxParallelism)
	}
	if _, ok := cfg.Steps["base-step"]; !ok {
		t.Error("parent step missing after extends merge")
	}
	if cfg.Steps["shared"].Content != "child" {
		t.Errorf("child did not win merge: %q", cfg.Steps["shared"].Content)
	}
	if _, ok := cfg.Steps["child-step"]; !ok {
		t.Error("child step missing")
	}
}

func TestLoadExtendsCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "extends: b.yaml\n")
	writeConfig(t, dir, "b.yaml", "extends: a.yaml\n")

	_, _, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil {
		t.Fatal("circular extends loaded successfully")
	}
	if !strings.Contains(err.Error(), "circular") {
		t.Errorf("error %v does not mention the cycle", err)
	}
}

func TestLoadExtendsEscapeBlocked(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, dir, "outside.yaml", "steps: {}\n")
	child := writeConfig(t, sub, "child.yaml", "extends: ../outside.yaml\n")

	if _, _, err := Load(child); err == nil {
		t.Error("path-traversal extends loaded successfully")
	}
}

func TestLoadRemoteExtendsDisabled(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "visor.yaml", "extends: https://example.test/base.yaml\n")

	_, _, err := Load(path, WithNoRemoteExtends())
	if err == nil {
		t.Fatal("remote extends loaded despite WithNoRemoteExtends")
	}
	if !strings.Contains(err.Error(), "remote extends disabled") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadRemoteExtendsRequiresHTTPS(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "visor.yaml", "extends: http://example.test/base.yaml\n")

	if _, _, err := Load(path); err == nil {
		t.Error("plain-http extends loaded successfully")
	}
}

func TestLoadEnvInterpolation(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "visor.yaml", `
env:
  STAGE: "${VISOR_TEST_STAGE}"
  MISSING: "${VISOR_TEST_NOT_SET}"
steps:
  s:
    type: noop
`)
	cfg, _, err := Load(path, WithEnvLookup(func(name string) (string, bool) {
		if name == "VISOR_TEST_STAGE" {
			return "staging", true
		}
		return "", false
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Env["STAGE"] != "staging" {
		t.Errorf("STAGE = %q, want staging", cfg.Env["STAGE"])
	}
	// Unknown variables stay verbatim so downstream reporting can name them.
	if cfg.Env["MISSING"] != "${VISOR_TEST_NOT_SET}" {
		t.Errorf("MISSING = %q, want verbatim reference", cfg.Env["MISSING"])
	}
}

func TestLoadUnknownTopLevelKeyWarns(t *testing.T) {
	_, warnings, err := LoadBytes([]byte(`
typo_key: true
steps:
  s:
    type: noop
`))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "typo_key") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want unknown-key warning", warnings)
	}
}

func TestLoadExtensionKeysSilent(t *testing.T) {
	_, warnings, err := LoadBytes([]byte(`
$schema: https://example.test/schema.json
x-team: platform
metadata:
  owner: someone
steps:
  s:
    type: noop
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none for extension keys", warnings)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("loading a missing file succeeded")
	}
}
