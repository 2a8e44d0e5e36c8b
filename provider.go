package visor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// ProviderRequest carries everything a provider needs to execute one step in
// one scope.
type ProviderRequest struct {
	Step *StepConfig
	// Payload is the triggering event payload.
	Payload map[string]any
	// Outputs maps dependency names to their outputs, already narrowed to
	// the current iteration scope.
	Outputs map[string]any
	// OutputsRaw maps dependency names to their full uncoerced outputs.
	OutputsRaw map[string]any
	// Item is the bound fan-out element, nil outside iteration scopes.
	Item any
	// ItemIndex is the fan-out element index, -1 outside iteration scopes.
	ItemIndex int
	// Scope identifies the iteration scope ("" for root).
	Scope string
	// Session is the resolved AI session for the step.
	Session *Session
	Env     map[string]string
	Memory  *MemoryStore
}

// ProviderResult is what a provider produced.
type ProviderResult struct {
	Issues  []Issue
	Output  any
	Content string
	Debug   map[string]any
}

// Provider executes steps of one type.
type Provider interface {
	Execute(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req ProviderRequest) (ProviderResult, error)

func (f ProviderFunc) Execute(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	return f(ctx, req)
}

// ProviderRegistry maps step types to providers. Safe for concurrent use.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates a registry preloaded with the builtin
// providers (noop, log, memory, command, script). Callers register providers
// for the remaining step types; dispatching an unregistered type is a step
// error, not a panic.
func NewProviderRegistry(logger *slog.Logger) *ProviderRegistry {
	if logger == nil {
		logger = nopLogger
	}
	r := &ProviderRegistry{providers: map[string]Provider{}}
	r.Register("noop", ProviderFunc(noopProvider))
	r.Register("log", &logProvider{logger: logger})
	r.Register("memory", ProviderFunc(memoryProvider))
	r.Register("command", ProviderFunc(commandProvider))
	r.Register("script", ProviderFunc(scriptProvider))
	return r
}

// Register installs a provider for a step type, replacing any existing one.
func (r *ProviderRegistry) Register(stepType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[stepType] = p
}

// Get returns the provider for a step type.
func (r *ProviderRegistry) Get(stepType string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[stepType]
	return p, ok
}

// Types returns the registered step types, sorted.
func (r *ProviderRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for t := range r.providers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// --- Memory store ---

// MemoryStore is the run-shared key-value memory steps and expressions read
// and write.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewMemoryStore creates a store seeded with the given values.
func NewMemoryStore(seed map[string]any) *MemoryStore {
	data := make(map[string]any, len(seed))
	for k, v := range seed {
		data[k] = v
	}
	return &MemoryStore{data: data}
}

// Get returns the value stored under key.
func (m *MemoryStore) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Set stores value under key.
func (m *MemoryStore) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Snapshot returns a shallow copy of the store.
func (m *MemoryStore) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// --- Builtin providers ---

func noopProvider(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	return ProviderResult{}, nil
}

// logProvider renders the step content with the expression environment and
// writes it to the structured log. Its output is the rendered line, so
// downstream steps can depend on log steps for sequencing.
type logProvider struct {
	logger *slog.Logger
}

func (p *logProvider) Execute(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	line := req.Step.Content
	if line == "" {
		line = req.Step.Prompt
	}
	p.logger.Info("step log", "step", req.Step.Name, "scope", req.Scope, "message", line)
	return ProviderResult{Content: line, Output: line}, nil
}

// memoryProvider reads and writes the run-shared memory. Prompt names the
// key; a non-empty Content sets it (after expression evaluation when the
// content parses as an expression), an empty Content reads it.
func memoryProvider(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	key := strings.TrimSpace(req.Step.Prompt)
	if key == "" {
		return ProviderResult{}, fmt.Errorf("memory: step %q: prompt must name a key", req.Step.Name)
	}
	if req.Step.Content == "" {
		val, _ := req.Memory.Get(key)
		return ProviderResult{Output: val}, nil
	}
	value := any(req.Step.Content)
	if out, err := EvalExpr(req.Step.Content, providerRoutingContext(req)); err == nil {
		value = out
	}
	req.Memory.Set(key, value)
	return ProviderResult{Output: value}, nil
}

// commandProvider shells out the step's exec line. Stdout becomes Content;
// when stdout parses as JSON it additionally becomes the structured Output.
func commandProvider(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	if req.Step.Exec == "" {
		return ProviderResult{}, fmt.Errorf("command: step %q: exec is required", req.Step.Name)
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", req.Step.Exec)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Run(); err != nil {
		return ProviderResult{
			Content: stdout.String(),
			Debug:   map[string]any{"stderr": stderr.String()},
		}, fmt.Errorf("command: step %q: %w", req.Step.Name, err)
	}

	content := strings.TrimRight(stdout.String(), "\n")
	result := ProviderResult{Content: content, Output: content}
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			result.Output = parsed
		}
	}
	return result, nil
}

// scriptProvider evaluates the step content as a sandboxed expression over
// the routing environment and returns the result as Output.
func scriptProvider(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	src := req.Step.Content
	if src == "" {
		src = req.Step.Exec
	}
	if src == "" {
		return ProviderResult{}, fmt.Errorf("script: step %q: content is required", req.Step.Name)
	}
	out, err := EvalExpr(src, providerRoutingContext(req))
	if err != nil {
		return ProviderResult{}, fmt.Errorf("script: step %q: %w", req.Step.Name, err)
	}
	return ProviderResult{Output: out}, nil
}

func providerRoutingContext(req ProviderRequest) RoutingContext {
	var memory map[string]any
	if req.Memory != nil {
		memory = req.Memory.Snapshot()
	}
	return RoutingContext{
		Outputs:    req.Outputs,
		OutputsRaw: req.OutputsRaw,
		Env:        req.Env,
		Memory:     memory,
		Item:       req.Item,
	}
}
