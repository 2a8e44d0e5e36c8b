package visor

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// StepTypes is the set of valid step types.
var StepTypes = map[string]bool{
	"ai": true, "command": true, "script": true, "http": true,
	"http_input": true, "http_client": true, "log": true, "memory": true,
	"github": true, "mcp": true, "human-input": true, "workflow": true,
	"git-checkout": true, "noop": true,
}

// StringList unmarshals either a scalar string or a sequence of strings.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*l = StringList(ss)
		return nil
	}
	return fmt.Errorf("expected string or list of strings")
}

// SessionRef is the decoded form of reuse_ai_session: a bool, the string
// "self", or the name of a step whose session is reused.
type SessionRef struct {
	Enabled bool
	Self    bool
	Source  string // named step; empty when inheriting from the single dep
}

func (r *SessionRef) UnmarshalYAML(node *yaml.Node) error {
	var b bool
	if err := node.Decode(&b); err == nil {
		r.Enabled = b
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("reuse_ai_session: expected bool or step name")
	}
	r.Enabled = true
	if s == "self" {
		r.Self = true
	} else {
		r.Source = s
	}
	return nil
}

// TransitionRule is one entry of a transitions[] list. The first rule whose
// When expression is truthy wins. A nil To on a matched rule explicitly
// suppresses goto.
type TransitionRule struct {
	When  string   `yaml:"when" json:"when,omitempty"`
	To    *string  `yaml:"to" json:"to,omitempty"`
	Event string   `yaml:"event" json:"event,omitempty"`
	Run   []string `yaml:"run" json:"run,omitempty"`
	// hasTo distinguishes "to: null" (suppress) from an absent to key.
	hasTo bool
}

func (t *TransitionRule) UnmarshalYAML(node *yaml.Node) error {
	type plain TransitionRule
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = TransitionRule(p)
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "to" {
			t.hasTo = true
		}
	}
	return nil
}

// SuppressesGoto reports whether the rule carries an explicit "to: null".
func (t TransitionRule) SuppressesGoto() bool { return t.hasTo && t.To == nil }

// TransitionBlock is an on_success / on_fail / on_finish declaration.
// Evaluation order: Transitions in order (first truthy when wins), else
// GotoJS / RunJS, else the static Goto / Run.
type TransitionBlock struct {
	Transitions []TransitionRule `yaml:"transitions" json:"transitions,omitempty"`
	GotoJS      string           `yaml:"goto_js" json:"gotoJs,omitempty"`
	RunJS       string           `yaml:"run_js" json:"runJs,omitempty"`
	Goto        *string          `yaml:"goto" json:"goto,omitempty"`
	GotoEvent   string           `yaml:"goto_event" json:"gotoEvent,omitempty"`
	Run         []string         `yaml:"run" json:"run,omitempty"`
}

// RetryConfig is the per-step retry supplement: up to Max extra attempts
// with exponential backoff starting at BackoffMS.
type RetryConfig struct {
	Max       int `yaml:"max" json:"max"`
	BackoffMS int `yaml:"backoff_ms" json:"backoffMs,omitempty"`
}

// StepConfig is one declaratively configured unit of work. Immutable after
// load.
type StepConfig struct {
	// Name is the unique step name, assigned during normalization from
	// the steps map key.
	Name string `yaml:"-" json:"name"`

	Type    string `yaml:"type" json:"type"`
	Group   string `yaml:"group" json:"group,omitempty"`
	Prompt  string `yaml:"prompt" json:"prompt,omitempty"`
	Exec    string `yaml:"exec" json:"exec,omitempty"`
	URL     string `yaml:"url" json:"url,omitempty"`
	Content string `yaml:"content" json:"content,omitempty"`

	On        StringList `yaml:"on" json:"on,omitempty"`
	DependsOn StringList `yaml:"depends_on" json:"dependsOn,omitempty"`

	If        string     `yaml:"if" json:"if,omitempty"`
	Assume    StringList `yaml:"assume" json:"assume,omitempty"`
	Guarantee StringList `yaml:"guarantee" json:"guarantee,omitempty"`
	// Schema is either a renderer tag (string) or a JSON-Schema object
	// validated against the step output.
	Schema       any `yaml:"schema" json:"schema,omitempty"`
	OutputSchema any `yaml:"output_schema" json:"outputSchema,omitempty"`

	FailIf            string     `yaml:"fail_if" json:"failIf,omitempty"`
	FailureConditions StringList `yaml:"failure_conditions" json:"failureConditions,omitempty"`

	ForEach bool   `yaml:"forEach" json:"forEach,omitempty"`
	Fanout  string `yaml:"fanout" json:"fanout,omitempty"` // "map" (default) or "reduce"

	OnSuccess *TransitionBlock `yaml:"on_success" json:"onSuccess,omitempty"`
	OnFail    *TransitionBlock `yaml:"on_fail" json:"onFail,omitempty"`
	OnFinish  *TransitionBlock `yaml:"on_finish" json:"onFinish,omitempty"`

	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Criticality string   `yaml:"criticality" json:"criticality,omitempty"`

	MaxRuns        int          `yaml:"max_runs" json:"maxRuns,omitempty"`
	Retry          *RetryConfig `yaml:"retry" json:"retry,omitempty"`
	TimeoutMS      int          `yaml:"timeout_ms" json:"timeoutMs,omitempty"`
	ReuseAISession *SessionRef  `yaml:"reuse_ai_session" json:"reuseAiSession,omitempty"`
	SessionMode    string       `yaml:"session_mode" json:"sessionMode,omitempty"` // "clone" (default) or "append"

	ContinueOnFailure *bool `yaml:"continue_on_failure" json:"continueOnFailure,omitempty"`

	// Schedule makes the step a cron trigger declaration consumed by the
	// scheduler, not the engine.
	Schedule string `yaml:"schedule" json:"schedule,omitempty"`
}

// GroupName returns the step's result group ("default" when unset).
func (s *StepConfig) GroupName() string {
	if s.Group == "" {
		return "default"
	}
	return s.Group
}

// MatchesEvent reports whether the step's on filter admits eventType.
// An empty filter admits everything; eventType "all" bypasses filtering.
func (s *StepConfig) MatchesEvent(eventType string) bool {
	if eventType == "" || eventType == "all" || len(s.On) == 0 {
		return true
	}
	for _, ev := range s.On {
		if ev == eventType || ev == "all" {
			return true
		}
	}
	return false
}

// GatesDependents reports whether a failure of this step blocks its
// dependents (continue_on_failure defaults to false: failures gate).
func (s *StepConfig) GatesDependents() bool {
	return s.ContinueOnFailure == nil || !*s.ContinueOnFailure
}

// RoutingLimits caps declarative transitions.
type RoutingLimits struct {
	// MaxLoops caps combined goto+success+fail transitions per scope
	// (default 10).
	MaxLoops int `yaml:"max_loops" json:"maxLoops,omitempty"`
}

// Limits caps execution volume.
type Limits struct {
	// MaxRunsPerCheck caps executions per (step, scope) (default 50).
	MaxRunsPerCheck int `yaml:"max_runs_per_check" json:"maxRunsPerCheck,omitempty"`
	// MaxWorkflowDepth caps nested workflow invocations (default 3).
	MaxWorkflowDepth int `yaml:"max_workflow_depth" json:"maxWorkflowDepth,omitempty"`
}

// FrontendConfig declares one frontend instance.
type FrontendConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Settings map[string]any `yaml:",inline" json:"settings,omitempty"`
}

// HTTPServerConfig configures the webhook ingress server.
type HTTPServerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr,omitempty"`
	// Secret is the HMAC signing secret for inbound webhooks.
	Secret string `yaml:"secret" json:"secret,omitempty"`
	// MaxBodyBytes bounds the request body (default 1 MiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"maxBodyBytes,omitempty"`
}

// Config is the loaded, normalized, validated configuration. Shared
// read-only by the engine, scheduler, and host.
type Config struct {
	Version string `yaml:"version" json:"version,omitempty"`

	// Steps is the normalized step set. The loader merges the legacy
	// checks key into it (steps wins on conflict).
	Steps  map[string]*StepConfig `yaml:"steps" json:"steps"`
	Checks map[string]*StepConfig `yaml:"checks" json:"-"`

	Output         string            `yaml:"output" json:"output,omitempty"`
	MaxParallelism int               `yaml:"max_parallelism" json:"maxParallelism,omitempty"`
	FailFast       bool              `yaml:"fail_fast" json:"failFast,omitempty"`
	FailIf         string            `yaml:"fail_if" json:"failIf,omitempty"`
	TagFilter      TagFilter         `yaml:"tag_filter" json:"tagFilter,omitempty"`
	Routing        RoutingLimits     `yaml:"routing" json:"routing,omitempty"`
	Limits         Limits            `yaml:"limits" json:"limits,omitempty"`
	Frontends      []FrontendConfig  `yaml:"frontends" json:"frontends,omitempty"`
	Env            map[string]string `yaml:"env" json:"env,omitempty"`
	Memory         map[string]any    `yaml:"memory" json:"memory,omitempty"`
	HTTPServer     HTTPServerConfig  `yaml:"http_server" json:"httpServer,omitempty"`
	Scheduler      SchedulerConfig   `yaml:"scheduler" json:"scheduler,omitempty"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit" json:"rateLimit,omitempty"`

	Extends StringList `yaml:"extends" json:"-"`
	Include StringList `yaml:"include" json:"-"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Version:        "1.0",
		Steps:          map[string]*StepConfig{},
		MaxParallelism: 3,
		Routing:        RoutingLimits{MaxLoops: 10},
		Limits:         Limits{MaxRunsPerCheck: 50, MaxWorkflowDepth: 3},
	}
}

// normalize merges checks into steps (steps wins), assigns names, and
// applies defaults.
func (c *Config) normalize() {
	if c.Steps == nil {
		c.Steps = map[string]*StepConfig{}
	}
	for name, step := range c.Checks {
		if _, exists := c.Steps[name]; !exists {
			c.Steps[name] = step
		}
	}
	c.Checks = nil
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = 3
	}
	if c.Routing.MaxLoops <= 0 {
		c.Routing.MaxLoops = 10
	}
	if c.Limits.MaxRunsPerCheck <= 0 {
		c.Limits.MaxRunsPerCheck = 50
	}
	if c.Limits.MaxWorkflowDepth <= 0 {
		c.Limits.MaxWorkflowDepth = 3
	}
	for name, step := range c.Steps {
		step.Name = name
		if step.Fanout == "" {
			step.Fanout = "map"
		}
		if step.SessionMode == "" && step.ReuseAISession != nil {
			step.SessionMode = "clone"
		}
		if step.MaxRuns == 0 {
			step.MaxRuns = c.Limits.MaxRunsPerCheck
		}
	}
}

// StepNames returns the step names in sorted order. Sorted order doubles as
// the deterministic configuration order used for scheduling tie-breaks.
func (c *Config) StepNames() []string {
	names := make([]string, 0, len(c.Steps))
	for name := range c.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
