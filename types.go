package visor

import (
	"time"
)

// --- Issues ---

// Severity classifies an Issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Issue is a single finding reported by a step. Providers return issues;
// the engine adds contract and budget issues of its own under the
// "contract/" rule prefix.
type Issue struct {
	RuleID   string   `json:"ruleId"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	EndLine  int      `json:"endLine,omitempty"`
	Category string   `json:"category,omitempty"`
}

// HasCritical reports whether any issue in the slice is critical.
func HasCritical(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// --- Step execution results ---

// StepStatus is the execution state of a step within one scope.
type StepStatus string

const (
	// StepPending indicates a step that has not started execution.
	StepPending StepStatus = "pending"
	// StepRunning indicates a step that is currently executing.
	StepRunning StepStatus = "running"
	// StepCompleted indicates a step that finished without failure.
	StepCompleted StepStatus = "completed"
	// StepSkipped indicates a step whose preconditions (if / assume /
	// event filter / tag filter) were not met, or that was gated by an
	// upstream failure. Neutral conclusion.
	StepSkipped StepStatus = "skipped"
	// StepFailed indicates a step whose provider errored or whose
	// post-conditions (fail_if / guarantee / schema) were violated.
	StepFailed StepStatus = "failed"
)

// SkipReason records why a step was skipped.
type SkipReason string

const (
	SkipCondition SkipReason = "condition" // if expression false
	SkipAssume    SkipReason = "assume"    // assume expression false
	SkipEvent     SkipReason = "event"     // event filter mismatch
	SkipTag       SkipReason = "tag"       // tag filter mismatch
	SkipUpstream  SkipReason = "upstream"  // dependency failed and gating applied
	SkipStopped   SkipReason = "stopped"   // invocation stopped before start
)

// StepResult is the outcome of one step execution in one scope.
// Exactly one StepResult exists per (step, scope) per engine run; re-running
// a step in the same scope (goto) replaces the previous result.
type StepResult struct {
	Step       string        `json:"step"`
	Scope      string        `json:"scope"`
	Status     StepStatus    `json:"status"`
	SkipReason SkipReason    `json:"skipReason,omitempty"`
	Issues     []Issue       `json:"issues,omitempty"`
	Output     any           `json:"output,omitempty"`
	Content    string        `json:"content,omitempty"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"durationMs"`
	Runs       int           `json:"runs,omitempty"` // execution count for this (step, scope)
}

// Failed reports whether the result is a failure (provider error or
// contract violation).
func (r StepResult) Failed() bool { return r.Status == StepFailed }

// GroupedResults maps a step group name to the results of its steps,
// flattened across scopes, in completion order.
type GroupedResults map[string][]StepResult

// --- Run state machine ---

// RunState is a state of the engine's invocation state machine.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunPlanning  RunState = "planning"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunCompleted RunState = "completed"
	RunError     RunState = "error"
	RunStopped   RunState = "stopped"
)

// Terminal reports whether the state ends an invocation.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunError || s == RunStopped
}

// --- Invocations ---

// TagFilter selects steps by tag. A step passes when it carries at least one
// include tag (or Include is empty) and none of the exclude tags.
type TagFilter struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Matches reports whether the given step tags pass the filter.
func (f TagFilter) Matches(tags []string) bool {
	if len(f.Include) > 0 {
		found := false
		for _, want := range f.Include {
			for _, t := range tags {
				if t == want {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	for _, not := range f.Exclude {
		for _, t := range tags {
			if t == not {
				return false
			}
		}
	}
	return true
}

// Invocation describes one traversal of the step DAG.
type Invocation struct {
	// RunID identifies the run. Assigned by the engine when empty.
	RunID string
	// Roots is the requested root step set. Empty means all steps.
	Roots []string
	// Payload is the initial trigger payload, keyed by webhook endpoint
	// path for webhook and scheduler triggers.
	Payload map[string]any
	// EventType is the trigger event ("manual", "webhook_received",
	// "schedule", ...). "all" matches every step's on filter.
	EventType string
	// TagFilter narrows the step set.
	TagFilter TagFilter
	// Depth is the nested workflow depth, incremented by the workflow
	// provider. Guarded by max_workflow_depth.
	Depth int
}

// RunResult is the aggregate outcome of an engine invocation.
type RunResult struct {
	RunID    string         `json:"runId"`
	State    RunState       `json:"state"`
	Results  []StepResult   `json:"results"`
	Grouped  GroupedResults `json:"grouped"`
	Issues   []Issue        `json:"issues"`
	Duration time.Duration  `json:"durationMs"`
}

// --- Event bus envelopes ---

// EventType names a bus event.
type EventType string

const (
	EventCheckScheduled      EventType = "CheckScheduled"
	EventCheckStarted        EventType = "CheckStarted"
	EventCheckCompleted      EventType = "CheckCompleted"
	EventCheckErrored        EventType = "CheckErrored"
	EventStateTransition     EventType = "StateTransition"
	EventHumanInputRequested EventType = "HumanInputRequested"
	EventSnapshotSaved       EventType = "SnapshotSaved"
)

// EventEnvelope carries one bus event. Seq is monotonic per bus.
type EventEnvelope struct {
	Type    EventType
	Payload any
	Meta    map[string]any
	Seq     uint64
}

// StateTransitionPayload is the payload of EventStateTransition.
type StateTransitionPayload struct {
	RunID string
	From  RunState
	To    RunState
}

// CheckEventPayload is the payload of the Check* lifecycle events.
type CheckEventPayload struct {
	RunID  string
	Step   string
	Scope  string
	Result *StepResult // nil for CheckScheduled / CheckStarted
}

// --- Worker pool items ---

// WorkItem is a unit of work submitted to the WorkerPool. Ownership
// transfers to the pool on a successful Submit.
type WorkItem struct {
	ID         string
	Type       string
	Data       any
	Priority   int
	EnqueuedAt time.Time
}

// --- Admission decisions ---

// AdmissionDecision is the result of a RateLimiter check.
type AdmissionDecision struct {
	Allowed bool
	// ShouldQueue is set instead of a block when queue_when_near_limit
	// is enabled and the remaining budget dipped under the threshold.
	ShouldQueue bool
	// BlockedBy names the dimension that denied admission ("global",
	// "bot", "user", "channel"). Empty when allowed.
	BlockedBy string
	// Limit and Remaining reflect the most restrictive configured
	// dimension seen during the check.
	Limit     int
	Remaining int
	// RetryAfter is the suggested wait before retrying. At least one
	// second when blocked by a window limit.
	RetryAfter time.Duration
	ResetAt    time.Time
}

// --- Routing intents ---

// RoutingKind discriminates RoutingIntent variants.
type RoutingKind int

const (
	// RoutingNone means no transition fires.
	RoutingNone RoutingKind = iota
	// RoutingGoto rewinds execution to a named ancestor step.
	RoutingGoto
	// RoutingRun schedules a list of post-steps in the current scope.
	RoutingRun
)

// RoutingIntent is the evaluator's verdict for one transition block.
// The evaluator returns intents; the engine enforces budgets and applies
// side effects.
type RoutingIntent struct {
	Kind RoutingKind
	// Goto is the ancestor step id for RoutingGoto.
	Goto string
	// GotoEvent optionally re-tags the simulated event on goto.
	GotoEvent string
	// Run is the post-step list for RoutingRun.
	Run []string
}
