package visor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleRunResult is what the scheduler hands to output adapters after a
// fire.
type ScheduleRunResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	RunID   string         `json:"runId,omitempty"`
}

// OutputAdapter delivers a schedule's run result to an outbound channel.
// Adapters are registered by type (slack|github|webhook|none) and are the
// only channel by which results leave the scheduler. Errors and panics in
// adapters are logged and swallowed.
type OutputAdapter interface {
	Deliver(ctx context.Context, s Schedule, result ScheduleRunResult) error
}

// OutputAdapterFunc adapts a function to OutputAdapter.
type OutputAdapterFunc func(ctx context.Context, s Schedule, result ScheduleRunResult) error

func (f OutputAdapterFunc) Deliver(ctx context.Context, s Schedule, result ScheduleRunResult) error {
	return f(ctx, s, result)
}

// InvocationRunner executes one DAG traversal. *Engine satisfies it.
type InvocationRunner interface {
	Run(ctx context.Context, inv Invocation) (*RunResult, error)
}

// CronJobConfig is a static cron job declared in config.
type CronJobConfig struct {
	Name     string         `yaml:"name" json:"name"`
	Cron     string         `yaml:"cron" json:"cron"`
	Timezone string         `yaml:"timezone" json:"timezone,omitempty"`
	Workflow string         `yaml:"workflow" json:"workflow,omitempty"`
	Inputs   map[string]any `yaml:"inputs" json:"inputs,omitempty"`
	Enabled  *bool          `yaml:"enabled" json:"enabled,omitempty"`
}

func (j CronJobConfig) enabled() bool { return j.Enabled == nil || *j.Enabled }

// HAConfig enables cross-node at-most-once firing through backend locks.
type HAConfig struct {
	Enabled              bool   `yaml:"enabled" json:"enabled"`
	NodeID               string `yaml:"node_id" json:"nodeId,omitempty"`
	LockTTLSec           int    `yaml:"lock_ttl_sec" json:"lockTtlSec,omitempty"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec" json:"heartbeatIntervalSec,omitempty"`
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Jobs []CronJobConfig `yaml:"jobs" json:"jobs,omitempty"`
	// CheckIntervalMS is the safety-net due-check period (default 60s).
	// It catches missed timers after wake-from-sleep and schedules
	// created by other nodes.
	CheckIntervalMS int      `yaml:"check_interval_ms" json:"checkIntervalMs,omitempty"`
	HA              HAConfig `yaml:"ha" json:"ha,omitempty"`
}

// maxConsecutiveFailures pauses a schedule after this many failed fires in
// a row.
const maxConsecutiveFailures = 3

// Scheduler evaluates time triggers and invokes the execution engine with a
// synthetic trigger payload. When HA is enabled it guarantees at-most-once
// execution across nodes by acquiring a backend lock per fire and renewing
// held locks on a heartbeat.
//
// Scheduler errors never crash the daemon: every per-schedule fault is
// logged and scoped to that schedule.
type Scheduler struct {
	store    *ScheduleStore
	runner   InvocationRunner
	cfg      SchedulerConfig
	adapters map[string]OutputAdapter
	logger   *slog.Logger
	tracer   Tracer

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID // scheduleID -> cron entry
	oneShot map[string]*time.Timer  // scheduleID -> pending timer
	held    map[string]string       // scheduleID -> lock token
	inFire  map[string]bool         // local at-most-once guard per schedule
	// static job failure counts live here; static jobs have no store row
	staticFails map[string]int

	cancel  context.CancelFunc
	stopped chan struct{}
	nodeID  string
	lockTTL time.Duration
	started bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets a structured logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerTracer sets a tracer for fire spans.
func WithSchedulerTracer(t Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// WithOutputAdapter registers an adapter for an output type.
func WithOutputAdapter(typ string, a OutputAdapter) SchedulerOption {
	return func(s *Scheduler) { s.adapters[typ] = a }
}

// NewScheduler creates a Scheduler. The runner executes fires; the store
// holds dynamic schedules.
func NewScheduler(store *ScheduleStore, runner InvocationRunner, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:       store,
		runner:      runner,
		cfg:         cfg,
		adapters:    map[string]OutputAdapter{"none": OutputAdapterFunc(func(context.Context, Schedule, ScheduleRunResult) error { return nil })},
		logger:      nopLogger,
		entries:     make(map[string]cron.EntryID),
		oneShot:     make(map[string]*time.Timer),
		held:        make(map[string]string),
		inFire:      make(map[string]bool),
		staticFails: make(map[string]int),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.nodeID = cfg.HA.NodeID
	if s.nodeID == "" {
		s.nodeID = NewID()
	}
	s.lockTTL = time.Duration(cfg.HA.LockTTLSec) * time.Second
	if s.lockTTL <= 0 {
		s.lockTTL = 60 * time.Second
	}
	return s
}

// Start loads static cron jobs, hydrates dynamic schedules from the store,
// and begins the safety-net due-check and (when HA is enabled) the lock
// heartbeat. Non-blocking; Stop shuts everything down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true
	s.cron = cron.New(cron.WithParser(cronParser))
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Static cron jobs from config.
	for _, job := range s.cfg.Jobs {
		if !job.enabled() {
			continue
		}
		if err := ValidateCron(job.Cron); err != nil {
			return fmt.Errorf("scheduler: static job %q: %w", job.Name, err)
		}
		job := job
		id, err := s.cron.AddFunc(cronExprWithTZ(job.Cron, job.Timezone), func() {
			s.executeStaticCronJob(ctx, job)
		})
		if err != nil {
			return fmt.Errorf("scheduler: static job %q: %w", job.Name, err)
		}
		s.mu.Lock()
		s.entries["static:"+job.Name] = id
		s.mu.Unlock()
	}

	// Restore active dynamic schedules.
	active, err := s.store.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: restore schedules: %w", err)
	}
	for _, sched := range active {
		if err := s.register(ctx, sched); err != nil {
			s.logger.Warn("scheduler: skipping schedule", "id", sched.ID, "error", err)
		}
	}

	s.cron.Start()

	interval := time.Duration(s.cfg.CheckIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	go s.dueCheckLoop(ctx, interval)

	if s.cfg.HA.Enabled {
		hb := time.Duration(s.cfg.HA.HeartbeatIntervalSec) * time.Second
		if hb <= 0 {
			hb = s.lockTTL / 2
		}
		go s.heartbeatLoop(ctx, hb)
	}
	return nil
}

// Register adds or refreshes a dynamic schedule's in-memory trigger. Call
// after ScheduleStore.Create from the CLI or a chat frontend.
func (s *Scheduler) Register(ctx context.Context, sched Schedule) error {
	return s.register(ctx, sched)
}

// Unregister drops a schedule's in-memory trigger. The store row is not
// touched.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(id)
}

func (s *Scheduler) unregisterLocked(id string) {
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if t, ok := s.oneShot[id]; ok {
		t.Stop()
		delete(s.oneShot, id)
	}
}

func (s *Scheduler) register(ctx context.Context, sched Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(sched.ID)

	if sched.OneShot() {
		delay := time.Until(time.Unix(sched.RunAt, 0))
		if delay <= 0 {
			// Past due: execute immediately.
			go s.fire(ctx, sched.ID)
			return nil
		}
		id := sched.ID
		s.oneShot[id] = time.AfterFunc(delay, func() { s.fire(ctx, id) })
		return nil
	}

	id := sched.ID
	entryID, err := s.cron.AddFunc(cronExprWithTZ(sched.Cron, sched.Timezone), func() {
		s.fire(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", sched.ID, err)
	}
	s.entries[sched.ID] = entryID
	return nil
}

// dueCheckLoop is the safety net for missed timers: it fires schedules
// whose NextRunAt has passed but whose in-memory trigger did not go off
// (wake-from-sleep, rows created by other nodes).
func (s *Scheduler) dueCheckLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := s.store.GetDue(ctx, NowUnix())
			if err != nil {
				s.logger.Warn("scheduler: due check", "error", err)
				continue
			}
			for _, sched := range due {
				s.fire(ctx, sched.ID)
			}
		}
	}
}

// heartbeatLoop renews all held locks. A failed renewal drops the lock
// locally; the current fire finishes but the node stops claiming the
// schedule.
func (s *Scheduler) heartbeatLoop(ctx context.Context, interval time.Duration) {
	locks, ok := s.store.Locks()
	if !ok {
		s.logger.Warn("scheduler: HA enabled but backend has no lock support")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			snapshot := make(map[string]string, len(s.held))
			for id, token := range s.held {
				snapshot[id] = token
			}
			s.mu.Unlock()
			for id, token := range snapshot {
				renewed, err := locks.RenewLock(ctx, id, token, s.lockTTL)
				if err != nil || !renewed {
					s.logger.Warn("scheduler: lock renewal failed, dropping", "schedule", id, "error", err)
					s.mu.Lock()
					delete(s.held, id)
					s.mu.Unlock()
				}
			}
		}
	}
}

// fire executes one due schedule: lock (HA), run, bookkeep, deliver.
func (s *Scheduler) fire(ctx context.Context, scheduleID string) {
	// Local at-most-once guard: a cron tick and the due-check safety net
	// may race on the same schedule.
	s.mu.Lock()
	if s.inFire[scheduleID] {
		s.mu.Unlock()
		return
	}
	s.inFire[scheduleID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFire, scheduleID)
		s.mu.Unlock()
	}()

	sched, ok, err := s.store.Get(ctx, scheduleID)
	if err != nil || !ok {
		if err != nil {
			s.logger.Warn("scheduler: load schedule", "id", scheduleID, "error", err)
		}
		return
	}
	if sched.Status != ScheduleActive {
		return
	}

	// HA: acquire the per-fire lock or cede to the holder.
	var token string
	if s.cfg.HA.Enabled {
		locks, okLocks := s.store.Locks()
		if !okLocks {
			s.logger.Warn("scheduler: HA enabled but backend has no lock support")
			return
		}
		token, ok, err = locks.TryAcquireLock(ctx, scheduleID, s.nodeID, s.lockTTL)
		if err != nil {
			s.logger.Warn("scheduler: lock acquire", "schedule", scheduleID, "error", err)
			return
		}
		if !ok {
			return // another node fires this one
		}
		s.mu.Lock()
		s.held[scheduleID] = token
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			stillHeld := s.held[scheduleID] == token
			delete(s.held, scheduleID)
			s.mu.Unlock()
			if stillHeld {
				if relErr := locks.ReleaseLock(context.WithoutCancel(ctx), scheduleID, token); relErr != nil {
					s.logger.Warn("scheduler: lock release", "schedule", scheduleID, "error", relErr)
				}
			}
		}()
	}

	result := s.execute(ctx, sched)
	s.bookkeep(ctx, sched, result)
	s.deliver(ctx, sched, result)
}

// execute invokes the engine with a synthetic trigger payload keyed by the
// schedule's webhook endpoint path.
func (s *Scheduler) execute(ctx context.Context, sched Schedule) ScheduleRunResult {
	var span Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "scheduler.fire",
			StringAttr("schedule.id", sched.ID),
			StringAttr("schedule.workflow", sched.Workflow))
		defer span.End()
	}

	payload := map[string]any{
		schedulePayloadKey(sched): map[string]any{
			"schedule_id": sched.ID,
			"inputs":      sched.Inputs,
			"fired_at":    NowUnix(),
		},
	}
	inv := Invocation{
		EventType: "schedule",
		Payload:   payload,
	}
	if sched.Workflow != "" {
		inv.Roots = []string{sched.Workflow}
	}

	run, err := s.runner.Run(ctx, inv)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return ScheduleRunResult{Success: false, Error: err.Error()}
	}

	out := map[string]any{}
	for _, r := range run.Results {
		if r.Output != nil {
			out[r.Step] = r.Output
		}
	}
	result := ScheduleRunResult{
		Success: run.State == RunCompleted && !anyFailed(run.Results),
		Output:  out,
		RunID:   run.RunID,
	}
	if !result.Success {
		result.Error = firstError(run.Results)
	}
	return result
}

// bookkeep applies the post-fire lifecycle: one-shot completion + deletion,
// recurring next-run computation, and 3-strikes failure pausing.
func (s *Scheduler) bookkeep(ctx context.Context, sched Schedule, result ScheduleRunResult) {
	now := NowUnix()
	if result.Success {
		if sched.OneShot() {
			// active -> completed -> deleted, exactly once.
			if _, err := s.store.Update(ctx, sched.ID, func(row *Schedule) {
				row.Status = ScheduleCompleted
				row.LastRunAt = now
				row.RunCount++
				row.FailureCount = 0
				row.NextRunAt = 0
			}); err != nil {
				s.logger.Warn("scheduler: complete one-shot", "schedule", sched.ID, "error", err)
			}
			if err := s.store.Delete(ctx, sched.ID); err != nil {
				s.logger.Warn("scheduler: delete one-shot", "schedule", sched.ID, "error", err)
			}
			s.Unregister(sched.ID)
			return
		}

		spec, err := ParseCron(sched.Cron, sched.Timezone)
		var next time.Time
		if err == nil {
			next = spec.NextAfter(time.Now())
		}
		if _, uerr := s.store.Update(ctx, sched.ID, func(row *Schedule) {
			row.LastRunAt = now
			row.RunCount++
			row.FailureCount = 0
			if err != nil || next.IsZero() {
				row.Status = SchedulePaused
				row.LastError = "cannot compute next run time"
				row.NextRunAt = 0
			} else {
				row.NextRunAt = next.Unix()
			}
		}); uerr != nil {
			s.logger.Warn("scheduler: update after fire", "schedule", sched.ID, "error", uerr)
		}
		if err != nil || next.IsZero() {
			s.Unregister(sched.ID)
		}
		return
	}

	// Failure path.
	updated, err := s.store.Update(ctx, sched.ID, func(row *Schedule) {
		row.LastRunAt = now
		row.FailureCount++
		row.LastError = result.Error
		if row.FailureCount >= maxConsecutiveFailures {
			row.Status = ScheduleFailed
			row.NextRunAt = 0
		} else if !row.OneShot() {
			if spec, perr := ParseCron(row.Cron, row.Timezone); perr == nil {
				if next := spec.NextAfter(time.Now()); !next.IsZero() {
					row.NextRunAt = next.Unix()
				}
			}
		}
	})
	if err != nil {
		s.logger.Warn("scheduler: update after failure", "schedule", sched.ID, "error", err)
		return
	}
	if updated.Status == ScheduleFailed {
		s.logger.Warn("scheduler: schedule failed permanently", "schedule", sched.ID, "failures", updated.FailureCount)
		s.Unregister(sched.ID)
	}
}

// deliver hands the result to the schedule's output adapter. Adapter
// exceptions are logged and swallowed.
func (s *Scheduler) deliver(ctx context.Context, sched Schedule, result ScheduleRunResult) {
	typ := sched.OutputType
	if typ == "" {
		typ = "none"
	}
	adapter, ok := s.adapters[typ]
	if !ok {
		s.logger.Warn("scheduler: no output adapter", "type", typ, "schedule", sched.ID)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: output adapter panicked", "type", typ, "panic", r)
		}
	}()
	if err := adapter.Deliver(ctx, sched, result); err != nil {
		s.logger.Warn("scheduler: output adapter", "type", typ, "schedule", sched.ID, "error", err)
	}
}

// executeStaticCronJob fires one config-declared job. Static jobs have no
// store row; failure accounting is local and a job is disabled after three
// consecutive failures.
func (s *Scheduler) executeStaticCronJob(ctx context.Context, job CronJobConfig) {
	payload := map[string]any{
		"cron/" + job.Name: map[string]any{
			"job":      job.Name,
			"inputs":   job.Inputs,
			"fired_at": NowUnix(),
		},
	}
	inv := Invocation{EventType: "schedule", Payload: payload}
	if job.Workflow != "" {
		inv.Roots = []string{job.Workflow}
	}
	run, err := s.runner.Run(ctx, inv)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || (run != nil && anyFailed(run.Results)) {
		s.staticFails[job.Name]++
		s.logger.Warn("scheduler: static job failed", "job", job.Name, "failures", s.staticFails[job.Name], "error", err)
		if s.staticFails[job.Name] >= maxConsecutiveFailures {
			if entryID, ok := s.entries["static:"+job.Name]; ok {
				s.cron.Remove(entryID)
				delete(s.entries, "static:"+job.Name)
			}
			s.logger.Warn("scheduler: static job disabled", "job", job.Name)
		}
		return
	}
	s.staticFails[job.Name] = 0
}

// Stop stops timers and the cron runner, cancels the heartbeat, and
// releases all held HA locks within a bounded window.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for id, t := range s.oneShot {
		t.Stop()
		delete(s.oneShot, id)
	}
	held := make(map[string]string, len(s.held))
	for id, token := range s.held {
		held[id] = token
		delete(s.held, id)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop() // waits for running jobs
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("scheduler: stop timed out waiting for running jobs")
	}

	if locks, ok := s.store.Locks(); ok && len(held) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for id, token := range held {
			if err := locks.ReleaseLock(ctx, id, token); err != nil {
				s.logger.Warn("scheduler: release lock on stop", "schedule", id, "error", err)
			}
		}
	}
	close(s.stopped)
}

// schedulePayloadKey is the synthetic webhook endpoint path a fired
// schedule's payload is keyed by.
func schedulePayloadKey(s Schedule) string {
	if s.OutputContext != nil {
		if ep, ok := s.OutputContext["endpoint"].(string); ok && ep != "" {
			return ep
		}
	}
	return "schedule/" + s.ID
}

// cronExprWithTZ prefixes expr with a CRON_TZ directive when tz is set.
func cronExprWithTZ(expr, tz string) string {
	if tz == "" || tz == "UTC" {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}

func anyFailed(results []StepResult) bool {
	for _, r := range results {
		if r.Status == StepFailed {
			return true
		}
	}
	return false
}

func firstError(results []StepResult) string {
	for _, r := range results {
		if r.Status == StepFailed {
			if r.Error != "" {
				return r.Error
			}
			for _, is := range r.Issues {
				if is.Severity == SeverityError || is.Severity == SeverityCritical {
					return is.Message
				}
			}
			return "step " + r.Step + " failed"
		}
	}
	return ""
}
