package visor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ScheduleStatus is the lifecycle state of a Schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCompleted ScheduleStatus = "completed"
)

// Schedule is a persisted time trigger: either a recurring cron expression
// or a one-shot RunAt, never both. Firing invokes the named workflow step
// (or all steps when Workflow is empty) through the execution engine.
type Schedule struct {
	ID       string `json:"id"`
	Creator  string `json:"creator,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Cron is the recurring expression; empty for one-shot schedules.
	Cron string `json:"schedule,omitempty"`
	// RunAt is the one-shot fire time (Unix seconds); zero for recurring.
	RunAt int64 `json:"runAt,omitempty"`

	// Workflow is the step to run. Empty means all steps (simple reminder).
	Workflow string         `json:"workflow,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`

	// OutputType selects the adapter that receives results
	// (slack|github|webhook|none). OutputTarget is adapter-specific
	// (channel id, repo, URL).
	OutputType    string         `json:"outputType,omitempty"`
	OutputTarget  string         `json:"outputTarget,omitempty"`
	OutputContext map[string]any `json:"outputContext,omitempty"`

	NextRunAt    int64          `json:"nextRunAt,omitempty"`
	LastRunAt    int64          `json:"lastRunAt,omitempty"`
	RunCount     int            `json:"runCount"`
	FailureCount int            `json:"failureCount"`
	Status       ScheduleStatus `json:"status"`
	LastError    string         `json:"lastError,omitempty"`
	CreatedAt    int64          `json:"createdAt"`
	UpdatedAt    int64          `json:"updatedAt"`
}

// OneShot reports whether the schedule fires once and is then deleted.
func (s Schedule) OneShot() bool { return s.RunAt > 0 && s.Cron == "" }

// Validate checks the cron/runAt exclusivity invariant and expression
// syntax.
func (s Schedule) Validate() error {
	if s.Cron != "" && s.RunAt > 0 {
		return fmt.Errorf("schedule %s: cron and runAt are mutually exclusive", s.ID)
	}
	if s.Cron == "" && s.RunAt == 0 {
		return fmt.Errorf("schedule %s: either cron or runAt is required", s.ID)
	}
	if s.Cron != "" {
		if _, err := ParseCron(s.Cron, s.Timezone); err != nil {
			return fmt.Errorf("schedule %s: %w", s.ID, err)
		}
	}
	return nil
}

// --- Backend contracts ---

// ScheduleBackend persists schedules. Implementations: the in-process and
// file backends in this package (single-node development), store/sqlite,
// and store/postgres (shared, HA-capable).
type ScheduleBackend interface {
	Init(ctx context.Context) error
	Put(ctx context.Context, s Schedule) error
	Get(ctx context.Context, id string) (Schedule, bool, error)
	All(ctx context.Context) ([]Schedule, error)
	Delete(ctx context.Context, id string) error
	// Flush forces buffered writes to durable storage.
	Flush(ctx context.Context) error
	Close() error
}

// LockBackend adds HA lock operations to a backend. Locks are exclusive per
// schedule id, expire at TTL, and must be renewed to remain valid. SQL
// implementations are transactional; the in-process lock exists for
// single-node development only.
type LockBackend interface {
	// TryAcquireLock returns a fresh token on success, or ok=false when
	// another node holds an unexpired lock.
	TryAcquireLock(ctx context.Context, scheduleID, nodeID string, ttl time.Duration) (token string, ok bool, err error)
	// RenewLock extends the TTL of a held lock. Returns false when the
	// token no longer matches (expired and stolen, or released).
	RenewLock(ctx context.Context, scheduleID, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, scheduleID, token string) error
}

// --- ScheduleStore ---

// ScheduleStore is the durable set of Schedules. All mutations go through
// the store, which serializes writers with a mutation guard; reads return
// consistent snapshots.
type ScheduleStore struct {
	mu      sync.Mutex
	backend ScheduleBackend
}

// NewScheduleStore wraps a backend. The caller owns the backend lifecycle
// and should call backend Init before first use.
func NewScheduleStore(backend ScheduleBackend) *ScheduleStore {
	return &ScheduleStore{backend: backend}
}

// Backend returns the underlying backend, for lock operations.
func (st *ScheduleStore) Backend() ScheduleBackend { return st.backend }

// Locks returns the lock backend when the configured backend supports HA.
func (st *ScheduleStore) Locks() (LockBackend, bool) {
	lb, ok := st.backend.(LockBackend)
	return lb, ok
}

// Create validates and persists a new schedule. Missing IDs and timestamps
// are assigned.
func (st *ScheduleStore) Create(ctx context.Context, s Schedule) (Schedule, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.Status == "" {
		s.Status = ScheduleActive
	}
	now := NowUnix()
	s.CreatedAt = now
	s.UpdatedAt = now
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	if s.NextRunAt == 0 {
		if s.OneShot() {
			s.NextRunAt = s.RunAt
		} else {
			spec, err := ParseCron(s.Cron, s.Timezone)
			if err != nil {
				return Schedule{}, err
			}
			s.NextRunAt = spec.NextAfter(time.Now()).Unix()
		}
	}
	if err := st.backend.Put(ctx, s); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Get returns one schedule by id.
func (st *ScheduleStore) Get(ctx context.Context, id string) (Schedule, bool, error) {
	return st.backend.Get(ctx, id)
}

// GetAll returns every schedule ordered by (NextRunAt asc, ID asc).
func (st *ScheduleStore) GetAll(ctx context.Context) ([]Schedule, error) {
	all, err := st.backend.All(ctx)
	if err != nil {
		return nil, err
	}
	sortSchedules(all)
	return all, nil
}

// GetActive returns schedules with status active.
func (st *ScheduleStore) GetActive(ctx context.Context) ([]Schedule, error) {
	all, err := st.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.Status == ScheduleActive {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetDue returns active schedules with NextRunAt at or before now, in fire
// order (NextRunAt asc, ID asc).
func (st *ScheduleStore) GetDue(ctx context.Context, now int64) ([]Schedule, error) {
	active, err := st.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, s := range active {
		if s.NextRunAt > 0 && s.NextRunAt <= now {
			out = append(out, s)
		}
	}
	return out, nil
}

// Update applies fn to the schedule under the mutation guard and persists
// the result atomically per schedule.
func (st *ScheduleStore) Update(ctx context.Context, id string, fn func(*Schedule)) (Schedule, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok, err := st.backend.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	if !ok {
		return Schedule{}, fmt.Errorf("schedule %s: not found", id)
	}
	fn(&s)
	s.UpdatedAt = NowUnix()
	if err := st.backend.Put(ctx, s); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Delete removes a schedule.
func (st *ScheduleStore) Delete(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.backend.Delete(ctx, id)
}

// Flush forces the backend to persist buffered writes.
func (st *ScheduleStore) Flush(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.backend.Flush(ctx)
}

func sortSchedules(ss []Schedule) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].NextRunAt != ss[j].NextRunAt {
			return ss[i].NextRunAt < ss[j].NextRunAt
		}
		return ss[i].ID < ss[j].ID
	})
}

// --- In-process backend ---

// memoryBackend keeps schedules and locks in process memory. Development
// and tests only.
type memoryBackend struct {
	mu    sync.Mutex
	rows  map[string]Schedule
	locks map[string]memLock
}

type memLock struct {
	token     string
	nodeID    string
	expiresAt time.Time
}

// NewMemoryBackend creates an in-process ScheduleBackend with single-node
// lock support.
func NewMemoryBackend() ScheduleBackend {
	return &memoryBackend{
		rows:  make(map[string]Schedule),
		locks: make(map[string]memLock),
	}
}

func (b *memoryBackend) Init(context.Context) error { return nil }
func (b *memoryBackend) Close() error               { return nil }
func (b *memoryBackend) Flush(context.Context) error {
	return nil
}

func (b *memoryBackend) Put(_ context.Context, s Schedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[s.ID] = s
	return nil
}

func (b *memoryBackend) Get(_ context.Context, id string) (Schedule, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.rows[id]
	return s, ok, nil
}

func (b *memoryBackend) All(_ context.Context) ([]Schedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Schedule, 0, len(b.rows))
	for _, s := range b.rows {
		out = append(out, s)
	}
	return out, nil
}

func (b *memoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, id)
	return nil
}

func (b *memoryBackend) TryAcquireLock(_ context.Context, scheduleID, nodeID string, ttl time.Duration) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, held := b.locks[scheduleID]; held && time.Now().Before(l.expiresAt) {
		return "", false, nil
	}
	token := NewID()
	b.locks[scheduleID] = memLock{token: token, nodeID: nodeID, expiresAt: time.Now().Add(ttl)}
	return token, true, nil
}

func (b *memoryBackend) RenewLock(_ context.Context, scheduleID, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, held := b.locks[scheduleID]
	if !held || l.token != token || time.Now().After(l.expiresAt) {
		return false, nil
	}
	l.expiresAt = time.Now().Add(ttl)
	b.locks[scheduleID] = l
	return true, nil
}

func (b *memoryBackend) ReleaseLock(_ context.Context, scheduleID, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, held := b.locks[scheduleID]; held && l.token == token {
		delete(b.locks, scheduleID)
	}
	return nil
}

var _ LockBackend = (*memoryBackend)(nil)

// --- File backend ---

// DefaultScheduleFile is the default file backend path.
const DefaultScheduleFile = ".visor/schedules.json"

// fileBackend persists schedules as a JSON document. Every Put/Delete
// rewrites the file through a temp-file rename; Flush is a no-op beyond
// that. Locks delegate to an embedded memory backend — the file backend is
// single-node development only.
type fileBackend struct {
	*memoryBackend
	path string
}

// NewFileBackend creates a JSON file ScheduleBackend at path.
func NewFileBackend(path string) ScheduleBackend {
	if path == "" {
		path = DefaultScheduleFile
	}
	return &fileBackend{
		memoryBackend: &memoryBackend{
			rows:  make(map[string]Schedule),
			locks: make(map[string]memLock),
		},
		path: path,
	}
}

func (b *fileBackend) Init(ctx context.Context) error {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule file: read %s: %w", b.path, err)
	}
	var rows []Schedule
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("schedule file: parse %s: %w", b.path, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range rows {
		b.rows[s.ID] = s
	}
	return nil
}

func (b *fileBackend) Put(ctx context.Context, s Schedule) error {
	if err := b.memoryBackend.Put(ctx, s); err != nil {
		return err
	}
	return b.Flush(ctx)
}

func (b *fileBackend) Delete(ctx context.Context, id string) error {
	if err := b.memoryBackend.Delete(ctx, id); err != nil {
		return err
	}
	return b.Flush(ctx)
}

func (b *fileBackend) Flush(_ context.Context) error {
	b.mu.Lock()
	rows := make([]Schedule, 0, len(b.rows))
	for _, s := range b.rows {
		rows = append(rows, s)
	}
	b.mu.Unlock()
	sortSchedules(rows)

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("schedule file: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("schedule file: mkdir: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("schedule file: write: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("schedule file: rename: %w", err)
	}
	return nil
}
