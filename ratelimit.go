package visor

import (
	"sync"
	"time"
)

// DimensionLimits configures one admission dimension. A zero field disables
// that particular limit.
type DimensionLimits struct {
	RequestsPerMinute  int `yaml:"requests_per_minute" json:"requestsPerMinute"`
	RequestsPerHour    int `yaml:"requests_per_hour" json:"requestsPerHour"`
	ConcurrentRequests int `yaml:"concurrent_requests" json:"concurrentRequests"`
}

func (d *DimensionLimits) configured() bool {
	return d != nil && (d.RequestsPerMinute > 0 || d.RequestsPerHour > 0 || d.ConcurrentRequests > 0)
}

// RateLimitConfig configures a RateLimiter across the four admission
// dimensions. Nil dimensions are not enforced.
type RateLimitConfig struct {
	Global  *DimensionLimits `yaml:"global" json:"global,omitempty"`
	Bot     *DimensionLimits `yaml:"bot" json:"bot,omitempty"`
	User    *DimensionLimits `yaml:"user" json:"user,omitempty"`
	Channel *DimensionLimits `yaml:"channel" json:"channel,omitempty"`

	// QueueWhenNearLimit returns a should-queue decision instead of
	// admission when the remaining budget falls under the threshold.
	QueueWhenNearLimit bool `yaml:"queue_when_near_limit" json:"queueWhenNearLimit"`
	// QueueThreshold is the near-limit fraction (default 0.8): queueing
	// kicks in once remaining/limit < 1 - threshold.
	QueueThreshold float64 `yaml:"queue_threshold" json:"queueThreshold"`
}

// enabled reports whether any dimension carries a limit.
func (c RateLimitConfig) enabled() bool {
	return c.Global.configured() || c.Bot.configured() || c.User.configured() || c.Channel.configured()
}

// RateRequest identifies the actor of one admission check.
type RateRequest struct {
	BotID     string
	UserID    string
	ChannelID string
}

// rateWindow holds the sliding windows and concurrent counter for one
// dimension key.
type rateWindow struct {
	minute     []time.Time
	hour       []time.Time
	concurrent int
	touched    time.Time
}

// windowIdleTTL is how long an untouched window key survives before GC.
const windowIdleTTL = 2 * time.Hour

// RateLimiter is a sliding-window + concurrent-counter admission controller
// across the dimensions {global, bot, user, channel}. Decisions are pure
// functions of state + request; Check never blocks and never errors.
//
// Check and Release are the only mutation paths. A Release must be paired
// with a prior admitted Check for the same request.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	windows map[string]*rateWindow
	lastGC  time.Time
	now     func() time.Time // injectable for tests
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.QueueThreshold <= 0 || cfg.QueueThreshold >= 1 {
		cfg.QueueThreshold = 0.8
	}
	return &RateLimiter{
		cfg:     cfg,
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// dimension pairs a dimension's limits with its window key for one request.
type dimension struct {
	name   string
	key    string
	limits *DimensionLimits
}

// dimensions returns the configured dimensions for req in check order:
// global, bot, user, channel.
func (l *RateLimiter) dimensions(req RateRequest) []dimension {
	var dims []dimension
	if l.cfg.Global.configured() {
		dims = append(dims, dimension{"global", "global", l.cfg.Global})
	}
	if l.cfg.Bot.configured() && req.BotID != "" {
		dims = append(dims, dimension{"bot", "bot:" + req.BotID, l.cfg.Bot})
	}
	if l.cfg.User.configured() && req.UserID != "" {
		dims = append(dims, dimension{"user", "user:" + req.UserID, l.cfg.User})
	}
	if l.cfg.Channel.configured() && req.ChannelID != "" {
		dims = append(dims, dimension{"channel", "channel:" + req.ChannelID, l.cfg.Channel})
	}
	return dims
}

// Check runs the admission decision for req. On admission — including a
// should-queue decision, which admits at lower priority — an entry is pushed
// to each relevant window and concurrent counters are incremented; the
// caller must pair it with Release once the request finishes.
func (l *RateLimiter) Check(req RateRequest) AdmissionDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.gcLocked(now)

	dims := l.dimensions(req)
	decision := AdmissionDecision{Allowed: true, Limit: -1, Remaining: -1}

	for _, d := range dims {
		w := l.window(d.key, now)

		// Evict expired entries before any comparison.
		w.minute = pruneBefore(w.minute, now.Add(-time.Minute))
		w.hour = pruneBefore(w.hour, now.Add(-time.Hour))

		// Concurrent cap first, then minute, then hour.
		if d.limits.ConcurrentRequests > 0 && w.concurrent >= d.limits.ConcurrentRequests {
			return AdmissionDecision{
				BlockedBy:  d.name,
				Limit:      d.limits.ConcurrentRequests,
				Remaining:  0,
				RetryAfter: time.Second,
			}
		}
		if dec, blocked := checkWindow(d, w.minute, d.limits.RequestsPerMinute, time.Minute, now); blocked {
			return dec
		}
		if dec, blocked := checkWindow(d, w.hour, d.limits.RequestsPerHour, time.Hour, now); blocked {
			return dec
		}

		// Track the most restrictive remaining/limit across dimensions.
		trackRemaining(&decision, len(w.minute), d.limits.RequestsPerMinute)
		trackRemaining(&decision, len(w.hour), d.limits.RequestsPerHour)
	}

	if decision.Limit < 0 {
		decision.Limit = 0
		decision.Remaining = 0
	}

	if l.cfg.QueueWhenNearLimit && decision.Limit > 0 {
		frac := float64(decision.Remaining) / float64(decision.Limit)
		if frac < 1-l.cfg.QueueThreshold {
			decision.Allowed = false
			decision.ShouldQueue = true
		}
	}

	// Admit or queue: record the request in every relevant window either
	// way. Queued work still runs, so it consumes budget and the caller
	// pairs it with Release like any admission; once the window fills the
	// hard block above takes over.
	for _, d := range dims {
		w := l.window(d.key, now)
		if d.limits.RequestsPerMinute > 0 {
			w.minute = append(w.minute, now)
		}
		if d.limits.RequestsPerHour > 0 {
			w.hour = append(w.hour, now)
		}
		if d.limits.ConcurrentRequests > 0 {
			w.concurrent++
		}
	}
	return decision
}

// Release decrements the concurrent counters for req. Must be paired with a
// prior admitted Check.
func (l *RateLimiter) Release(req RateRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, d := range l.dimensions(req) {
		if d.limits.ConcurrentRequests <= 0 {
			continue
		}
		if w, ok := l.windows[d.key]; ok && w.concurrent > 0 {
			w.concurrent--
			w.touched = now
		}
	}
}

// Concurrent returns the current concurrent counter for a dimension key
// ("global", "user:<id>", ...). Zero for unknown keys.
func (l *RateLimiter) Concurrent(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		return w.concurrent
	}
	return 0
}

func (l *RateLimiter) window(key string, now time.Time) *rateWindow {
	w, ok := l.windows[key]
	if !ok {
		w = &rateWindow{}
		l.windows[key] = w
	}
	w.touched = now
	return w
}

// gcLocked drops window keys untouched for windowIdleTTL. Runs lazily at
// most once a minute from Check.
func (l *RateLimiter) gcLocked(now time.Time) {
	if now.Sub(l.lastGC) < time.Minute {
		return
	}
	l.lastGC = now
	for key, w := range l.windows {
		if w.concurrent == 0 && now.Sub(w.touched) > windowIdleTTL {
			delete(l.windows, key)
		}
	}
}

// checkWindow applies one sliding-window limit. Returns a blocking decision
// when the window is at capacity.
func checkWindow(d dimension, entries []time.Time, limit int, size time.Duration, now time.Time) (AdmissionDecision, bool) {
	if limit <= 0 || len(entries) < limit {
		return AdmissionDecision{}, false
	}
	resetAt := entries[0].Add(size)
	retry := resetAt.Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return AdmissionDecision{
		BlockedBy:  d.name,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: retry,
		ResetAt:    resetAt,
	}, true
}

// trackRemaining updates the decision to carry the most restrictive
// remaining/limit pair observed so far.
func trackRemaining(dec *AdmissionDecision, used, limit int) {
	if limit <= 0 {
		return
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	if dec.Limit < 0 || remaining < dec.Remaining {
		dec.Limit = limit
		dec.Remaining = remaining
	}
}

// pruneBefore removes entries older than cutoff from a sorted time slice.
func pruneBefore(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}
