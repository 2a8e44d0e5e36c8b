package visor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Frontend is one integration surface: it turns inbound activity into
// invocations through its FrontendContext and translates engine events into
// outbound side effects.
type Frontend interface {
	Name() string
	Start(ctx context.Context, fc *FrontendContext) error
	Stop(ctx context.Context) error
}

// FrontendContext is the capability set the host hands to each frontend.
// Event subscriptions made through it are fenced: after the host stops, a
// frontend cannot observe events from a previous run generation.
type FrontendContext struct {
	Logger *slog.Logger
	Config *Config
	// RunID is the host's run identity for this generation.
	RunID string
	// Clients holds injected integration clients keyed by name.
	Clients map[string]any

	host *Host
	gen  uint64

	webhookMu   sync.RWMutex
	webhookData map[string]map[string]any
}

// On subscribes to engine events. The handler stops receiving once the host
// stops, even if an emit is already in flight on the bus.
func (fc *FrontendContext) On(typ EventType, fn EventHandler) *Subscription {
	sub := fc.host.bus.On(typ, func(env EventEnvelope) {
		if atomic.LoadUint64(&fc.host.gen) != fc.gen {
			return
		}
		fn(env)
	})
	fc.host.track(sub)
	return sub
}

// Emit publishes an event on the host bus.
func (fc *FrontendContext) Emit(typ EventType, payload any) {
	fc.host.bus.Emit(typ, payload)
}

// Trigger submits an invocation through admission control and the worker
// pool. Returns ErrRateLimited or ErrQueueFull when refused.
func (fc *FrontendContext) Trigger(ctx context.Context, inv Invocation, req RateRequest) error {
	return fc.host.Trigger(ctx, inv, req)
}

// SetWebhookData records the latest payload received on an endpoint path.
func (fc *FrontendContext) SetWebhookData(path string, data map[string]any) {
	fc.webhookMu.Lock()
	defer fc.webhookMu.Unlock()
	fc.webhookData[path] = data
}

// WebhookData returns the latest payload received on an endpoint path.
func (fc *FrontendContext) WebhookData(path string) (map[string]any, bool) {
	fc.webhookMu.RLock()
	defer fc.webhookMu.RUnlock()
	data, ok := fc.webhookData[path]
	return data, ok
}

// Host binds frontends to the execution pipeline: trigger → rate limiter →
// worker pool → engine. One Host serves one loaded config.
type Host struct {
	cfg     *Config
	runner  InvocationRunner
	bus     *EventBus
	limiter *RateLimiter
	pool    *WorkerPool
	logger  *slog.Logger
	tracer  Tracer
	clients map[string]any

	// gen fences event delivery across start/stop cycles.
	gen uint64

	poolCfg *PoolConfig

	mu        sync.Mutex
	frontends []Frontend
	contexts  []*FrontendContext
	subs      []*Subscription
	started   bool
}

// HostOption configures the host.
type HostOption func(*Host)

// WithHostLogger sets the host logger, shared with frontend contexts.
func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// WithHostTracer sets the tracer for trigger spans.
func WithHostTracer(t Tracer) HostOption {
	return func(h *Host) { h.tracer = t }
}

// WithHostBus sets the bus shared with the engine. Defaults to a private
// bus; pass the engine's bus so frontends see lifecycle events.
func WithHostBus(b *EventBus) HostOption {
	return func(h *Host) { h.bus = b }
}

// WithHostPoolConfig overrides the worker pool configuration.
func WithHostPoolConfig(cfg PoolConfig) HostOption {
	return func(h *Host) { h.poolCfg = &cfg }
}

// WithHostClient injects a named integration client exposed to frontends.
func WithHostClient(name string, client any) HostOption {
	return func(h *Host) { h.clients[name] = client }
}

// NewHost creates a host over a loaded config and an invocation runner
// (normally an *Engine).
func NewHost(cfg *Config, runner InvocationRunner, opts ...HostOption) *Host {
	h := &Host{
		cfg:     cfg,
		runner:  runner,
		logger:  nopLogger,
		tracer:  NoopTracer{},
		clients: map[string]any{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.bus == nil {
		h.bus = NewEventBus(WithBusLogger(h.logger))
	}
	h.limiter = NewRateLimiter(cfg.RateLimit)
	return h
}

// Register adds a frontend. Must be called before Start.
func (h *Host) Register(f Frontend) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frontends = append(h.frontends, f)
}

// Bus returns the host bus.
func (h *Host) Bus() *EventBus { return h.bus }

// Limiter returns the host's rate limiter.
func (h *Host) Limiter() *RateLimiter { return h.limiter }

// Start brings up the worker pool and the registered frontends. A frontend
// failing to start stops the ones already started and returns the error.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("host: already started")
	}
	h.started = true
	gen := atomic.AddUint64(&h.gen, 1)

	poolCfg := PoolConfig{PoolSize: h.cfg.MaxParallelism}
	if h.poolCfg != nil {
		poolCfg = *h.poolCfg
	}
	h.pool = NewWorkerPool(poolCfg, h.runItem, WithPoolLogger(h.logger))

	frontends := make([]Frontend, len(h.frontends))
	copy(frontends, h.frontends)
	h.mu.Unlock()

	runID := NewID()
	for _, f := range frontends {
		fc := &FrontendContext{
			Logger:      h.logger.With("frontend", f.Name()),
			Config:      h.cfg,
			RunID:       runID,
			Clients:     h.clients,
			host:        h,
			gen:         gen,
			webhookData: map[string]map[string]any{},
		}
		if err := f.Start(ctx, fc); err != nil {
			h.Stop(ctx)
			return fmt.Errorf("host: start frontend %s: %w", f.Name(), err)
		}
		h.mu.Lock()
		h.contexts = append(h.contexts, fc)
		h.mu.Unlock()
		h.logger.Info("frontend started", "frontend", f.Name(), "runId", runID)
	}
	return nil
}

// Stop stops frontends, fences their subscriptions, and shuts the pool
// down. Safe to call more than once.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	atomic.AddUint64(&h.gen, 1)
	subs := h.subs
	h.subs = nil
	h.contexts = nil
	frontends := make([]Frontend, len(h.frontends))
	copy(frontends, h.frontends)
	pool := h.pool
	h.pool = nil
	h.mu.Unlock()

	var firstErr error
	for _, f := range frontends {
		if err := f.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("host: stop frontend %s: %w", f.Name(), err)
		}
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if pool != nil {
		pool.Shutdown()
	}
	return firstErr
}

func (h *Host) track(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, sub)
}

// triggerItem travels through the worker pool from Trigger to runItem.
type triggerItem struct {
	inv     Invocation
	req     RateRequest
	limited bool
}

// Trigger admits and enqueues one invocation. The rate limiter decides
// first; a near-limit queue decision lowers the work item's priority rather
// than blocking.
func (h *Host) Trigger(ctx context.Context, inv Invocation, req RateRequest) error {
	_, span := h.tracer.Start(ctx, "host.trigger", StringAttr("event.type", inv.EventType))
	defer span.End()

	limited := h.limiter != nil && h.cfg.RateLimit.enabled()
	priority := 0
	if limited {
		dec := h.limiter.Check(req)
		switch {
		case dec.ShouldQueue:
			// Near-limit admission: the limiter recorded it, so the
			// Release pairing in runItem holds; it just runs at lower
			// priority.
			span.Event("queued_near_limit")
			priority = -1
		case !dec.Allowed:
			span.Event("rate_limited", StringAttr("blocked_by", dec.BlockedBy))
			return &RateLimitedError{Decision: dec}
		}
	}

	if inv.RunID == "" {
		inv.RunID = NewID()
	}
	item := WorkItem{
		ID:         NewID(),
		Type:       "invocation",
		Data:       triggerItem{inv: inv, req: req, limited: limited},
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}

	h.mu.Lock()
	pool := h.pool
	h.mu.Unlock()
	if pool == nil {
		if limited {
			h.limiter.Release(req)
		}
		return fmt.Errorf("host: not started")
	}
	if !pool.Submit(item) {
		if limited {
			h.limiter.Release(req)
		}
		return ErrQueueFull
	}
	h.bus.Emit(EventCheckScheduled, CheckEventPayload{RunID: inv.RunID})
	return nil
}

// runItem is the pool task: execute the invocation and release the
// admission slot.
func (h *Host) runItem(ctx context.Context, item WorkItem) error {
	ti, ok := item.Data.(triggerItem)
	if !ok {
		return fmt.Errorf("host: unexpected work item payload %T", item.Data)
	}
	if ti.limited {
		defer h.limiter.Release(ti.req)
	}

	result, err := h.runner.Run(ctx, ti.inv)
	if err != nil {
		h.logger.Error("invocation failed", "runId", ti.inv.RunID, "error", err)
		return err
	}
	h.logger.Info("invocation finished",
		"runId", result.RunID, "state", string(result.State), "issues", len(result.Issues))
	return nil
}
