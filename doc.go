// Package visor is a configurable automation engine that runs declarative
// workflows ("checks" / "steps") against code repositories, chat events,
// HTTP webhooks, and time triggers.
//
// The package provides the workflow execution substrate: a state-machine
// execution engine over a step DAG, routing and fan-out, a durable schedule
// store with cron and one-shot triggers and HA locking, a bounded worker
// pool backing chat and webhook ingestion, and a sliding-window rate limiter
// gating them.
//
// # Quick Start
//
// Load a config and run its steps:
//
//	cfg, warnings, err := visor.Load("visor.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	providers := visor.NewProviderRegistry(logger) // builtins preloaded
//	engine := visor.NewEngine(cfg, providers)
//	result, err := engine.Run(ctx, visor.Invocation{EventType: "manual"})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — executes one kind of step (ai, command, http, ...)
//   - [Frontend] — binds an external event source to the engine
//   - [ScheduleBackend] / [LockBackend] — schedule persistence and HA locks
//   - [OutputAdapter] — delivers scheduler results to an outbound channel
//   - [Tracer] — span creation; the observer package wires OpenTelemetry
//
// # Included Implementations
//
// Storage: store/sqlite (local), store/postgres (shared, HA-capable).
// Frontends: frontend/webhook (HMAC-verified HTTP ingress).
// Providers: trivial builtins (noop, log, memory, command, script) — real
// provider sets are supplied by the embedding application.
//
// See the cmd/visor directory for the reference CLI.
package visor
