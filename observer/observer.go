// Package observer provides OTEL-based observability for Visor runs.
//
// Init wires trace, metric, and log providers with OTLP HTTP exporters;
// users export to any OTEL-compatible backend by setting standard OTEL env
// vars. Observe subscribes the instruments to an event bus so engine
// lifecycle events turn into metrics, and NewTracer adapts the global
// tracer provider to the visor.Tracer interface.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/probelabs/visor"
)

const scopeName = "github.com/probelabs/visor/observer"

// Instruments holds all OTEL instruments used by the observer.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	RunExecutions  metric.Int64Counter
	StepExecutions metric.Int64Counter
	SchedulerFires metric.Int64Counter
	RateLimited    metric.Int64Counter

	// Histograms
	RunDuration  metric.Float64Histogram
	StepDuration metric.Float64Histogram

	// Gauges
	QueueDepth metric.Int64UpDownCounter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("visor")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	runExecutions, err := meter.Int64Counter("run.executions",
		metric.WithDescription("Invocation count by terminal state"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	stepExecutions, err := meter.Int64Counter("step.executions",
		metric.WithDescription("Step execution count by status"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	schedulerFires, err := meter.Int64Counter("scheduler.fires",
		metric.WithDescription("Schedule fire count"),
		metric.WithUnit("{fire}"))
	if err != nil {
		return nil, err
	}

	rateLimited, err := meter.Int64Counter("ingress.rate_limited",
		metric.WithDescription("Admissions denied by the rate limiter"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("run.duration",
		metric.WithDescription("Invocation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("step.duration",
		metric.WithDescription("Step execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter("pool.queue.depth",
		metric.WithDescription("Worker pool queue depth"),
		metric.WithUnit("{item}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Logger:         logger,
		RunExecutions:  runExecutions,
		StepExecutions: stepExecutions,
		SchedulerFires: schedulerFires,
		RateLimited:    rateLimited,
		RunDuration:    runDuration,
		StepDuration:   stepDuration,
		QueueDepth:     queueDepth,
	}, nil
}

// Observe subscribes the instruments to engine lifecycle events on the bus.
// Returns the subscriptions so the caller can detach.
func Observe(bus *visor.EventBus, inst *Instruments) []*visor.Subscription {
	ctx := context.Background()
	subs := []*visor.Subscription{
		bus.On(visor.EventCheckCompleted, func(env visor.EventEnvelope) {
			p, ok := env.Payload.(visor.CheckEventPayload)
			if !ok || p.Result == nil {
				return
			}
			attrs := metric.WithAttributes(
				attribute.String("step", p.Step),
				attribute.String("status", string(p.Result.Status)),
			)
			inst.StepExecutions.Add(ctx, 1, attrs)
			inst.StepDuration.Record(ctx, float64(p.Result.Duration.Milliseconds()), attrs)
		}),
		bus.On(visor.EventCheckErrored, func(env visor.EventEnvelope) {
			p, ok := env.Payload.(visor.CheckEventPayload)
			if !ok || p.Result == nil {
				return
			}
			attrs := metric.WithAttributes(
				attribute.String("step", p.Step),
				attribute.String("status", string(p.Result.Status)),
			)
			inst.StepExecutions.Add(ctx, 1, attrs)
			inst.StepDuration.Record(ctx, float64(p.Result.Duration.Milliseconds()), attrs)
		}),
		bus.On(visor.EventStateTransition, func(env visor.EventEnvelope) {
			p, ok := env.Payload.(visor.StateTransitionPayload)
			if !ok || !p.To.Terminal() {
				return
			}
			inst.RunExecutions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("state", string(p.To)),
			))
		}),
	}
	return subs
}
