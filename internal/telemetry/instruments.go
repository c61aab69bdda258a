package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type instruments struct {
	ops      metric.Int64Counter
	dur      metric.Float64Histogram
	errs     metric.Int64Counter
	lockWait metric.Float64Histogram
	valDur   metric.Float64Histogram
}

var (
	instMu sync.Mutex
	inst   *instruments
)

func resetInstruments() {
	instMu.Lock()
	inst = nil
	instMu.Unlock()
}

func get() *instruments {
	instMu.Lock()
	defer instMu.Unlock()
	if inst != nil {
		return inst
	}
	m := meter()
	ops, _ := m.Int64Counter("edison.operations",
		metric.WithDescription("Total edison operations executed"),
	)
	dur, _ := m.Float64Histogram("edison.operation.duration",
		metric.WithDescription("Operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("edison.errors",
		metric.WithDescription("Total failed operations"),
	)
	lockWait, _ := m.Float64Histogram("edison.lock.wait",
		metric.WithDescription("Time spent waiting for a lock in milliseconds"),
		metric.WithUnit("ms"),
	)
	valDur, _ := m.Float64Histogram("edison.validator.duration",
		metric.WithDescription("Validator run duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	inst = &instruments{ops: ops, dur: dur, errs: errs, lockWait: lockWait, valDur: valDur}
	return inst
}

// Start opens a span for op and counts it in edison.operations. The returned
// function ends the span and records duration and the error, if any.
func Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	all := append([]attribute.KeyValue{attribute.String("edison.op", op)}, attrs...)
	ctx, span := tracer().Start(ctx, op, trace.WithAttributes(all...))
	in := get()
	in.ops.Add(ctx, 1, metric.WithAttributes(all...))
	start := time.Now()

	return ctx, func(err error) {
		in.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(all...))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			in.errs.Add(ctx, 1, metric.WithAttributes(all...))
		}
		span.End()
	}
}

// RecordLockWait records how long an acquisition waited and whether it succeeded.
func RecordLockWait(ctx context.Context, namespace string, waited time.Duration, acquired bool) {
	get().lockWait.Record(ctx, float64(waited.Milliseconds()), metric.WithAttributes(
		attribute.String("edison.lock.namespace", namespace),
		attribute.Bool("edison.lock.acquired", acquired),
	))
}

// RecordValidatorRun records one validator execution.
func RecordValidatorRun(ctx context.Context, validatorID, engine, verdict string, elapsed time.Duration) {
	get().valDur.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("edison.validator", validatorID),
		attribute.String("edison.validator.engine", engine),
		attribute.String("edison.validator.verdict", verdict),
	))
}
