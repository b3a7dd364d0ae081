// Package metrics wires the gateway's OpenTelemetry instruments, following
// the teacher's internal/core/lease_metrics.go pattern: a constructor builds
// every counter/histogram up front and logs (rather than fails) on init
// error, so a broken meter provider never prevents the gateway from serving
// requests.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Gateway bundles every instrument the pipeline touches: pool acquisition,
// fee-budget rejections, and submit/wait outcomes.
type Gateway struct {
	poolAcquireCount    metric.Int64Counter
	poolAcquireDuration metric.Int64Histogram
	poolCapacityExhausted metric.Int64Counter

	feeRejectionCount metric.Int64Counter

	submitOutcomeCount    metric.Int64Counter
	submitWaitDuration     metric.Int64Histogram
}

// New builds a Gateway's instruments against the global meter provider.
// Failures to register an instrument are logged and leave the
// corresponding field nil; every recording method tolerates a nil
// receiver or nil instrument.
func New(logger pslog.Logger) *Gateway {
	meter := otel.Meter("github.com/channelgate/gateway")
	m := &Gateway{}
	var err error

	m.poolAcquireCount, err = meter.Int64Counter(
		"channelgate.pool.acquire",
		metric.WithDescription("Channel pool acquire attempts"),
	)
	logInitError(logger, "channelgate.pool.acquire", err)

	m.poolAcquireDuration, err = meter.Int64Histogram(
		"channelgate.pool.acquire.duration_ms",
		metric.WithDescription("Channel pool acquire latency"),
		metric.WithUnit("ms"),
	)
	logInitError(logger, "channelgate.pool.acquire.duration_ms", err)

	m.poolCapacityExhausted, err = meter.Int64Counter(
		"channelgate.pool.capacity_exhausted",
		metric.WithDescription("Acquire attempts rejected with POOL_CAPACITY"),
	)
	logInitError(logger, "channelgate.pool.capacity_exhausted", err)

	m.feeRejectionCount, err = meter.Int64Counter(
		"channelgate.feetracker.rejected",
		metric.WithDescription("Requests rejected for exceeding a per-key fee budget"),
	)
	logInitError(logger, "channelgate.feetracker.rejected", err)

	m.submitOutcomeCount, err = meter.Int64Counter(
		"channelgate.submit.outcome",
		metric.WithDescription("Submit-and-wait terminal outcomes"),
	)
	logInitError(logger, "channelgate.submit.outcome", err)

	m.submitWaitDuration, err = meter.Int64Histogram(
		"channelgate.submit.wait.duration_ms",
		metric.WithDescription("Time spent polling for a terminal transaction status"),
		metric.WithUnit("ms"),
	)
	logInitError(logger, "channelgate.submit.wait.duration_ms", err)

	return m
}

// RecordPoolAcquire records one acquire attempt's outcome and duration.
func (m *Gateway) RecordPoolAcquire(ctx context.Context, network string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("network", network),
		attribute.Bool("ok", ok),
	}
	if m.poolAcquireCount != nil {
		m.poolAcquireCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.poolAcquireDuration != nil {
		m.poolAcquireDuration.Record(ctx, d.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

// RecordPoolCapacityExhausted records a POOL_CAPACITY acquire rejection.
func (m *Gateway) RecordPoolCapacityExhausted(ctx context.Context, network string) {
	if m == nil || m.poolCapacityExhausted == nil {
		return
	}
	m.poolCapacityExhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("network", network)))
}

// RecordFeeRejection records a fee-budget rejection.
func (m *Gateway) RecordFeeRejection(ctx context.Context) {
	if m == nil || m.feeRejectionCount == nil {
		return
	}
	m.feeRejectionCount.Add(ctx, 1)
}

// RecordSubmitOutcome records a submit-and-wait terminal status and the
// total time spent waiting for it.
func (m *Gateway) RecordSubmitOutcome(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("status", status)}
	if m.submitOutcomeCount != nil {
		m.submitOutcomeCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.submitWaitDuration != nil {
		m.submitWaitDuration.Record(ctx, d.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

func logInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
