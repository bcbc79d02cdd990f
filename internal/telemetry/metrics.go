package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/mediaforge/dispatch"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Stream metrics
	MessagesAppended metric.Int64Counter
	ClaimCalls       metric.Int64Counter
	MessagesClaimed  metric.Int64Counter
	MessagesAcked    metric.Int64Counter

	// Consumer metrics
	HandlerErrors            metric.Int64Counter
	DrainsStarted            metric.Int64Counter
	NotificationsCoalesced   metric.Int64Counter
	FallbackDrains           metric.Int64Counter
	HandleDuration           metric.Float64Histogram
	ConsumerTransportRetries metric.Int64Counter

	// Reconciler metrics
	ReconcileSweeps      metric.Int64Counter
	ReconcileRetries     metric.Int64Counter
	ReconcileCompletions metric.Int64Counter
	ReconcileFailures    metric.Int64Counter
	ProviderQueryErrors  metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.MessagesAppended, _ = meter.Int64Counter(
		"dispatch.stream.appended.total",
		metric.WithDescription("Total number of messages appended to streams"),
		metric.WithUnit("{message}"),
	)

	m.ClaimCalls, _ = meter.Int64Counter(
		"dispatch.stream.claim_calls.total",
		metric.WithDescription("Total number of claim calls issued, including empty ones"),
		metric.WithUnit("{call}"),
	)

	m.MessagesClaimed, _ = meter.Int64Counter(
		"dispatch.stream.claimed.total",
		metric.WithDescription("Total number of messages claimed by consumers"),
		metric.WithUnit("{message}"),
	)

	m.MessagesAcked, _ = meter.Int64Counter(
		"dispatch.stream.acked.total",
		metric.WithDescription("Total number of messages acknowledged"),
		metric.WithUnit("{message}"),
	)

	m.HandlerErrors, _ = meter.Int64Counter(
		"dispatch.consumer.handler_errors.total",
		metric.WithDescription("Total number of handler failures (messages dropped after ack)"),
		metric.WithUnit("{error}"),
	)

	m.DrainsStarted, _ = meter.Int64Counter(
		"dispatch.consumer.drains.total",
		metric.WithDescription("Total number of drain cycles started"),
		metric.WithUnit("{drain}"),
	)

	m.NotificationsCoalesced, _ = meter.Int64Counter(
		"dispatch.consumer.notifications_coalesced.total",
		metric.WithDescription("Total number of notifications dropped because a drain was in progress"),
		metric.WithUnit("{notification}"),
	)

	m.FallbackDrains, _ = meter.Int64Counter(
		"dispatch.consumer.fallback_drains.total",
		metric.WithDescription("Total number of drains started by the fallback timer"),
		metric.WithUnit("{drain}"),
	)

	m.HandleDuration, _ = meter.Float64Histogram(
		"dispatch.consumer.handle.duration",
		metric.WithDescription("Duration of message handler execution"),
		metric.WithUnit("ms"),
	)

	m.ConsumerTransportRetries, _ = meter.Int64Counter(
		"dispatch.consumer.transport_retries.total",
		metric.WithDescription("Total number of transport errors retried by consume loops"),
		metric.WithUnit("{retry}"),
	)

	m.ReconcileSweeps, _ = meter.Int64Counter(
		"dispatch.reconcile.sweeps.total",
		metric.WithDescription("Total number of reconciliation sweeps"),
		metric.WithUnit("{sweep}"),
	)

	m.ReconcileRetries, _ = meter.Int64Counter(
		"dispatch.reconcile.retries.total",
		metric.WithDescription("Total number of work items resubmitted by the reconciler"),
		metric.WithUnit("{retry}"),
	)

	m.ReconcileCompletions, _ = meter.Int64Counter(
		"dispatch.reconcile.completions.total",
		metric.WithDescription("Total number of work items completed via reconciliation"),
		metric.WithUnit("{item}"),
	)

	m.ReconcileFailures, _ = meter.Int64Counter(
		"dispatch.reconcile.failures.total",
		metric.WithDescription("Total number of work items terminally failed by the reconciler"),
		metric.WithUnit("{item}"),
	)

	m.ProviderQueryErrors, _ = meter.Int64Counter(
		"dispatch.reconcile.provider_query_errors.total",
		metric.WithDescription("Total number of provider status queries that failed and were deferred"),
		metric.WithUnit("{error}"),
	)

	return m
}
