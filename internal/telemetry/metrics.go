// Package telemetry provides OpenTelemetry instruments for the
// evermind coordination core.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "evermind.coordinator"

// Metrics bundles the coordinator's instruments. A nil *Metrics is valid
// and records nothing, so tests and callers without an exporter can pass nil.
type Metrics struct {
	requestsRegistered metric.Int64Counter
	requestsResolved   metric.Int64Counter
	requestsTimedOut   metric.Int64Counter
	requestsRedirected metric.Int64Counter
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheBuildSeconds  metric.Float64Histogram
	activeChats        metric.Int64UpDownCounter
}

// NewMetrics registers the coordinator instruments on the global meter
// provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.requestsRegistered, err = meter.Int64Counter("hitl.requests.registered",
		metric.WithDescription("HITL requests registered")); err != nil {
		return nil, err
	}
	if m.requestsResolved, err = meter.Int64Counter("hitl.requests.resolved",
		metric.WithDescription("HITL requests resolved with a response")); err != nil {
		return nil, err
	}
	if m.requestsTimedOut, err = meter.Int64Counter("hitl.requests.timed_out",
		metric.WithDescription("HITL requests that hit their wait budget")); err != nil {
		return nil, err
	}
	if m.requestsRedirected, err = meter.Int64Counter("hitl.requests.redirected",
		metric.WithDescription("Responses redirected to a superseding request")); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("session.cache.hits",
		metric.WithDescription("Session cache hits")); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = meter.Int64Counter("session.cache.misses",
		metric.WithDescription("Session cache misses and rebuilds")); err != nil {
		return nil, err
	}
	if m.cacheBuildSeconds, err = meter.Float64Histogram("session.cache.build_seconds",
		metric.WithDescription("Time spent building session components"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.activeChats, err = meter.Int64UpDownCounter("actor.active_chats",
		metric.WithDescription("Chat calls currently in flight (observability only)")); err != nil {
		return nil, err
	}
	return m, nil
}

// RequestRegistered records one registered request.
func (m *Metrics) RequestRegistered(ctx context.Context, reqType string) {
	if m == nil {
		return
	}
	m.requestsRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("type", reqType)))
}

// RequestResolved records one resolved request.
func (m *Metrics) RequestResolved(ctx context.Context, reqType string) {
	if m == nil {
		return
	}
	m.requestsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("type", reqType)))
}

// RequestTimedOut records one timed-out wait.
func (m *Metrics) RequestTimedOut(ctx context.Context, reqType string) {
	if m == nil {
		return
	}
	m.requestsTimedOut.Add(ctx, 1, metric.WithAttributes(attribute.String("type", reqType)))
}

// RequestRedirected records one redirected response.
func (m *Metrics) RequestRedirected(ctx context.Context) {
	if m == nil {
		return
	}
	m.requestsRedirected.Add(ctx, 1)
}

// CacheHit records one session cache hit.
func (m *Metrics) CacheHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1)
}

// CacheMiss records one session cache miss.
func (m *Metrics) CacheMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1)
}

// CacheBuild records the duration of one session build.
func (m *Metrics) CacheBuild(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.cacheBuildSeconds.Record(ctx, seconds)
}

// ChatStarted increments the in-flight chat gauge.
func (m *Metrics) ChatStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeChats.Add(ctx, 1)
}

// ChatFinished decrements the in-flight chat gauge.
func (m *Metrics) ChatFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeChats.Add(ctx, -1)
}
