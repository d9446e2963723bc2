// Package otel exposes goState engine counters as OpenTelemetry observable
// instruments. One callback reads [goState.Engine.MetricsSnapshot] per
// collection cycle; callers own the MeterProvider.
package otel
