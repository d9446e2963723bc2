// Package prometheus renders goState engine counters and the rate-limit
// latency histogram in Prometheus text exposition format.
//
// Counter names are prefixed gostate_ and end in _total. Callers mount
// [PrometheusExporter.Handler]; nothing is registered globally.
package prometheus
