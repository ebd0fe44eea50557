// Package metrics exposes Prometheus collectors for workflow transitions,
// step latency, audit decisions, registry population and HTTP traffic.
package metrics
