// Package metric provides Prometheus metrics for lockmesh.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: registry construction and HTTP handler
//   - transport.go: messaging transport collectors
//   - recovery.go: lock recovery collectors
//
// All recording methods are safe on a nil receiver so components can run
// without metrics in tests.
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
