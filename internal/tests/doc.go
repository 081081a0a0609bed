// Package tests runs whole lockmesh nodes in one process for integration
// tests and benchmarks. Nodes share a static membership on loopback and
// talk over the real transport.
package tests
