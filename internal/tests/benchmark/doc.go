// Package benchmark measures lock throughput on in-process clusters.
//
// Run with:
//
//	go test -bench=. -benchmem ./internal/tests/benchmark/
package benchmark
