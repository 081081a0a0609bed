// Package tracer provides distributed tracing for lockmesh.
//
// New installs an OpenTelemetry SDK tracer provider that exports spans
// through the stdout exporter. Without New, StartSpan uses the global
// no-op provider, so instrumented code runs unchanged when tracing is off.
package tracer
