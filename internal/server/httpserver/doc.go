// Package httpserver serves the lockmesh-node admin API over net/http.
//
// Routes:
//
//   - GET /health
//   - GET /metrics (Prometheus text format)
//   - GET /v1/nodes
//   - GET /v1/domains/{name}/recovery
//
// Every route runs behind RequestID, Recover and AccessLog.
package httpserver
