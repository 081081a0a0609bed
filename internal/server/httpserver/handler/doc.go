// Package handler implements the admin HTTP endpoints of lockmesh-node.
//
//   - health.go: liveness and per-domain recovery summary
//   - nodes.go: node table, heartbeat view and connection states
//   - recovery.go: recovery state of one lock domain
//
// Every JSON body uses the Response envelope.
package handler
