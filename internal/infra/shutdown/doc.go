// Package shutdown runs the node's teardown steps in order.
//
// Components register a named hook as they start. On SIGINT, SIGTERM or
// an explicit Trigger the hooks run in reverse registration order under
// one deadline, so lock domains leave before the transport stops and the
// transport stops before the heartbeat.
package shutdown
