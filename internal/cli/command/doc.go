// Package command defines the lockmesh-node command line with
// urfave/cli/v2.
//
//   - root.go: application, global flags
//   - run.go: the node daemon
//   - node.go: assembly of heartbeat, transport, domains and admin server
//   - inspect.go: health, nodes and recovery queries against an admin server
//   - version.go: build information
package command
