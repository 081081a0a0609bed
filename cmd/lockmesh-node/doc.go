// Package main provides the entry point for lockmesh-node.
//
// lockmesh-node runs a member of a lockmesh cluster: the node-to-node
// transport, the distributed lock domains it is configured for, and the
// admin HTTP server. The same binary inspects a running node:
//
//	lockmesh-node run --config /etc/lockmesh/node.yaml
//	lockmesh-node --admin 10.0.0.1:7946 nodes
//	lockmesh-node recovery orders -o json
//	lockmesh-node version
package main
