// Package cluster provides the cluster collaborators the messaging
// transport and lock manager are built on:
//
//   - Registry: static node table (id, name, address) and self identity
//   - NodeMap: fixed-size bitmap of node ids
//   - Heartbeat: node up/down notifications and liveness queries, with an
//     in-process implementation for tests and a memberlist-backed one for
//     deployments
//   - Fencer: sink for the idle-connection suspicion signal
package cluster
