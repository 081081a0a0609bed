// Package transport provides node-to-node messaging for a lockmesh
// cluster.
//
// A Manager keeps at most one TCP connection per peer. The node with the
// larger id initiates; the smaller accepts only from peers it already sees
// heartbeating. After a fixed handshake record (protocol version and
// timing parameters) both sides exchange framed messages:
//
//	+-------+-----+------+-----+-----+--------+-----+-------+---------+
//	| magic | len | type | pad | sys | status | key | msgid | payload |
//	+-------+-----+------+-----+-----+--------+-----+-------+---------+
//	   2      2     2      2     4      4       4      4      len
//
// Send is a synchronous RPC: the caller blocks until the peer's handler
// returns a status or the connection to that peer tears down. Handlers are
// registered per (message type, key) and run on the connection's reader
// goroutine, one at a time per peer. A handler must not block on a Send to
// the peer that invoked it; queue that work elsewhere.
//
// Received traffic resets an idle timer; when it fires the peer is
// reported to the cluster.Fencer as suspected and cleared again on the next
// frame. Idle timeouts never close the connection.
package transport
