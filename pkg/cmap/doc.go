// Package cmap provides a sharded concurrent map keyed by string.
//
// Keys are spread over a power-of-two number of shards using MurmurHash3,
// the same hash the lock manager uses to place resources, so a key's
// shard and its bucket index agree across the process.
//
// Usage:
//
//	m := cmap.New[*dlm.Resource]()
//	m.Set("inode:42", res)
//	res, ok := m.Get("inode:42")
//
// All operations are safe for concurrent use. Range acquires the shard
// locks one at a time, so the view it presents is not a snapshot.
package cmap
