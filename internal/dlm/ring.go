package dlm

import (
	"encoding/binary"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/pkg/cmap"
)

// ringVirtualNodes is the number of points each member places on the ring.
const ringVirtualNodes = 64

// ring is a consistent hash ring over the domain members. A resource's
// home node arbitrates first mastery of its name.
type ring struct {
	members cluster.NodeMap
	hashes  []uint64
	nodes   map[uint64]cluster.NodeID
}

func newRing(members cluster.NodeMap) *ring {
	r := &ring{
		members: members,
		hashes:  make([]uint64, 0, members.Count()*ringVirtualNodes),
		nodes:   make(map[uint64]cluster.NodeID, members.Count()*ringVirtualNodes),
	}
	members.Each(func(id cluster.NodeID) {
		for i := 0; i < ringVirtualNodes; i++ {
			h := virtualNodeHash(id, i)
			r.nodes[h] = id
			r.hashes = append(r.hashes, h)
		}
	})
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

func virtualNodeHash(id cluster.NodeID, i int) uint64 {
	var buf [5]byte
	buf[0] = byte(id)
	binary.BigEndian.PutUint32(buf[1:], uint32(i))
	return murmur3.Sum64(buf[:])
}

// home returns the member responsible for name, or NodeUnknown on an
// empty ring.
func (r *ring) home(name string) cluster.NodeID {
	if len(r.hashes) == 0 {
		return cluster.NodeUnknown
	}
	h := murmur3.Sum64([]byte(name))
	idx := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.nodes[r.hashes[idx]]
}

// DomainKey returns the handler key used for a domain's messages.
func DomainKey(name string) uint32 {
	return cmap.Hash(name)
}
