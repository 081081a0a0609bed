package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/dlm"
	"github.com/yndnr/lockmesh-go/internal/tests"
)

func startCluster(b *testing.B, size int) *tests.Cluster {
	b.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := tests.StartCluster(ctx, tests.Options{Size: size, Domains: []string{"bench"}})
	if err != nil {
		b.Fatalf("StartCluster() error = %v", err)
	}
	b.Cleanup(func() { c.StopAll() })

	deadline := time.Now().Add(10 * time.Second)
	for _, n := range c.Nodes {
		for n.Domains()[0].Members().Count() != size {
			if time.Now().After(deadline) {
				b.Fatal("domain membership did not converge")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return c
}

// resourceMasteredBy returns a resource name whose master is owner, found
// by locking candidates once.
func resourceMasteredBy(b *testing.B, d *dlm.Domain, owner cluster.NodeID) string {
	b.Helper()
	ctx := context.Background()
	for i := range 1000 {
		name := fmt.Sprintf("res-%d", i)
		h, err := d.Lock(ctx, name, dlm.ModeNL, 0)
		if err != nil {
			b.Fatal(err)
		}
		info, _ := d.Resource(name)
		if err := d.Unlock(ctx, h); err != nil {
			b.Fatal(err)
		}
		if info.Owner == owner {
			return name
		}
	}
	b.Fatalf("no resource mastered by node %d", owner)
	return ""
}

func benchLockUnlock(b *testing.B, d *dlm.Domain, name string) {
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		h, err := d.Lock(ctx, name, dlm.ModeEX, 0)
		if err != nil {
			b.Fatal(err)
		}
		if err := d.Unlock(ctx, h); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLockUnlock_LocalMaster(b *testing.B) {
	c := startCluster(b, 2)
	d := c.Nodes[0].Domains()[0]
	benchLockUnlock(b, d, resourceMasteredBy(b, d, 0))
}

func BenchmarkLockUnlock_RemoteMaster(b *testing.B) {
	c := startCluster(b, 2)
	d := c.Nodes[0].Domains()[0]
	benchLockUnlock(b, d, resourceMasteredBy(b, d, 1))
}

func BenchmarkLockUnlock_Parallel(b *testing.B) {
	for _, size := range []int{2, 3} {
		b.Run(fmt.Sprintf("nodes=%d", size), func(b *testing.B) {
			c := startCluster(b, size)
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					d := c.Nodes[i%size].Domains()[0]
					name := fmt.Sprintf("par-%d", i%64)
					h, err := d.Lock(ctx, name, dlm.ModePR, 0)
					if err != nil {
						b.Error(err)
						return
					}
					if err := d.Unlock(ctx, h); err != nil {
						b.Error(err)
						return
					}
					i++
				}
			})
		})
	}
}
