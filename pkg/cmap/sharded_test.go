package cmap

import (
	"fmt"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	m := New[int]()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if len(m.shards) != DefaultShardCount {
		t.Errorf("shard count = %d, want %d", len(m.shards), DefaultShardCount)
	}
}

func TestNewWithShards(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, DefaultShardCount},
		{-1, DefaultShardCount},
		{3, DefaultShardCount},
		{1, 1},
		{2, 2},
		{8, 8},
		{32, 32},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("shards=%d", tt.input), func(t *testing.T) {
			m := NewWithShards[int](tt.input)
			if len(m.shards) != tt.expected {
				t.Errorf("NewWithShards(%d) shard count = %d, want %d",
					tt.input, len(m.shards), tt.expected)
			}
		})
	}
}

func TestSetGetDelete(t *testing.T) {
	m := New[int]()

	m.Set("key1", 100)
	m.Set("key2", 200)

	if v, ok := m.Get("key1"); !ok || v != 100 {
		t.Errorf("Get(key1) = (%d, %v), want (100, true)", v, ok)
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}

	m.Delete("key1")
	if m.Has("key1") {
		t.Error("key1 still present after Delete")
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) reported ok")
	}
}

func TestGetOrSet(t *testing.T) {
	m := New[int]()
	calls := 0
	create := func() int {
		calls++
		return 7
	}

	v, existed := m.GetOrSet("k", create)
	if existed || v != 7 {
		t.Errorf("first GetOrSet = (%d, %v), want (7, false)", v, existed)
	}
	v, existed = m.GetOrSet("k", create)
	if !existed || v != 7 {
		t.Errorf("second GetOrSet = (%d, %v), want (7, true)", v, existed)
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
}

func TestDeleteIfAndPop(t *testing.T) {
	m := New[int]()
	m.Set("a", 1)

	if m.DeleteIf("a", func(v int) bool { return v == 2 }) {
		t.Error("DeleteIf removed a non-matching value")
	}
	if !m.DeleteIf("a", func(v int) bool { return v == 1 }) {
		t.Error("DeleteIf did not remove a matching value")
	}

	m.Set("b", 2)
	if v, ok := m.Pop("b"); !ok || v != 2 {
		t.Errorf("Pop(b) = (%d, %v), want (2, true)", v, ok)
	}
	if _, ok := m.Pop("b"); ok {
		t.Error("second Pop(b) reported ok")
	}
}

func TestRangeStops(t *testing.T) {
	m := New[int]()
	for i := 0; i < 50; i++ {
		m.Set(fmt.Sprintf("k%d", i), i)
	}

	seen := 0
	m.Range(func(string, int) bool {
		seen++
		return seen < 10
	})
	if seen != 10 {
		t.Errorf("Range visited %d items, want 10", seen)
	}
	if len(m.Values()) != 50 {
		t.Errorf("Values() len = %d, want 50", len(m.Values()))
	}
}

func TestHashStable(t *testing.T) {
	if Hash("inode:1") != Hash("inode:1") {
		t.Fatal("Hash is not deterministic")
	}
	if Hash("inode:1") == Hash("inode:2") {
		t.Log("hash collision on adjacent keys")
	}
}

func TestHashKnownValues(t *testing.T) {
	tests := []struct {
		key  string
		want uint32
	}{
		{"", 0},
		{"hello", 0x248bfa47},
		{"The quick brown fox jumps over the lazy dog", 0x2e4ff723},
	}
	for _, tt := range tests {
		if got := Hash(tt.key); got != tt.want {
			t.Errorf("Hash(%q) = %#x, want %#x", tt.key, got, tt.want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("g%d-%d", g, i)
				m.Set(key, i)
				m.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if m.Count() != 1600 {
		t.Errorf("Count() = %d, want 1600", m.Count())
	}
}
