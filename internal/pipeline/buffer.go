// -------------------------------------------------------------------------------
// Buffer - Sharded Concurrent Delta Map
//
// Author: Alex Freidah
//
// Holds counts that have left an actor's private map but are not yet durable.
// Any goroutine may read a key; only the owning actor's fast flush adds and
// only the durability flusher subtracts. Keys are spread over mutex-guarded
// shards selected by an allocation-free FNV-1a hash so hot keys only contend
// with their own shard.
// -------------------------------------------------------------------------------

package pipeline

import (
	"log/slog"
	"sync"
)

const defaultShardCount = 32

// Buffer is a sharded map of pending deltas.
type Buffer[K comparable] struct {
	shards []*bufferShard[K]
	mask   uint32
	hash   func(K) uint32
}

type bufferShard[K comparable] struct {
	mu      sync.Mutex
	entries map[K]uint64
}

// NewBuffer creates a buffer with shardCount shards (rounded up to a power
// of two). hash selects the shard for a key.
func NewBuffer[K comparable](shardCount int, hash func(K) uint32) *Buffer[K] {
	n := 1
	for n < shardCount {
		n <<= 1
	}
	if shardCount <= 0 {
		n = defaultShardCount
	}
	shards := make([]*bufferShard[K], n)
	for i := range shards {
		shards[i] = &bufferShard[K]{entries: make(map[K]uint64)}
	}
	return &Buffer[K]{shards: shards, mask: uint32(n - 1), hash: hash}
}

// NewStringBuffer creates a buffer keyed by short code.
func NewStringBuffer(shardCount int) *Buffer[string] {
	return NewBuffer(shardCount, HashString)
}

// HashString is inline FNV-1a over the key bytes.
func HashString(key string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h
}

func (b *Buffer[K]) shard(key K) *bufferShard[K] {
	return b.shards[b.hash(key)&b.mask]
}

// Add adds delta to key.
func (b *Buffer[K]) Add(key K, delta uint64) {
	if delta == 0 {
		return
	}
	s := b.shard(key)
	s.mu.Lock()
	s.entries[key] += delta
	s.mu.Unlock()
}

// Merge adds every delta in batch, locking each shard once.
func (b *Buffer[K]) Merge(batch map[K]uint64) {
	byShard := make(map[*bufferShard[K]][]K)
	for k, d := range batch {
		if d == 0 {
			continue
		}
		s := b.shard(k)
		byShard[s] = append(byShard[s], k)
	}
	for s, keys := range byShard {
		s.mu.Lock()
		for _, k := range keys {
			s.entries[k] += batch[k]
		}
		s.mu.Unlock()
	}
}

// Get returns the pending delta for key.
func (b *Buffer[K]) Get(key K) uint64 {
	s := b.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

// Snapshot copies every pending delta without clearing it. Values added after
// a shard is copied belong to the next snapshot.
func (b *Buffer[K]) Snapshot() map[K]uint64 {
	out := make(map[K]uint64)
	for _, s := range b.shards {
		s.mu.Lock()
		for k, v := range s.entries {
			out[k] = v
		}
		s.mu.Unlock()
	}
	return out
}

// Subtract removes exactly the persisted deltas. Deltas merged in since the
// snapshot survive; a key reaching zero is deleted.
func (b *Buffer[K]) Subtract(persisted map[K]uint64) {
	for k, d := range persisted {
		s := b.shard(k)
		s.mu.Lock()
		cur := s.entries[k]
		switch {
		case d < cur:
			s.entries[k] = cur - d
		case d == cur:
			delete(s.entries, k)
		default:
			// Only this buffer's own snapshot is ever subtracted, so this
			// means a second flusher is running.
			delete(s.entries, k)
			slog.Error("Buffer subtract exceeds pending delta", "pending", cur, "persisted", d)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of keys with pending deltas.
func (b *Buffer[K]) Len() int {
	n := 0
	for _, s := range b.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Total returns the sum of all pending deltas.
func (b *Buffer[K]) Total() uint64 {
	var n uint64
	for _, s := range b.shards {
		s.mu.Lock()
		for _, v := range s.entries {
			n += v
		}
		s.mu.Unlock()
	}
	return n
}
