// Package workload adapts the sharded map to synthetic read/write
// harnesses: a Collection hands out pinned handles, one per worker, and
// every handle operation answers with whether the probed key was
// present.
package workload

import (
	"github.com/nkconnor/sharded/pkg/shardmap"
)

// Collection builds handles over one shared table.
type Collection[K any] interface {
	Pin() Handle[K]
}

// Handle is one worker's view of the table. Handles are cheap to create
// and independent: a worker owns its handle, the table underneath is
// shared. Insert reports that the key was newly added; Get, Remove and
// Update report that it was found.
type Handle[K any] interface {
	Get(key K) bool
	Insert(key K) bool
	Remove(key K) bool
	Update(key K) bool
}

// ShardMap adapts a sharded map to Collection. Values are uint32
// counters: Insert seeds zero and Update increments with wraparound, so
// a run's per-key value equals its observed update count.
type ShardMap[K any] struct {
	m *shardmap.Map[K, uint32]
}

// NewShardMap pre-sizes a collection for capacity entries with the
// default shard count, hashing and locking.
func NewShardMap[K comparable](capacity int) *ShardMap[K] {
	return &ShardMap[K]{m: shardmap.NewWithCapacity[K, uint32](capacity)}
}

// NewShardMapFromConfig builds a collection over an explicitly
// configured map, for runs that swap the hasher, lock or engine.
func NewShardMapFromConfig[K any](cfg shardmap.Config[K, uint32]) *ShardMap[K] {
	return &ShardMap[K]{m: shardmap.NewWithConfig(cfg)}
}

// Pin returns a handle for one worker.
func (c *ShardMap[K]) Pin() Handle[K] {
	return shardMapHandle[K]{m: c.m}
}

// Map exposes the underlying map for inspection after a run.
func (c *ShardMap[K]) Map() *shardmap.Map[K, uint32] {
	return c.m
}

type shardMapHandle[K any] struct {
	m *shardmap.Map[K, uint32]
}

func (h shardMapHandle[K]) Get(key K) bool {
	return h.m.Contains(key)
}

func (h shardMapHandle[K]) Insert(key K) bool {
	_, replaced := h.m.Insert(key, 0)
	return !replaced
}

func (h shardMapHandle[K]) Remove(key K) bool {
	_, ok := h.m.Remove(key)
	return ok
}

func (h shardMapHandle[K]) Update(key K) bool {
	return h.m.Update(key, func(v *uint32) { *v++ })
}
