package workload

import (
	"encoding/binary"

	"github.com/coocood/freecache"
)

// FreeCache adapts a freecache segment cache to Collection as a
// comparison baseline. Presence semantics match ShardMap, with one
// caveat: freecache may evict entries under memory pressure, which a
// run observes as extra misses.
type FreeCache struct {
	c *freecache.Cache
}

// NewFreeCache sizes the cache in bytes; freecache rounds small sizes
// up to its own minimum.
func NewFreeCache(sizeBytes int) *FreeCache {
	return &FreeCache{c: freecache.NewCache(sizeBytes)}
}

func (f *FreeCache) Pin() Handle[uint64] {
	return freeCacheHandle{c: f.c}
}

// Len reports the live entry count.
func (f *FreeCache) Len() int64 {
	return f.c.EntryCount()
}

type freeCacheHandle struct {
	c *freecache.Cache
}

func freeCacheKey(key uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return b[:]
}

func (h freeCacheHandle) Get(key uint64) bool {
	_, err := h.c.Get(freeCacheKey(key))
	return err == nil
}

func (h freeCacheHandle) Insert(key uint64) bool {
	k := freeCacheKey(key)
	if _, err := h.c.Get(k); err == nil {
		return false
	}
	var v [4]byte
	_ = h.c.Set(k, v[:], 0)
	return true
}

func (h freeCacheHandle) Remove(key uint64) bool {
	return h.c.Del(freeCacheKey(key))
}

func (h freeCacheHandle) Update(key uint64) bool {
	k := freeCacheKey(key)
	v, err := h.c.Get(k)
	if err != nil || len(v) != 4 {
		return false
	}
	binary.LittleEndian.PutUint32(v, binary.LittleEndian.Uint32(v)+1)
	_ = h.c.Set(k, v, 0)
	return true
}
