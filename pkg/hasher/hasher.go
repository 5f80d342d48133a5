package hasher

import (
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"
)

// Hasher computes the 64-bit hash a container uses for both shard routing
// and slot placement inside each shard. Implementations must be safe for
// concurrent use and must return the same value for the same key for as
// long as the container they were handed to is alive.
type Hasher[K any] interface {
	Hash(key K) uint64
}

// Index maps a key hash onto one of n shards. It is a pure function of its
// arguments: the same hash and n always produce the same index in [0, n).
// n must be positive. Index performs no validation of its own; containers
// reject non-positive shard counts at construction, before ever routing.
func Index(hash uint64, n int) int {
	return int(hash % uint64(n))
}

// Comparable returns a freshly seeded Hasher for any comparable key type.
// It is the default used by containers when no Hasher is configured. A new
// seed is drawn per call, so two containers built this way route the same
// key to different shards.
func Comparable[K comparable]() Hasher[K] {
	return seeded[K]{seed: maphash.MakeSeed()}
}

// ComparableSeeded is Comparable with a caller-controlled seed, for
// reproducible shard placement.
func ComparableSeeded[K comparable](seed maphash.Seed) Hasher[K] {
	return seeded[K]{seed: seed}
}

type seeded[K comparable] struct {
	seed maphash.Seed
}

func (h seeded[K]) Hash(key K) uint64 {
	return maphash.Comparable(h.seed, key)
}

// XXHash returns a string Hasher backed by xxHash64.
func XXHash() Hasher[string] {
	return xxhashString{}
}

// XXHashSeeded folds a caller seed into xxHash64.
func XXHashSeeded(seed uint64) Hasher[string] {
	return xxhashString{seed: seed}
}

type xxhashString struct {
	seed uint64
}

func (h xxhashString) Hash(key string) uint64 {
	return xxhash.Sum64String(key) ^ h.seed
}

// XXH3 returns a string Hasher backed by XXH3.
func XXH3() Hasher[string] {
	return xxh3String{}
}

type xxh3String struct{}

func (xxh3String) Hash(key string) uint64 {
	return xxh3.HashString(key)
}

// Murmur3 returns a string Hasher backed by murmur3's 64-bit sum.
func Murmur3() Hasher[string] {
	return murmurString{}
}

// Murmur3Seeded folds a caller seed into the murmur3 sum.
func Murmur3Seeded(seed uint64) Hasher[string] {
	return murmurString{seed: seed}
}

type murmurString struct {
	seed uint64
}

func (h murmurString) Hash(key string) uint64 {
	return murmur3.Sum64([]byte(key)) ^ h.seed
}

// Func adapts a plain function into a Hasher. Handy for tests that need
// deterministic shard placement and for callers with their own hash.
func Func[K any](fn func(K) uint64) Hasher[K] {
	return funcHasher[K](fn)
}

type funcHasher[K any] func(K) uint64

func (f funcHasher[K]) Hash(key K) uint64 {
	return f(key)
}
