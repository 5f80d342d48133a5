package shardmap

import (
	"iter"
	"maps"

	"github.com/rs/zerolog/log"

	"github.com/nkconnor/sharded/pkg/hasher"
)

// Source is a bulk of entries with a known size, the shape From needs
// to pre-size shards before distributing.
type Source[K, V any] interface {
	Len() int
	All() iter.Seq2[K, V]
}

// MapSource adapts a builtin map to Source.
type MapSource[K comparable, V any] map[K]V

func (s MapSource[K, V]) Len() int { return len(s) }

func (s MapSource[K, V]) All() iter.Seq2[K, V] { return maps.All(s) }

// SeqSource adapts any sequence with a known size to Source. Size only
// pre-sizes the shards; a sequence that yields more simply grows them.
type SeqSource[K, V any] struct {
	Size int
	Seq  iter.Seq2[K, V]
}

func (s SeqSource[K, V]) Len() int { return s.Size }

func (s SeqSource[K, V]) All() iter.Seq2[K, V] { return s.Seq }

// From builds a map from src in two phases. Phase one distributes every
// entry into bare per-shard engines with no locking: nothing else can
// reach the engines yet, and each is pre-sized for its share of the
// source, rounded up, so distribution does not grow them. Phase two
// wraps the filled engines in fresh locks and assembles the map. A key
// the source yields twice keeps its last value.
func From[K, V any](cfg Config[K, V], src Source[K, V]) *Map[K, V] {
	shards, newEngine := resolve(cfg)
	total := src.Len()
	if cfg.Capacity > total {
		total = cfg.Capacity
	}
	perShard := shardCapacity(total, shards)
	engines := make([]Engine[K, V], shards)
	for i := range engines {
		engines[i] = newEngine(perShard)
	}
	for k, v := range src.All() {
		h := cfg.Hasher.Hash(k)
		i := hasher.Index(h, shards)
		if i < 0 || i >= shards {
			log.Panic().Err(ErrShardIndex).Int("index", i).Int("shards", shards).Msg("shardmap: route out of range")
		}
		engines[i].Insert(h, k, v)
	}
	return assemble(cfg, engines)
}

// FromMap consumes src into a sharded map, keyed and hashed like New.
// Zero shards selects DefaultShardCount. The source map is cleared once
// distributed: after the build the entries live in exactly one place.
func FromMap[K comparable, V any](src map[K]V, shards int) *Map[K, V] {
	m := From(Config[K, V]{
		Shards: shards,
		Hasher: hasher.Comparable[K](),
		Equal:  func(a, b K) bool { return a == b },
	}, MapSource[K, V](src))
	clear(src)
	return m
}
