// Package shardmap provides a concurrent map built from a fixed number
// of independently locked shards. Every operation hashes its key once,
// routes to one shard by hash modulo shard count, and takes exactly one
// lock acquisition on that shard, so contention stays proportional to
// how often keys collide on a shard rather than to total throughput.
//
// The shard lock, the per-shard storage engine, and the hash function
// are all injected at construction. Defaults are sync.RWMutex, an open
// addressing table, and runtime seeded hashing for comparable keys.
package shardmap

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/cpu"

	"github.com/nkconnor/sharded/internal/table"
	"github.com/nkconnor/sharded/pkg/hasher"
	"github.com/nkconnor/sharded/pkg/locks"
)

// DefaultShardCount is used when a constructor or Config leaves the
// shard count unset.
const DefaultShardCount = 128

var (
	// ErrShardCount rejects construction with fewer than one shard.
	ErrShardCount = fmt.Errorf("shardmap: shard count must be at least one")
	// ErrShardIndex reports a routed shard index outside the shard slice.
	ErrShardIndex = fmt.Errorf("shardmap: shard index out of range")
	// ErrDrained reports use of a map whose entries were already drained.
	ErrDrained = fmt.Errorf("shardmap: map already drained")
	// ErrWouldBlock reports a try operation that found the shard lock held.
	ErrWouldBlock = fmt.Errorf("shardmap: shard lock unavailable")
	// ErrNoHasher rejects a Config without a hasher.
	ErrNoHasher = fmt.Errorf("shardmap: config requires a hasher")
	// ErrNoEqual rejects a Config with neither an equality function nor
	// a custom engine.
	ErrNoEqual = fmt.Errorf("shardmap: config requires an equality function or an engine")
)

// Engine is the storage behind one shard. Implementations are not safe
// for concurrent use; the map serializes access through the shard lock.
// Hashes arrive precomputed so an engine never hashes keys itself, and
// Insert replaces in place, returning the previous value when the key
// was already present.
type Engine[K, V any] interface {
	Insert(hash uint64, key K, value V) (V, bool)
	Get(hash uint64, key K) (*V, bool)
	Remove(hash uint64, key K) (V, bool)
	Len() int
	Cap() int
	Drain(yield func(K, V) bool)
}

// EngineFunc builds one shard engine pre-sized for capacity entries.
type EngineFunc[K, V any] func(capacity int) Engine[K, V]

// OpenAddressed returns the default engine, a linear probing table that
// resolves key identity with equal.
func OpenAddressed[K, V any](equal func(K, K) bool) EngineFunc[K, V] {
	return func(capacity int) Engine[K, V] { return table.New[K, V](capacity, equal) }
}

// GoMap returns an engine backed by the builtin map. It ignores the
// precomputed hashes and needs comparable keys; it exists for workloads
// that want the runtime map's behavior behind the same sharding.
func GoMap[K comparable, V any]() EngineFunc[K, V] {
	return func(capacity int) Engine[K, V] { return table.NewStd[K, V](capacity) }
}

// Config assembles a Map. The zero value of each optional field selects
// the default documented on it.
type Config[K, V any] struct {
	// Shards fixes the shard count for the life of the map. Zero selects
	// DefaultShardCount; negative counts are fatal.
	Shards int

	// Capacity pre-sizes the map for this many entries spread evenly
	// across shards, rounding the per-shard share up.
	Capacity int

	// Hasher routes keys to shards and positions them inside a shard.
	// Required.
	Hasher hasher.Hasher[K]

	// Equal decides key identity in the default engine. Ignored when
	// NewEngine is set.
	Equal func(K, K) bool

	// NewEngine overrides the per-shard storage engine.
	NewEngine EngineFunc[K, V]

	// NewLock overrides the per-shard lock. Nil selects sync.RWMutex.
	NewLock func() locks.RW

	// StatsInterval starts a background reporter that snapshots the
	// shard counters every interval. Zero disables it.
	StatsInterval time.Duration

	// StatsLog makes the reporter emit an info line per tick.
	StatsLog bool

	// Metrics receives the reporter's snapshots.
	Metrics MetricsRecorder
}

// Map is a sharded concurrent hash map. The shard count is fixed at
// construction and keys never migrate between shards, so the key to
// shard mapping stays stable for the life of the map.
type Map[K, V any] struct {
	shards   []shard[K, V]
	hash     hasher.Hasher[K]
	drained  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	metrics  MetricsRecorder
	statsLog bool
}

// shard pads to a cache line so the lock words of neighboring shards do
// not share one.
type shard[K, V any] struct {
	data  *locks.Locked[Engine[K, V]]
	stats shardStats
	_     cpu.CacheLinePad
}

// New returns an empty map with DefaultShardCount shards for any
// comparable key type, hashed with a per-map random seed.
func New[K comparable, V any]() *Map[K, V] {
	return NewWithCapacity[K, V](0)
}

// NewWithCapacity pre-sizes the map for capacity entries.
func NewWithCapacity[K comparable, V any](capacity int) *Map[K, V] {
	return NewWithShards[K, V](DefaultShardCount, capacity)
}

// NewWithShards fixes the shard count explicitly. Counts below one are
// fatal: a map with no shards has nowhere to route.
func NewWithShards[K comparable, V any](shards, capacity int) *Map[K, V] {
	if shards < 1 {
		log.Panic().Err(ErrShardCount).Int("shards", shards).Msg("shardmap: bad construction")
	}
	return NewWithConfig(Config[K, V]{
		Shards:   shards,
		Capacity: capacity,
		Hasher:   hasher.Comparable[K](),
		Equal:    func(a, b K) bool { return a == b },
	})
}

// NewWithConfig builds a map from explicit configuration. A negative
// shard count, a missing hasher, or a missing equality function without
// a custom engine is fatal.
func NewWithConfig[K, V any](cfg Config[K, V]) *Map[K, V] {
	shards, newEngine := resolve(cfg)
	perShard := shardCapacity(cfg.Capacity, shards)
	engines := make([]Engine[K, V], shards)
	for i := range engines {
		engines[i] = newEngine(perShard)
	}
	return assemble(cfg, engines)
}

// resolve applies Config defaults and rejects configurations no map can
// be built from.
func resolve[K, V any](cfg Config[K, V]) (int, EngineFunc[K, V]) {
	shards := cfg.Shards
	if shards == 0 {
		shards = DefaultShardCount
	}
	if shards < 0 {
		log.Panic().Err(ErrShardCount).Int("shards", cfg.Shards).Msg("shardmap: bad construction")
	}
	if cfg.Hasher == nil {
		log.Panic().Err(ErrNoHasher).Msg("shardmap: bad construction")
	}
	newEngine := cfg.NewEngine
	if newEngine == nil {
		if cfg.Equal == nil {
			log.Panic().Err(ErrNoEqual).Msg("shardmap: bad construction")
		}
		newEngine = OpenAddressed[K, V](cfg.Equal)
	}
	return shards, newEngine
}

// shardCapacity spreads a total entry count across shards, rounding up
// so the shards together hold the whole total without growing.
func shardCapacity(total, shards int) int {
	if total <= 0 {
		return 0
	}
	return (total + shards - 1) / shards
}

// assemble wraps pre-built engines in fresh locks and starts the stats
// reporter when configured. Engines arrive unlocked; bulk construction
// fills them without synchronization before this point.
func assemble[K, V any](cfg Config[K, V], engines []Engine[K, V]) *Map[K, V] {
	newLock := cfg.NewLock
	if newLock == nil {
		newLock = locks.NewMutex
	}
	m := &Map[K, V]{
		shards:   make([]shard[K, V], len(engines)),
		hash:     cfg.Hasher,
		stopCh:   make(chan struct{}),
		metrics:  cfg.Metrics,
		statsLog: cfg.StatsLog,
	}
	for i, eng := range engines {
		m.shards[i].data = locks.NewLocked(eng, newLock())
	}
	if cfg.StatsInterval > 0 && (cfg.StatsLog || cfg.Metrics != nil) {
		go m.reportStats(cfg.StatsInterval)
	}
	return m
}

// Shards returns the fixed shard count.
func (m *Map[K, V]) Shards() int {
	return len(m.shards)
}

// shardFor routes a hash to its shard. The modulo keeps the index in
// range for any hash; an index that still escapes the slice means the
// map's own state is corrupt, which is not recoverable.
func (m *Map[K, V]) shardFor(h uint64) *shard[K, V] {
	i := hasher.Index(h, len(m.shards))
	if i < 0 || i >= len(m.shards) {
		log.Panic().Err(ErrShardIndex).Int("index", i).Int("shards", len(m.shards)).Msg("shardmap: route out of range")
	}
	return &m.shards[i]
}

// readEngine acquires shared access to a shard's engine. Access to a
// drained map is fatal: the flag rejects every operation issued after
// Drain was called, the nil engine catches shards the drain sequence
// already stole.
func (m *Map[K, V]) readEngine(s *shard[K, V]) (Engine[K, V], locks.ReadGuard[Engine[K, V]]) {
	if m.drained.Load() {
		log.Panic().Err(ErrDrained).Msg("shardmap: access after drain")
	}
	g := s.data.Read()
	eng := *g.Value()
	if eng == nil {
		g.Release()
		log.Panic().Err(ErrDrained).Msg("shardmap: access after drain")
	}
	return eng, g
}

// writeEngine is readEngine for exclusive access.
func (m *Map[K, V]) writeEngine(s *shard[K, V]) (Engine[K, V], locks.WriteGuard[Engine[K, V]]) {
	if m.drained.Load() {
		log.Panic().Err(ErrDrained).Msg("shardmap: access after drain")
	}
	g := s.data.Write()
	eng := *g.Value()
	if eng == nil {
		g.Release()
		log.Panic().Err(ErrDrained).Msg("shardmap: access after drain")
	}
	return eng, g
}

func (m *Map[K, V]) tryReadEngine(s *shard[K, V]) (Engine[K, V], locks.ReadGuard[Engine[K, V]], bool) {
	if m.drained.Load() {
		log.Panic().Err(ErrDrained).Msg("shardmap: access after drain")
	}
	g, ok := s.data.TryRead()
	if !ok {
		s.stats.contended.Add(1)
		return nil, g, false
	}
	eng := *g.Value()
	if eng == nil {
		g.Release()
		log.Panic().Err(ErrDrained).Msg("shardmap: access after drain")
	}
	return eng, g, true
}

func (m *Map[K, V]) tryWriteEngine(s *shard[K, V]) (Engine[K, V], locks.WriteGuard[Engine[K, V]], bool) {
	if m.drained.Load() {
		log.Panic().Err(ErrDrained).Msg("shardmap: access after drain")
	}
	g, ok := s.data.TryWrite()
	if !ok {
		s.stats.contended.Add(1)
		return nil, g, false
	}
	eng := *g.Value()
	if eng == nil {
		g.Release()
		log.Panic().Err(ErrDrained).Msg("shardmap: access after drain")
	}
	return eng, g, true
}

// Guarded hands out a value reference together with the shard lock that
// keeps it valid. Release it exactly once, and hold it with defer when
// the code in between can panic: a panic unwinding through a deferred
// write-guarded Release poisons the shard before re-panicking. The zero
// Guarded, returned on a miss, releases as a no-op.
type Guarded[V any] struct {
	value   *V
	release func()
	poison  func()
}

// Value returns the guarded reference. It must not be used after
// Release, and a read-guarded reference must not be written through.
func (g Guarded[V]) Value() *V {
	return g.value
}

// Release returns the shard lock.
func (g Guarded[V]) Release() {
	if g.release == nil {
		return
	}
	if r := recover(); r != nil {
		if g.poison != nil {
			g.poison()
		} else {
			g.release()
		}
		panic(r)
	}
	g.release()
}

// Get returns a read-guarded reference to the value under key. The
// shard stays read locked until Release: other readers proceed, writers
// wait. Prefer Load when a copy of the value is enough.
func (m *Map[K, V]) Get(key K) (Guarded[V], bool) {
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g := m.readEngine(sh)
	p, ok := eng.Get(h, key)
	if !ok {
		g.Release()
		sh.stats.lookup(false)
		return Guarded[V]{}, false
	}
	sh.stats.lookup(true)
	return Guarded[V]{value: p, release: g.Release}, true
}

// GetMut returns a write-guarded reference to the value under key. The
// shard stays exclusively locked until Release.
func (m *Map[K, V]) GetMut(key K) (Guarded[V], bool) {
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g := m.writeEngine(sh)
	p, ok := eng.Get(h, key)
	if !ok {
		g.Release()
		sh.stats.lookup(false)
		return Guarded[V]{}, false
	}
	sh.stats.lookup(true)
	return Guarded[V]{value: p, release: g.Release, poison: g.Poison}, true
}

// Load returns a copy of the value under key.
func (m *Map[K, V]) Load(key K) (V, bool) {
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g := m.readEngine(sh)
	p, ok := eng.Get(h, key)
	var v V
	if ok {
		v = *p
	}
	g.Release()
	sh.stats.lookup(ok)
	return v, ok
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(key K) bool {
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g := m.readEngine(sh)
	_, ok := eng.Get(h, key)
	g.Release()
	sh.stats.lookup(ok)
	return ok
}

// Insert stores value under key and returns the value it replaced.
// Replacement happens in place: the entry keeps its slot and the shard
// keeps its size.
func (m *Map[K, V]) Insert(key K, value V) (V, bool) {
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g := m.writeEngine(sh)
	prev, replaced := eng.Insert(h, key, value)
	g.Release()
	sh.stats.insert(replaced)
	return prev, replaced
}

// Remove deletes key and returns the value it held.
func (m *Map[K, V]) Remove(key K) (V, bool) {
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g := m.writeEngine(sh)
	prev, ok := eng.Remove(h, key)
	g.Release()
	sh.stats.remove(ok)
	return prev, ok
}

// Update runs fn on the value under key while the shard is exclusively
// locked, and reports whether the key was present. A panic inside fn
// poisons the shard.
func (m *Map[K, V]) Update(key K, fn func(*V)) bool {
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g := m.writeEngine(sh)
	defer g.Release()
	p, ok := eng.Get(h, key)
	if ok {
		fn(p)
	}
	sh.stats.update(ok)
	return ok
}

// TryLoad is Load without blocking: when the shard lock is unavailable
// it reports ErrWouldBlock instead of waiting. The bool still means
// present, so a missing key with a free lock is (zero, false, nil).
func (m *Map[K, V]) TryLoad(key K) (V, bool, error) {
	var v V
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g, ok := m.tryReadEngine(sh)
	if !ok {
		return v, false, ErrWouldBlock
	}
	p, found := eng.Get(h, key)
	if found {
		v = *p
	}
	g.Release()
	sh.stats.lookup(found)
	return v, found, nil
}

// TryInsert is Insert without blocking.
func (m *Map[K, V]) TryInsert(key K, value V) (V, bool, error) {
	var prev V
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g, ok := m.tryWriteEngine(sh)
	if !ok {
		return prev, false, ErrWouldBlock
	}
	prev, replaced := eng.Insert(h, key, value)
	g.Release()
	sh.stats.insert(replaced)
	return prev, replaced, nil
}

// TryRemove is Remove without blocking.
func (m *Map[K, V]) TryRemove(key K) (V, bool, error) {
	var prev V
	h := m.hash.Hash(key)
	sh := m.shardFor(h)
	eng, g, ok := m.tryWriteEngine(sh)
	if !ok {
		return prev, false, ErrWouldBlock
	}
	prev, removed := eng.Remove(h, key)
	g.Release()
	sh.stats.remove(removed)
	return prev, removed, nil
}

// Len sums the shard sizes, locking shards one at a time. Under
// concurrent writers the total is a point-in-time approximation, not a
// linearizable snapshot.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		eng, g := m.readEngine(&m.shards[i])
		n += eng.Len()
		g.Release()
	}
	return n
}

// IsEmpty reports whether Len observed no entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.Len() == 0
}

// Capacity extrapolates from the first shard: every shard shares one
// pre-size and one growth policy, so representative times shard count
// avoids locking all of them. The result is a lower bound on how many
// entries fit without growing.
func (m *Map[K, V]) Capacity() int {
	eng, g := m.readEngine(&m.shards[0])
	c := eng.Cap()
	g.Release()
	return c * len(m.shards)
}

// Drain consumes the map shard by shard, yielding every entry exactly
// once in no particular order. The map is terminal from the moment
// Drain returns: every other operation, and a second Drain, fails
// loudly with ErrDrained whether or not the sequence has been
// consumed. Each engine is stolen under its write lock and iterated
// unlocked, so a slow consumer never holds a shard against concurrent
// operations; stopping early just leaves the remaining entries
// unyielded.
func (m *Map[K, V]) Drain() iter.Seq2[K, V] {
	if !m.drained.CompareAndSwap(false, true) {
		log.Panic().Err(ErrDrained).Msg("shardmap: drain after drain")
	}
	m.Close()
	return func(yield func(K, V) bool) {
		for i := range m.shards {
			sh := &m.shards[i]
			g := sh.data.Write()
			eng := *g.Value()
			*g.Value() = nil
			g.Release()
			if eng == nil {
				log.Panic().Err(ErrDrained).Msg("shardmap: drain sequence reused")
			}
			stopped := false
			eng.Drain(func(k K, v V) bool {
				if !yield(k, v) {
					stopped = true
					return false
				}
				return true
			})
			if stopped {
				return
			}
		}
	}
}

// Close stops the background stats reporter, if one was configured. It
// is idempotent and leaves the map usable; Drain calls it on the way
// out.
func (m *Map[K, V]) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
