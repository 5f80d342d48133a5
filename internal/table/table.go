// Package table implements the per-shard storage engines. Callers hash keys
// before reaching a table; every operation takes the precomputed hash along
// with the key so one equality closure serves insert, get and remove.
package table

import (
	"github.com/rs/zerolog/log"
)

const (
	slotEmpty uint8 = iota
	slotFull
	slotDeleted
)

// minSlots keeps the probe arithmetic away from degenerate sizes.
const minSlots = 8

// Table is an open-addressing hash table with linear probing and tombstoned
// deletes. The slot count is always a power of two. Growth triggers when
// live entries plus tombstones pass 3/4 occupancy; a rehash with little live
// data keeps the same size and only clears tombstones.
type Table[K, V any] struct {
	ctrl    []uint8
	entries []entry[K, V]
	live    int
	dead    int
	mask    uint64
	equal   func(K, K) bool
}

type entry[K, V any] struct {
	hash  uint64
	key   K
	value V
}

// New returns a table that will hold capacity entries without growing.
// equal decides key identity; it is consulted only after the stored 64-bit
// hash matches.
func New[K, V any](capacity int, equal func(K, K) bool) *Table[K, V] {
	if equal == nil {
		log.Panic().Msg("table: nil equality function")
	}
	slots := minSlots
	for slots*3/4 < capacity {
		slots <<= 1
	}
	return &Table[K, V]{
		ctrl:    make([]uint8, slots),
		entries: make([]entry[K, V], slots),
		mask:    uint64(slots - 1),
		equal:   equal,
	}
}

// Insert stores value under key. If an equal key is already present its
// value is replaced in place and the previous value returned.
func (t *Table[K, V]) Insert(hash uint64, key K, value V) (V, bool) {
	var zero V
	i := hash & t.mask
	reuse := -1
	for {
		switch t.ctrl[i] {
		case slotEmpty:
			if reuse >= 0 {
				t.ctrl[reuse] = slotFull
				t.entries[reuse] = entry[K, V]{hash: hash, key: key, value: value}
				t.live++
				t.dead--
				return zero, false
			}
			if t.live+t.dead+1 > t.threshold() {
				t.rehash()
				i = hash & t.mask
				for t.ctrl[i] == slotFull {
					i = (i + 1) & t.mask
				}
			}
			t.ctrl[i] = slotFull
			t.entries[i] = entry[K, V]{hash: hash, key: key, value: value}
			t.live++
			return zero, false
		case slotDeleted:
			if reuse < 0 {
				reuse = int(i)
			}
		case slotFull:
			e := &t.entries[i]
			if e.hash == hash && t.equal(e.key, key) {
				prev := e.value
				e.value = value
				return prev, true
			}
		}
		i = (i + 1) & t.mask
	}
}

// Get returns a pointer to the value stored under key. The pointer is only
// valid until the next mutation of the table.
func (t *Table[K, V]) Get(hash uint64, key K) (*V, bool) {
	if i := t.find(hash, key); i >= 0 {
		return &t.entries[i].value, true
	}
	return nil, false
}

// Remove deletes the entry for key and returns its value. The slot becomes
// a tombstone; the table never shrinks on its own.
func (t *Table[K, V]) Remove(hash uint64, key K) (V, bool) {
	var zero V
	i := t.find(hash, key)
	if i < 0 {
		return zero, false
	}
	value := t.entries[i].value
	t.ctrl[i] = slotDeleted
	t.entries[i] = entry[K, V]{}
	t.live--
	t.dead++
	return value, true
}

// Len reports the number of live entries.
func (t *Table[K, V]) Len() int {
	return t.live
}

// IsEmpty reports whether the table holds no live entries.
func (t *Table[K, V]) IsEmpty() bool {
	return t.live == 0
}

// Cap reports how many entries the table holds before the next growth.
func (t *Table[K, V]) Cap() int {
	return t.threshold()
}

// Drain yields every live entry exactly once, consuming it. Entries already
// yielded stay consumed even if yield stops early, so a second Drain sees
// nothing they covered.
func (t *Table[K, V]) Drain(yield func(K, V) bool) {
	for i := range t.ctrl {
		if t.ctrl[i] != slotFull {
			continue
		}
		e := t.entries[i]
		t.ctrl[i] = slotDeleted
		t.entries[i] = entry[K, V]{}
		t.live--
		t.dead++
		if !yield(e.key, e.value) {
			return
		}
	}
}

func (t *Table[K, V]) threshold() int {
	return len(t.entries) * 3 / 4
}

func (t *Table[K, V]) find(hash uint64, key K) int {
	i := hash & t.mask
	for {
		switch t.ctrl[i] {
		case slotEmpty:
			return -1
		case slotFull:
			e := &t.entries[i]
			if e.hash == hash && t.equal(e.key, key) {
				return int(i)
			}
		}
		i = (i + 1) & t.mask
	}
}

// rehash reinserts every live entry into a fresh slot array, dropping all
// tombstones. Stored hashes make this possible without touching the keys.
func (t *Table[K, V]) rehash() {
	slots := len(t.entries)
	if t.live+1 > slots*3/8 {
		slots <<= 1
	}
	oldCtrl, oldEntries := t.ctrl, t.entries
	t.ctrl = make([]uint8, slots)
	t.entries = make([]entry[K, V], slots)
	t.mask = uint64(slots - 1)
	t.dead = 0
	for i := range oldCtrl {
		if oldCtrl[i] != slotFull {
			continue
		}
		e := &oldEntries[i]
		j := e.hash & t.mask
		for t.ctrl[j] == slotFull {
			j = (j + 1) & t.mask
		}
		t.ctrl[j] = slotFull
		t.entries[j] = *e
	}
}
