// Package metrics turns the cumulative counters a sharded map reports
// into per-tick rates and running averages for consumers that poll.
package metrics

import (
	"sync"
)

// Collector receives the map reporter's periodic snapshots. Its method
// set matches the map's recorder interface structurally, so wiring it
// up is a single config field.
//
// Snapshots arrive as cumulative totals; the collector differences
// consecutive ones, so the lookup and mutation series hold per-tick
// rates while hit rate and occupancy hold levels.
type Collector struct {
	mu            sync.Mutex
	seenLookups   uint64
	seenMutations uint64

	hitRate   Averager
	lookups   Averager
	mutations Averager
	entries   Averager

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewCollector() *Collector {
	return &Collector{stopCh: make(chan struct{})}
}

func (c *Collector) RecordLookups(hits, misses uint64) {
	total := hits + misses
	c.mu.Lock()
	delta := total - c.seenLookups
	c.seenLookups = total
	c.mu.Unlock()

	c.lookups.Add(float64(delta))
	if total > 0 {
		c.hitRate.Add(float64(hits) / float64(total))
	}
}

func (c *Collector) RecordMutations(inserts, updates, removes uint64) {
	total := inserts + updates + removes
	c.mu.Lock()
	delta := total - c.seenMutations
	c.seenMutations = total
	c.mu.Unlock()

	c.mutations.Add(float64(delta))
}

func (c *Collector) RecordOccupancy(entries, shards int) {
	c.entries.Add(float64(entries))
}

// HitRate is the share of lookups that found their key, as of the last
// snapshot.
func (c *Collector) HitRate() float64 {
	return c.hitRate.Latest()
}

// AverageHitRate averages the hit rate over every snapshot received.
func (c *Collector) AverageHitRate() float64 {
	return c.hitRate.Average()
}

// LookupsPerTick is the number of lookups between the last two
// snapshots.
func (c *Collector) LookupsPerTick() float64 {
	return c.lookups.Latest()
}

// MutationsPerTick is the number of mutations between the last two
// snapshots.
func (c *Collector) MutationsPerTick() float64 {
	return c.mutations.Latest()
}

// Entries is the occupancy reported by the last snapshot.
func (c *Collector) Entries() float64 {
	return c.entries.Latest()
}

// Ticks is the number of snapshots received.
func (c *Collector) Ticks() int64 {
	return c.entries.Count()
}

// Stop terminates any console logger running against this collector.
// Idempotent.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
