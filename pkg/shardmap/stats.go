package shardmap

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// shardStats counts operations on one shard. The counters are atomic so
// the hot path never takes an extra lock to account for itself.
type shardStats struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	inserts   atomic.Uint64
	updates   atomic.Uint64
	removes   atomic.Uint64
	contended atomic.Uint64
}

func (s *shardStats) lookup(hit bool) {
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
}

func (s *shardStats) insert(replaced bool) {
	if replaced {
		s.updates.Add(1)
	} else {
		s.inserts.Add(1)
	}
}

func (s *shardStats) update(hit bool) {
	if hit {
		s.updates.Add(1)
	} else {
		s.misses.Add(1)
	}
}

func (s *shardStats) remove(ok bool) {
	if ok {
		s.removes.Add(1)
	} else {
		s.misses.Add(1)
	}
}

// Stats is a point-in-time aggregate of the per-shard counters. Updates
// counts both in-place replacements and Update callbacks; Contended
// counts try operations that found their shard lock held.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Inserts   uint64
	Updates   uint64
	Removes   uint64
	Contended uint64
	Entries   int
	Shards    int
}

// MetricsRecorder receives the reporter's periodic snapshots. The map
// calls it from the reporter goroutine only, never from the hot path.
type MetricsRecorder interface {
	RecordLookups(hits, misses uint64)
	RecordMutations(inserts, updates, removes uint64)
	RecordOccupancy(entries, shards int)
}

// Stats snapshots the shard counters plus the current entry total. Like
// Len the aggregate is approximate under concurrent writers. Unlike Len
// it tolerates drained shards, so the reporter can race Drain without
// tripping the terminal-state check.
func (m *Map[K, V]) Stats() Stats {
	s := Stats{Shards: len(m.shards)}
	for i := range m.shards {
		st := &m.shards[i].stats
		s.Hits += st.hits.Load()
		s.Misses += st.misses.Load()
		s.Inserts += st.inserts.Load()
		s.Updates += st.updates.Load()
		s.Removes += st.removes.Load()
		s.Contended += st.contended.Load()
	}
	s.Entries = m.approxLen()
	return s
}

func (m *Map[K, V]) approxLen() int {
	n := 0
	for i := range m.shards {
		g := m.shards[i].data.Read()
		if eng := *g.Value(); eng != nil {
			n += eng.Len()
		}
		g.Release()
	}
	return n
}

func (m *Map[K, V]) reportStats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			s := m.Stats()
			if m.statsLog {
				log.Info().
					Uint64("hits", s.Hits).
					Uint64("misses", s.Misses).
					Uint64("inserts", s.Inserts).
					Uint64("updates", s.Updates).
					Uint64("removes", s.Removes).
					Uint64("contended", s.Contended).
					Int("entries", s.Entries).
					Int("shards", s.Shards).
					Msg("shardmap stats")
			}
			if m.metrics != nil {
				m.metrics.RecordLookups(s.Hits, s.Misses)
				m.metrics.RecordMutations(s.Inserts, s.Updates, s.Removes)
				m.metrics.RecordOccupancy(s.Entries, s.Shards)
			}
		}
	}
}
