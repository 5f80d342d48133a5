// shardedload drives a configurable operation mix against a collection
// backend and reports throughput, so map, engine and lock variants can
// be compared under the same load.
package main

import (
	"flag"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkconnor/sharded/pkg/hasher"
	"github.com/nkconnor/sharded/pkg/locks"
	"github.com/nkconnor/sharded/pkg/metrics"
	"github.com/nkconnor/sharded/pkg/shardmap"
	"github.com/nkconnor/sharded/pkg/workload"
)

type opMix struct {
	read, insert, remove, update int
}

var mixes = map[string]opMix{
	"read_heavy": {read: 94, insert: 2, remove: 1, update: 3},
	"exchange":   {read: 10, insert: 40, remove: 40, update: 10},
	"rapid_grow": {read: 5, insert: 80, remove: 5, update: 10},
}

var lockBackends = map[string]func() locks.RW{
	"mutex":   locks.NewMutex,
	"spin":    locks.NewSpin,
	"striped": func() locks.RW { return locks.NewStriped(0) },
}

func main() {
	var (
		backend    string
		lockKind   string
		mixName    string
		shards     int
		totalKeys  int
		workers    int
		iterations int64
		dist       string
		statsSecs  int
		logStats   bool
		csvPath    string
	)

	flag.StringVar(&backend, "backend", "sharded", "collection backend: sharded, gomap or freecache")
	flag.StringVar(&lockKind, "lock", "mutex", "shard lock: mutex, spin or striped")
	flag.StringVar(&mixName, "mix", "read_heavy", "operation mix: read_heavy, exchange or rapid_grow")
	flag.IntVar(&shards, "shards", shardmap.DefaultShardCount, "number of shards")
	flag.IntVar(&totalKeys, "keys", 1_000_000, "key space size")
	flag.IntVar(&workers, "workers", runtime.GOMAXPROCS(0), "concurrent workers")
	flag.Int64Var(&iterations, "iterations", 10_000_000, "total operations across all workers")
	flag.StringVar(&dist, "dist", "uniform", "key distribution: uniform or normal")
	flag.IntVar(&statsSecs, "stats-secs", 10, "stats reporting interval in seconds")
	flag.BoolVar(&logStats, "log-stats", true, "periodically log map stats")
	flag.StringVar(&csvPath, "csv", "", "append collector samples to this CSV file")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	mix, ok := mixes[mixName]
	if !ok {
		log.Fatal().Str("mix", mixName).Msg("invalid mix")
	}
	if totalKeys < 1 || workers < 1 || iterations < 1 {
		log.Fatal().Msg("keys, workers and iterations must be positive")
	}

	interval := time.Duration(statsSecs) * time.Second
	col, collector, mp := buildCollection(backend, lockKind, shards, totalKeys, interval, logStats)

	log.Info().
		Str("backend", backend).
		Str("mix", mixName).
		Str("dist", dist).
		Int("workers", workers).
		Int("keys", totalKeys).
		Int64("iterations", iterations).
		Msg("starting load")

	// Prepopulate 75% of the key space so reads have something to hit.
	pre := col.Pin()
	for i := 0; i < totalKeys*3/4; i++ {
		pre.Insert(uint64(i))
	}
	log.Info().Int("entries", totalKeys*3/4).Msg("prepopulated")

	if collector != nil {
		go metrics.RunConsoleLogger(collector, interval)
		if csvPath != "" {
			go metrics.RunCSVLogger(collector, csvPath, interval)
		}
		defer collector.Stop()
	}

	var issued atomic.Int64
	var found atomic.Int64
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			h := col.Pin()
			r := rand.New(rand.NewPCG(uint64(w), rand.Uint64()))
			present := int64(0)
			for issued.Add(1) <= iterations {
				key := pickKey(r, dist, totalKeys)
				op := r.IntN(100)
				hit := false
				switch {
				case op < mix.read:
					hit = h.Get(key)
				case op < mix.read+mix.insert:
					hit = !h.Insert(key)
				case op < mix.read+mix.insert+mix.remove:
					hit = h.Remove(key)
				default:
					hit = h.Update(key)
				}
				if hit {
					present++
				}
			}
			found.Add(present)
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	log.Info().
		Dur("elapsed", elapsed).
		Float64("ops_per_sec", float64(iterations)/elapsed.Seconds()).
		Float64("found_rate", float64(found.Load())/float64(iterations)).
		Msg("load complete")

	if mp != nil {
		s := mp.Stats()
		log.Info().
			Uint64("hits", s.Hits).
			Uint64("misses", s.Misses).
			Uint64("inserts", s.Inserts).
			Uint64("updates", s.Updates).
			Uint64("removes", s.Removes).
			Uint64("contended", s.Contended).
			Int("entries", s.Entries).
			Int("shards", s.Shards).
			Msg("final stats")
	}
}

func buildCollection(backend, lockKind string, shards, totalKeys int, statsInterval time.Duration, logStats bool) (workload.Collection[uint64], *metrics.Collector, *shardmap.Map[uint64, uint32]) {
	newLock, ok := lockBackends[lockKind]
	if !ok {
		log.Fatal().Str("lock", lockKind).Msg("invalid lock")
	}

	switch backend {
	case "freecache":
		// 64 bytes per entry covers key, value and freecache overhead.
		return workload.NewFreeCache(totalKeys * 64), nil, nil
	case "sharded", "gomap":
		collector := metrics.NewCollector()
		cfg := shardmap.Config[uint64, uint32]{
			Shards:        shards,
			Capacity:      totalKeys,
			Hasher:        hasher.Comparable[uint64](),
			Equal:         func(a, b uint64) bool { return a == b },
			NewLock:       newLock,
			StatsInterval: statsInterval,
			StatsLog:      logStats,
			Metrics:       collector,
		}
		if backend == "gomap" {
			cfg.Equal = nil
			cfg.NewEngine = shardmap.GoMap[uint64, uint32]()
		}
		c := workload.NewShardMapFromConfig(cfg)
		return c, collector, c.Map()
	default:
		log.Fatal().Str("backend", backend).Msg("invalid backend")
		return nil, nil, nil
	}
}

// pickKey samples the key space, either uniformly or from a normal
// distribution centered on the middle of the space with a standard
// deviation of an eighth of it, resampling anything that falls outside.
func pickKey(r *rand.Rand, dist string, totalKeys int) uint64 {
	if dist != "normal" {
		return uint64(r.IntN(totalKeys))
	}
	mean := float64(totalKeys) / 2
	stdDev := float64(totalKeys) / 8
	for {
		v := r.NormFloat64()*stdDev + mean
		if v >= 0 && v < float64(totalKeys) {
			return uint64(v)
		}
	}
}
