package metrics

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// RunCSVLogger appends one row of collector aggregates to path every
// interval until Stop is called. The header is written when the file
// starts empty, so runs can append to one shared results file. Run it
// on its own goroutine. A non-positive interval defaults to 30 seconds.
func RunCSVLogger(c *Collector, path string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("csv logger: open failed")
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		_ = w.Write([]string{"unix_ms", "hit_rate", "avg_hit_rate", "lookups_per_tick", "mutations_per_tick", "entries"})
		w.Flush()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			_ = w.Write([]string{
				strconv.FormatInt(time.Now().UnixMilli(), 10),
				strconv.FormatFloat(c.HitRate(), 'f', 4, 64),
				strconv.FormatFloat(c.AverageHitRate(), 'f', 4, 64),
				strconv.FormatFloat(c.LookupsPerTick(), 'f', 0, 64),
				strconv.FormatFloat(c.MutationsPerTick(), 'f', 0, 64),
				strconv.FormatFloat(c.Entries(), 'f', 0, 64),
			})
			w.Flush()
		}
	}
}
