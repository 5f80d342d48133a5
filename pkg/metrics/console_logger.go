package metrics

import (
	"time"

	"github.com/rs/zerolog/log"
)

// RunConsoleLogger logs the collector's aggregates every interval until
// Stop is called. Run it on its own goroutine. A non-positive interval
// defaults to 30 seconds.
func RunConsoleLogger(c *Collector, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			log.Info().Msgf("HitRate: %.3f", c.HitRate())
			log.Info().Msgf("AvgHitRate: %.3f", c.AverageHitRate())
			log.Info().Msgf("Lookups/tick: %.0f", c.LookupsPerTick())
			log.Info().Msgf("Mutations/tick: %.0f", c.MutationsPerTick())
			log.Info().Msgf("Entries: %.0f", c.Entries())
		}
	}
}
