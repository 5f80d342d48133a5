package metrics

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkconnor/sharded/pkg/hasher"
	"github.com/nkconnor/sharded/pkg/shardmap"
)

var _ shardmap.MetricsRecorder = (*Collector)(nil)

func TestAverager(t *testing.T) {
	var a Averager
	assert.Zero(t, a.Average())
	assert.Zero(t, a.Latest())

	a.Add(10)
	a.Add(20)
	a.Add(30)
	assert.Equal(t, float64(20), a.Average())
	assert.Equal(t, float64(30), a.Latest())
	assert.Equal(t, int64(3), a.Count())

	a.Reset()
	assert.Zero(t, a.Average())
	assert.Zero(t, a.Latest())
	assert.Zero(t, a.Count())
}

func TestCollectorDifferencesCumulativeTotals(t *testing.T) {
	c := NewCollector()

	c.RecordLookups(8, 2)
	c.RecordLookups(24, 6)
	assert.Equal(t, float64(20), c.LookupsPerTick(), "second snapshot minus first")
	assert.InDelta(t, 0.8, c.HitRate(), 1e-9)

	c.RecordMutations(5, 0, 0)
	c.RecordMutations(10, 3, 2)
	assert.Equal(t, float64(10), c.MutationsPerTick())

	c.RecordOccupancy(42, 8)
	assert.Equal(t, float64(42), c.Entries())
	assert.Equal(t, int64(1), c.Ticks())
}

func TestCollectorBeforeAnyLookups(t *testing.T) {
	c := NewCollector()
	c.RecordLookups(0, 0)
	assert.Zero(t, c.HitRate())
	assert.Zero(t, c.LookupsPerTick())
}

func TestCollectorFedByMapReporter(t *testing.T) {
	c := NewCollector()
	m := shardmap.NewWithConfig(shardmap.Config[string, int]{
		Shards:        4,
		Hasher:        hasher.XXHash(),
		Equal:         func(a, b string) bool { return a == b },
		StatsInterval: 5 * time.Millisecond,
		Metrics:       c,
	})
	defer m.Close()

	for i := 0; i < 20; i++ {
		m.Insert(fmt.Sprintf("key_%016d", i), i)
	}
	for i := 0; i < 20; i++ {
		m.Load(fmt.Sprintf("key_%016d", i))
	}
	m.Load("missing")

	require.Eventually(t, func() bool { return c.Ticks() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Entries() == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, c.HitRate(), 0.9)
	assert.Less(t, c.HitRate(), 1.0)
}

func TestRunCSVLogger(t *testing.T) {
	c := NewCollector()
	c.RecordLookups(9, 1)
	c.RecordMutations(5, 0, 0)
	c.RecordOccupancy(5, 4)

	path := filepath.Join(t.TempDir(), "results.csv")
	done := make(chan struct{})
	go func() {
		RunCSVLogger(c, path, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		return err == nil && strings.Count(string(b), "\n") >= 2
	}, 2*time.Second, 5*time.Millisecond)
	c.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("csv logger did not stop")
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rows), 2)
	assert.Equal(t, []string{"unix_ms", "hit_rate", "avg_hit_rate", "lookups_per_tick", "mutations_per_tick", "entries"}, rows[0])

	hitRate, err := strconv.ParseFloat(rows[1][1], 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, hitRate, 1e-6)
}

func TestRunConsoleLoggerStops(t *testing.T) {
	c := NewCollector()
	c.RecordOccupancy(5, 1)

	done := make(chan struct{})
	go func() {
		RunConsoleLogger(c, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console logger did not stop")
	}
	c.Stop()
}
