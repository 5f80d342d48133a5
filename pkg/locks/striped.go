package locks

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// stripedLock spreads reader bookkeeping across padded per-stripe counters
// so uncontended read acquisitions do not all hit one cache line. A reader
// adds 1 to any stripe and its release may subtract from a different one;
// only the sum is meaningful, so individual stripes can go negative. A
// writer claims the writer flag and waits for the sum to drain to zero.
// Reads are cheap, writes pay a full sweep; pick this backend for
// read-dominated shards.
type stripedLock struct {
	wmu     sync.Mutex
	writer  atomic.Bool
	stripes []stripe
}

type stripe struct {
	n atomic.Int64
	_ cpu.CacheLinePad
}

// NewStriped returns a reader-striped backend. stripes is rounded up to a
// power of two; values <= 0 select one stripe per logical CPU.
func NewStriped(stripes int) RW {
	if stripes <= 0 {
		stripes = runtime.GOMAXPROCS(0)
	}
	n := 1
	for n < stripes {
		n <<= 1
	}
	return &stripedLock{stripes: make([]stripe, n)}
}

func (s *stripedLock) pick() *atomic.Int64 {
	return &s.stripes[int(rand.Uint32())&(len(s.stripes)-1)].n
}

func (s *stripedLock) readers() int64 {
	var total int64
	for i := range s.stripes {
		total += s.stripes[i].n.Load()
	}
	return total
}

func (s *stripedLock) Lock() {
	s.wmu.Lock()
	s.writer.Store(true)
	for s.readers() != 0 {
		runtime.Gosched()
	}
}

func (s *stripedLock) Unlock() {
	s.writer.Store(false)
	s.wmu.Unlock()
}

func (s *stripedLock) RLock() {
	for {
		c := s.pick()
		c.Add(1)
		if !s.writer.Load() {
			return
		}
		// A writer got in first; undo and wait for it to pass.
		c.Add(-1)
		for s.writer.Load() {
			runtime.Gosched()
		}
	}
}

func (s *stripedLock) RUnlock() {
	s.pick().Add(-1)
}

func (s *stripedLock) TryLock() bool {
	if !s.wmu.TryLock() {
		return false
	}
	s.writer.Store(true)
	if s.readers() != 0 {
		s.writer.Store(false)
		s.wmu.Unlock()
		return false
	}
	return true
}

func (s *stripedLock) TryRLock() bool {
	c := s.pick()
	c.Add(1)
	if s.writer.Load() {
		c.Add(-1)
		return false
	}
	return true
}
