package locks

import (
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const spinWriter = -1

// spinLock packs the whole lock into one word: state counts readers and
// spinWriter marks an exclusive holder. Contended paths yield to the
// scheduler between attempts instead of parking.
type spinLock struct {
	state atomic.Int32
}

// NewSpin returns a spinning reader/writer backend. Suited to shards whose
// critical sections are tiny; long holds burn CPU on waiters.
func NewSpin() RW {
	return new(spinLock)
}

func (s *spinLock) Lock() {
	for !s.state.CompareAndSwap(0, spinWriter) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() {
	if !s.state.CompareAndSwap(spinWriter, 0) {
		log.Panic().Msg("locks: spin unlock without writer")
	}
}

func (s *spinLock) RLock() {
	for {
		n := s.state.Load()
		if n >= 0 && s.state.CompareAndSwap(n, n+1) {
			return
		}
		runtime.Gosched()
	}
}

func (s *spinLock) RUnlock() {
	if s.state.Add(-1) < 0 {
		log.Panic().Msg("locks: spin runlock without reader")
	}
}

func (s *spinLock) TryLock() bool {
	return s.state.CompareAndSwap(0, spinWriter)
}

func (s *spinLock) TryRLock() bool {
	n := s.state.Load()
	return n >= 0 && s.state.CompareAndSwap(n, n+1)
}
