package metrics

import (
	"sync"
)

// Averager maintains a running average for one series.
type Averager struct {
	mu        sync.RWMutex
	sum       float64
	count     int64
	lastValue float64
}

func (a *Averager) Add(value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sum += value
	a.count++
	a.lastValue = value
}

func (a *Averager) Average() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func (a *Averager) Latest() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastValue
}

func (a *Averager) Count() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

func (a *Averager) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sum = 0
	a.count = 0
	a.lastValue = 0
}
