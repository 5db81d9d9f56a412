package perfstats

import (
	"sync"
	"time"
)

// Accumulate samples of how long something took.
// Safe to use from multiple goroutines.
type TimeAccumulator struct {
	lock    sync.Mutex
	samples int64
	total   time.Duration
	max     time.Duration
}

// Copy of the accumulator state at a point in time
type TimeSnapshot struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (s TimeSnapshot) Average() time.Duration {
	if s.Samples == 0 {
		return 0
	}
	return time.Duration(s.Total.Nanoseconds() / s.Samples)
}

func (a *TimeAccumulator) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples = 0
	a.total = 0
	a.max = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.samples++
	a.total += v
	if v > a.max {
		a.max = v
	}
}

// Time adds the time elapsed since start.
// Usage: defer acc.Time(time.Now())
func (a *TimeAccumulator) Time(start time.Time) {
	a.AddSample(time.Since(start))
}

func (a *TimeAccumulator) Snapshot() TimeSnapshot {
	a.lock.Lock()
	defer a.lock.Unlock()
	return TimeSnapshot{
		Samples: a.samples,
		Total:   a.total,
		Max:     a.max,
	}
}

func (a *TimeAccumulator) Average() time.Duration {
	return a.Snapshot().Average()
}
