package traffic

import (
	"sync"
	"time"
)

// Clock supplies the Monitor's notion of now.
type Clock interface {
	Time() time.Time
}

type nowClock struct{}

func (c *nowClock) Time() time.Time {
	return time.Now()
}

// DefaultRetention is how long the Monitor keeps per-second buckets.
const DefaultRetention = 2 * time.Hour

// Monitor aggregates http request counts into one bucket per second.
// Buckets older than the retention window are pruned on Increment.
type Monitor struct {
	clock     Clock
	retention time.Duration

	tsMux     sync.RWMutex
	buckets   map[int64]int
	prunedTil int64
}

// NewMonitor initializes a Monitor backed by the wall clock.
func NewMonitor(retention time.Duration) *Monitor {
	return NewMonitorWithClock(&nowClock{}, retention)
}

// NewMonitorWithClock initializes a Monitor reading time from c.
func NewMonitorWithClock(c Clock, retention time.Duration) *Monitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Monitor{
		clock:     c,
		retention: retention,
		buckets:   make(map[int64]int),
	}
}

// Increment the count by i for given clock time.
func (tm *Monitor) Increment(i int, clock time.Time) {
	oldest := tm.clock.Time().Add(-tm.retention).Unix()

	tm.tsMux.Lock()
	defer tm.tsMux.Unlock()
	sec := clock.Unix()
	if sec < oldest {
		return
	}
	tm.buckets[sec] += i
	if oldest <= tm.prunedTil {
		return
	}
	for k := range tm.buckets {
		if k < oldest {
			delete(tm.buckets, k)
		}
	}
	tm.prunedTil = oldest
}

// RangeSum aggregates the occurrences between start and finish, inclusive
// to the second.
func (tm *Monitor) RangeSum(start, finish time.Time) int {
	lo, hi := start.Unix(), finish.Unix()
	tm.tsMux.RLock()
	defer tm.tsMux.RUnlock()
	sum := 0
	for k, v := range tm.buckets {
		if k >= lo && k <= hi {
			sum += v
		}
	}
	return sum
}

// RecentSum aggregates the occurrences within the delta duration before
// the monitor's current time.
func (tm *Monitor) RecentSum(delta time.Duration) int {
	now := tm.clock.Time()
	return tm.RangeSum(now.Add(-delta), now)
}
