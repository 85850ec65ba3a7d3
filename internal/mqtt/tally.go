package mqtt

import (
	"sync"
	"time"
)

// tally keeps per-day counters that start over at local midnight.
type tally struct {
	mu     sync.Mutex
	loc    *time.Location
	now    func() time.Time
	day    string
	counts map[string]int64
}

func newTally(loc *time.Location) *tally {
	if loc == nil {
		loc = time.Local
	}
	return &tally{loc: loc, now: time.Now, counts: make(map[string]int64)}
}

func (t *tally) add(key string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	t.counts[key] += n
}

func (t *tally) get(key string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.counts[key]
}

// rollover must be called with t.mu held.
func (t *tally) rollover() {
	if day := t.now().In(t.loc).Format(time.DateOnly); day != t.day {
		clear(t.counts)
		t.day = day
	}
}
