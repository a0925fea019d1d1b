package clock

import (
	"sync"
	"time"
)

// Manual is a clock that only moves when told to.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock has been advanced by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires every timer that became due.
// Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moveTo(m.now.Add(d))
	return m.now
}

// Set jumps the clock to t. Moving backwards does not fire timers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.After(m.now) {
		m.now = t.UTC()
		return
	}
	m.moveTo(t.UTC())
}

// moveTo must be called with mu held.
func (m *Manual) moveTo(t time.Time) {
	m.now = t
	kept := m.timers[:0]
	for _, tm := range m.timers {
		if tm.at.After(m.now) {
			kept = append(kept, tm)
			continue
		}
		tm.ch <- m.now
	}
	m.timers = kept
}

// Pending reports how many timers are waiting to fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
