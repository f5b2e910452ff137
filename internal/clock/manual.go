package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Advance is called. Timers and
// tickers fire synchronously inside Advance, in deadline order, which makes
// scenario tests deterministic: advancing exactly to a ballot deadline fires
// the expiry before any later timer.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManual creates a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d, firing every timer and ticker whose
// deadline falls within the window. AfterFunc callbacks run on the calling
// goroutine.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.fire(t)
	}

	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
}

// nextDue pops the earliest timer due at or before target, moving the clock
// to its deadline. Returns nil when no timer is due.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.timers, func(i, j int) bool {
		return m.timers[i].when.Before(m.timers[j].when)
	})
	for i, t := range m.timers {
		if t.when.After(target) {
			break
		}
		t.fireAt = t.when
		if t.period > 0 {
			// Ticker: reschedule for the next interval.
			t.when = t.when.Add(t.period)
		} else {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
		}
		if t.fireAt.After(m.now) {
			m.now = t.fireAt
		}
		return t
	}
	return nil
}

func (m *Manual) fire(t *manualTimer) {
	if t.fn != nil {
		t.fn()
		return
	}
	select {
	case t.ch <- t.fireAt:
	default:
	}
}

func (m *Manual) schedule(t *manualTimer) {
	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
}

func (m *Manual) remove(t *manualTimer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// NewTimer implements Clock.
func (m *Manual) NewTimer(d time.Duration) Timer {
	t := m.newManualTimer(d, 0, nil)
	return t
}

// NewTicker implements Clock.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	return &manualTicker{t: m.newManualTimer(d, d, nil)}
}

// AfterFunc implements Clock.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.newManualTimer(d, 0, fn)
}

func (m *Manual) newManualTimer(d, period time.Duration, fn func()) *manualTimer {
	m.mu.Lock()
	when := m.now.Add(d)
	m.mu.Unlock()
	t := &manualTimer{
		clock:  m,
		when:   when,
		fireAt: when,
		period: period,
		fn:     fn,
		ch:     make(chan time.Time, 1),
	}
	m.schedule(t)
	return t
}

type manualTimer struct {
	clock  *Manual
	when   time.Time // next deadline
	fireAt time.Time // deadline of the pending firing
	period time.Duration
	fn     func()
	ch     chan time.Time
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool { return t.clock.remove(t) }

type manualTicker struct{ t *manualTimer }

func (mt *manualTicker) C() <-chan time.Time { return mt.t.ch }
func (mt *manualTicker) Stop()               { mt.t.clock.remove(mt.t) }
