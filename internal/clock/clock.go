// Package clock abstracts time for the coordinator so that matcher ticks,
// ballot deadlines and send timeouts can be driven by a manual clock in
// tests. Production code uses the system clock.
package clock

import "time"

// Timer is a cancellable one-shot timer.
type Timer interface {
	// C returns the channel the firing instant is delivered on.
	C() <-chan time.Time
	// Stop cancels the timer. It reports whether the timer was stopped
	// before firing.
	Stop() bool
}

// Ticker delivers ticks at a fixed interval until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock provides the current time and timer construction.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
	// AfterFunc runs fn after d elapses: the system clock runs it in its own
	// goroutine, the manual clock on the goroutine that calls Advance. The
	// returned timer cancels the call if stopped first.
	AfterFunc(d time.Duration, fn func()) Timer
}

// System returns a Clock backed by the time package.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return &systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct{ t *time.Timer }

func (st *systemTimer) C() <-chan time.Time { return st.t.C }
func (st *systemTimer) Stop() bool          { return st.t.Stop() }

type systemTicker struct{ t *time.Ticker }

func (st *systemTicker) C() <-chan time.Time { return st.t.C }
func (st *systemTicker) Stop()               { st.t.Stop() }
