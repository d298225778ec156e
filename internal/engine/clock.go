package engine

import "time"

// Clock abstracts wall-clock time and timers so the orchestrator's poll,
// debounce, and cleanup scheduling can be driven deterministically in
// tests instead of depending on real time.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	AfterFunc(d time.Duration, f func()) Timer
}

// Ticker is the injectable counterpart of time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer is the injectable counterpart of time.Timer for delayed tasks.
type Timer interface {
	Stop() bool
}

// NewClock returns the real wall-clock implementation.
func NewClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type realTicker struct {
	t *time.Ticker
}

func (rt *realTicker) C() <-chan time.Time {
	return rt.t.C
}

func (rt *realTicker) Stop() {
	rt.t.Stop()
}
