// Package clock provides a mockable time source so backoff, timeout, and
// watchdog logic can be tested without sleeping in real time.
package clock

import "time"

// Clock abstracts the time-related operations the orchestrator and worker
// runtime need.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker so fake clocks can control tick delivery.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the default Clock backed by the actual system clock.
type Real struct{}

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Sleep(d time.Duration)            { time.Sleep(d) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
