package avlib

import (
	"sync"
	"time"
)

// Interrupter is a flag the library checks from inside its blocking loops.
type Interrupter interface {
	Interrupt()
	Resume()
}

// Watchdog raises an Interrupter when an InterruptFunc fires during a
// guarded call. The predicate is not polled between calls, so time spent
// outside the library never leaves the flag raised for the next call.
type Watchdog struct {
	flag      Interrupter
	predicate InterruptFunc
	interval  time.Duration
}

// NewWatchdog creates a watchdog polling predicate every interval.
func NewWatchdog(flag Interrupter, predicate InterruptFunc, interval time.Duration) *Watchdog {
	return &Watchdog{flag: flag, predicate: predicate, interval: interval}
}

// Guard runs call with the watchdog armed. The flag is lowered before call
// starts and polling stops once call returns.
func (w *Watchdog) Guard(call func() error) error {
	if w == nil || w.predicate == nil {
		return call()
	}

	w.flag.Resume()
	if w.predicate() {
		w.flag.Interrupt()
		return call()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if w.predicate() {
					w.flag.Interrupt()
					return
				}
			}
		}
	}()

	err := call()
	close(done)
	wg.Wait()
	return err
}
