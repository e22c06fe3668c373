package interrupt

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestController(sig *Signal) (*Controller, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := NewController(sig,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return c, clock
}

func TestInterruptPolicy(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		raise   bool
		want    bool
	}{
		{"fresh deadline continues", 0, false, false},
		{"five seconds continues", 5 * time.Second, false, false},
		{"exactly the bound continues", 10 * time.Second, false, false},
		{"eleven seconds interrupts", 11 * time.Second, false, true},
		{"termination interrupts immediately", 0, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := NewSignal()
			c, clock := newTestController(sig)
			clock.Advance(tt.elapsed)
			if tt.raise {
				sig.Raise()
			}
			if got := c.Interrupt(); got != tt.want {
				t.Errorf("Interrupt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResetRestartsDeadline(t *testing.T) {
	c, clock := newTestController(NewSignal())

	clock.Advance(9 * time.Second)
	c.Reset()
	clock.Advance(9 * time.Second)

	if c.Interrupt() {
		t.Error("expected continue after reset")
	}
	if got := c.Elapsed(); got != 9*time.Second {
		t.Errorf("Elapsed() = %v, want 9s", got)
	}
}

func TestCancelIsPerController(t *testing.T) {
	sig := NewSignal()
	a, _ := newTestController(sig)
	b, _ := newTestController(sig)

	a.Cancel()

	if !a.Interrupt() {
		t.Error("cancelled controller should interrupt")
	}
	if b.Interrupt() {
		t.Error("cancel must not leak into another session")
	}

	sig.Raise()
	if !b.Interrupt() {
		t.Error("termination signal should interrupt every controller")
	}
}

func TestNilSignal(t *testing.T) {
	c, _ := newTestController(nil)
	if c.Interrupt() {
		t.Error("nil signal should never be raised")
	}
}

func TestWithBound(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewController(NewSignal(), WithClock(clock.Now), WithBound(time.Second),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	clock.Advance(1500 * time.Millisecond)
	if !c.Interrupt() {
		t.Error("expected interrupt past custom bound")
	}
}

func TestBindEndsWithRelease(t *testing.T) {
	c, _ := newTestController(NewSignal())

	ctx, cancel := context.WithCancel(context.Background())
	release := c.Bind(ctx)
	if c.Interrupt() {
		t.Error("live context should not interrupt")
	}

	cancel()
	if !c.Interrupt() {
		t.Error("done context should interrupt while bound")
	}

	release()
	if c.Interrupt() {
		t.Error("released context still interrupts")
	}
	if c.Cancelled() {
		t.Error("Bind must not set the sticky cancel flag")
	}
}

func TestReleaseKeepsNewerBinding(t *testing.T) {
	c, _ := newTestController(NewSignal())

	releaseOld := c.Bind(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Bind(ctx)

	releaseOld()
	cancel()
	if !c.Interrupt() {
		t.Error("stale release dropped the current binding")
	}
}
