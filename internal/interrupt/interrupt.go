// Package interrupt bounds the time the decoding library may spend blocked in
// a connect or read call.
//
// A Controller is polled by the library. It answers "interrupt" when the
// process is terminating, when its own session was cancelled, or when more
// than Bound has elapsed since the last Reset. Each capture session owns one
// Controller; all Controllers of a process share one Signal.
package interrupt

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"
)

// DefaultBound is the longest a blocking library call may run after a reset.
const DefaultBound = 10 * time.Second

// Signal is a process-wide termination flag.
type Signal struct {
	raised atomic.Bool
}

// NewSignal returns a lowered signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Raise marks the process as terminating.
func (s *Signal) Raise() {
	s.raised.Store(true)
}

// Raised reports whether Raise was called.
func (s *Signal) Raised() bool {
	return s != nil && s.raised.Load()
}

// NotifyOnSignals raises s when one of sigs is delivered. The returned
// function stops listening.
func (s *Signal) NotifyOnSignals(ctx context.Context, sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			s.Raise()
		case <-ctx.Done():
		}
	}()
	return cancel
}

// Option configures a Controller.
type Option func(*Controller)

// WithBound overrides DefaultBound.
func WithBound(d time.Duration) Option {
	return func(c *Controller) {
		c.bound = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithLogger sets the logger used when an interrupt fires.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// Controller is the per-session cancellation token: a rolling deadline plus a
// cancel flag, backed by the shared termination Signal.
type Controller struct {
	signal    *Signal
	deadline  atomic.Int64
	cancelled atomic.Bool
	ctx       atomic.Pointer[context.Context]
	bound     time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewController creates a controller whose deadline starts now.
func NewController(sig *Signal, opts ...Option) *Controller {
	c := &Controller{
		signal: sig,
		bound:  DefaultBound,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Reset()
	return c
}

// Reset restarts the deadline at the current time.
func (c *Controller) Reset() {
	c.deadline.Store(c.now().UnixNano())
}

// Cancel makes every later poll interrupt, regardless of the deadline.
func (c *Controller) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (c *Controller) Cancelled() bool {
	return c.cancelled.Load()
}

// Bind makes Interrupt report true once ctx is done, until the returned
// release function is called. Unlike Cancel, the effect ends with release.
func (c *Controller) Bind(ctx context.Context) (release func()) {
	c.ctx.Store(&ctx)
	return func() {
		c.ctx.CompareAndSwap(&ctx, nil)
	}
}

// Elapsed returns the time since the last Reset.
func (c *Controller) Elapsed() time.Duration {
	return time.Duration(c.now().UnixNano() - c.deadline.Load())
}

// Interrupt is the predicate polled by the library.
func (c *Controller) Interrupt() bool {
	if c.signal.Raised() {
		c.logger.Debug("Received terminate in interrupt callback")
		return true
	}
	if c.cancelled.Load() {
		c.logger.Debug("Session cancelled in interrupt callback")
		return true
	}
	if p := c.ctx.Load(); p != nil && (*p).Err() != nil {
		c.logger.Debug("Operation context done in interrupt callback")
		return true
	}
	if elapsed := c.Elapsed(); elapsed > c.bound {
		c.logger.Debug("Timeout in blocking library call", "elapsed", elapsed, "bound", c.bound)
		return true
	}
	return false
}
