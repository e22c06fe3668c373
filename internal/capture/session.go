// Package capture opens multiplexed audio/video sources through the decoding
// library and hands out coded packets with normalized timestamps.
//
// A Session is driven by a single goroutine. Prime opens the configured
// inputs and decoders, Capture reads one packet at a time, and Close releases
// everything. Only State, Stats and the interrupt controller are safe to use
// from other goroutines.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/capturenode/internal/avlib"
	"github.com/smazurov/capturenode/internal/hwaccel"
	"github.com/smazurov/capturenode/internal/interrupt"
)

// ErrInterrupted is returned by Prime when the session was cancelled or
// termination was requested before opening started.
var ErrInterrupted = errors.New("interrupted")

// StateHandler is called on every state transition.
type StateHandler func(old, new State)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithStateHandler registers a state transition callback.
func WithStateHandler(h StateHandler) Option {
	return func(s *Session) {
		s.onState = h
	}
}

type role int

const (
	rolePrimary role = iota
	roleSecondary
)

func (r role) String() string {
	if r == roleSecondary {
		return "secondary"
	}
	return "primary"
}

// source is one open input and the tracker that positions it in the merge.
type source struct {
	role    role
	input   avlib.Input
	tracker *Tracker
	// timeBase of the stream tracked for this source.
	timeBase avlib.Rational
}

// position is the source's progress in the universal time base.
func (src *source) position() int64 {
	return avlib.RescaleQ(src.tracker.Last(), src.timeBase, avlib.TimeBaseQ)
}

// selectedStream is a stream chosen for decoding together with its decoder.
type selectedStream struct {
	info avlib.StreamInfo
	src  *source
	cc   avlib.DecoderContext
}

// Session is one capture of a configured source.
type Session struct {
	cfg        Config
	lib        avlib.Library
	ctrl       *interrupt.Controller
	negotiator *hwaccel.Negotiator
	logger     *slog.Logger
	onState    StateHandler

	mu    sync.Mutex
	state State
	stats Stats

	primary   *source
	secondary *source
	video     *selectedStream
	audio     *selectedStream
	hw        *hwaccel.Context

	videoTracker Tracker
	audioTracker Tracker

	raw avlib.Packet
}

// New creates a closed session. ctrl is owned by the session's driver; its
// Cancel stops the session's blocking library calls.
func New(cfg Config, lib avlib.Library, ctrl *interrupt.Controller, opts ...Option) (*Session, error) {
	if cfg.Colours == "" {
		cfg.Colours = ColourRGB32
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture config: %w", err)
	}
	if ctrl == nil {
		return nil, errors.New("interrupt controller is required")
	}

	s := &Session{
		cfg:          cfg,
		lib:          lib,
		ctrl:         ctrl,
		logger:       slog.Default(),
		state:        StateClosed,
		videoTracker: NewTracker(),
		audioTracker: NewTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.negotiator = hwaccel.NewNegotiator(lib, s.logger)
	return s, nil
}

// Prime (re)opens the session. A capturing session is fully closed first.
// ctx cancellation interrupts the library calls made by this Prime only; a
// later Prime with a live context opens normally.
func (s *Session) Prime(ctx context.Context) error {
	s.ctrl.Reset()
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.ctrl.Bind(ctx)()

	if s.State() == StateCapturing {
		s.logger.Debug("Closing session before re-prime")
		_ = s.Close()
	}
	if s.ctrl.Interrupt() {
		return newError(ErrCodeOpenFailed, "prime", ErrInterrupted)
	}

	s.videoTracker.Reset()
	s.audioTracker.Reset()
	s.setState(StateOpening)
	s.mu.Lock()
	s.stats.Primes++
	s.mu.Unlock()

	if err := s.open(); err != nil {
		s.setState(StateClosed)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.release()
		s.setState(StateClosed)
		return newError(ErrCodeOpenFailed, "prime", err)
	}
	s.setState(StateCapturing)
	return nil
}

// Close releases every resource the session holds. It is idempotent and
// always returns nil.
func (s *Session) Close() error {
	s.release()
	if s.State() != StateClosed {
		s.setState(StateClosed)
	}
	return nil
}

// release frees owned handles: decoders before the hardware device, inputs last.
func (s *Session) release() {
	if s.video != nil {
		_ = s.video.cc.Close()
		s.video = nil
	}
	if s.audio != nil {
		if s.audio.cc != nil {
			_ = s.audio.cc.Close()
		}
		s.audio = nil
	}
	if s.hw != nil {
		_ = s.hw.Close()
		s.hw = nil
	}
	if s.secondary != nil {
		_ = s.secondary.input.Close()
		s.secondary = nil
	}
	if s.primary != nil {
		_ = s.primary.input.Close()
		s.primary = nil
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()

	if old != st && s.onState != nil {
		s.onState(old, st)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// VideoStreamID is the index of the selected video stream, or -1.
func (s *Session) VideoStreamID() int {
	if s.video == nil {
		return -1
	}
	return s.video.info.Index
}

// AudioStreamID is the index of the selected audio stream within its input, or -1.
func (s *Session) AudioStreamID() int {
	if s.audio == nil {
		return -1
	}
	return s.audio.info.Index
}

// HasSecondaryInput reports whether audio is read from the secondary input.
func (s *Session) HasSecondaryInput() bool { return s.secondary != nil }

// Hardware returns the negotiated hardware context, nil for software decode.
func (s *Session) Hardware() *hwaccel.Context { return s.hw }

// ImagePixelFormat is the pixel format name consumers convert frames to.
func (s *Session) ImagePixelFormat() string { return s.cfg.Colours.PixelFormat() }

// Colours returns the configured colour mode.
func (s *Session) Colours() ColourMode { return s.cfg.Colours }

// VideoTracker exposes the video timestamp tracker.
func (s *Session) VideoTracker() Tracker { return s.videoTracker }

// AudioTracker exposes the audio timestamp tracker.
func (s *Session) AudioTracker() Tracker { return s.audioTracker }
