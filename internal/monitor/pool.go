package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smazurov/capturenode/internal/avlib"
	"github.com/smazurov/capturenode/internal/capture"
	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/interrupt"
	"github.com/smazurov/capturenode/internal/metrics"
)

const stopTimeout = 10 * time.Second

// Pool manages multiple named monitors with lifecycle control.
type Pool interface {
	// Start starts a monitor by ID. Returns error if already running.
	Start(id string) error

	// Stop stops a monitor by ID and releases its session.
	Stop(id string) error

	// Restart stops the monitor and starts it again with a freshly
	// resolved config.
	Restart(id string) error

	// GetStatus returns monitor info. Returns idle state if not found.
	GetStatus(id string) *Info

	// IsRunning checks if a monitor is currently capturing.
	IsRunning(id string) bool

	// List returns the IDs of all managed monitors, sorted.
	List() []string

	// StopAll stops all monitors.
	StopAll()
}

// managedMonitor tracks a running monitor within the pool.
type managedMonitor struct {
	id            string
	state         State
	startedAt     time.Time
	capturingAt   time.Time
	reprimes      int
	lastError     error
	sessionID     string
	videoStreamID int
	audioStreamID int

	session *capture.Session
	ctrl    *interrupt.Controller
	cancel  context.CancelFunc
	done    chan struct{}
}

func (mm *managedMonitor) finished() bool {
	select {
	case <-mm.done:
		return true
	default:
		return false
	}
}

// pool implements the Pool interface.
type pool struct {
	opts      PoolOptions
	reconnect ReconnectConfig
	signal    *interrupt.Signal
	monitors  map[string]*managedMonitor
	mu        sync.RWMutex
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool creates a new monitor pool.
func NewPool(opts *PoolOptions) Pool {
	if opts == nil || opts.Library == nil || opts.ConfigProvider == nil {
		panic("PoolOptions with Library and ConfigProvider is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sig := opts.Signal
	if sig == nil {
		sig = interrupt.NewSignal()
	}

	return &pool{
		opts:      *opts,
		reconnect: opts.Reconnect.withDefaults(),
		signal:    sig,
		monitors:  make(map[string]*managedMonitor),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts a monitor by ID.
func (p *pool) Start(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if mm, exists := p.monitors[id]; exists && !mm.finished() {
		return fmt.Errorf("monitor %s already running", id)
	}

	cfg, err := p.opts.ConfigProvider(id)
	if err != nil {
		return fmt.Errorf("failed to resolve config: %w", err)
	}

	ctrlOpts := []interrupt.Option{interrupt.WithLogger(p.logger.With("monitor_id", id))}
	if p.opts.Bound > 0 {
		ctrlOpts = append(ctrlOpts, interrupt.WithBound(p.opts.Bound))
	}
	ctrl := interrupt.NewController(p.signal, ctrlOpts...)

	session, err := capture.New(cfg, p.opts.Library, ctrl,
		capture.WithLogger(p.logger.With("monitor_id", id)))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	ctx, cancel := context.WithCancel(p.ctx)
	mm := &managedMonitor{
		id:            id,
		state:         StateIdle,
		startedAt:     time.Now(),
		videoStreamID: -1,
		audioStreamID: -1,
		session:       session,
		ctrl:          ctrl,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	p.monitors[id] = mm

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(mm.done)
		p.run(ctx, mm)
	}()

	return nil
}

// run drives the session until ctx is cancelled, termination is signalled,
// or the retry limit is exhausted.
func (p *pool) run(ctx context.Context, mm *managedMonitor) {
	defer func() { _ = mm.session.Close() }()

	var pkt capture.Packet
	attempt := 0
	for {
		p.setState(mm, StatePriming, nil)
		err := mm.session.Prime(ctx)
		metrics.AddPrime(mm.id, err == nil)
		if err != nil {
			if p.stopping(ctx) {
				break
			}
			attempt++
			p.logger.Warn("Prime failed", "id", mm.id, "attempt", attempt, "error", err)
			p.publishFailure(mm.id, err)
			if p.reconnect.exhausted(attempt) {
				p.setState(mm, StateError,
					fmt.Errorf("max retries exceeded (%d attempts): %w", p.reconnect.MaxRetries, err))
				return
			}
			if !p.backoff(ctx, mm, attempt, err) {
				break
			}
			continue
		}

		attempt = 0
		sessionID := uuid.NewString()
		p.mu.Lock()
		mm.capturingAt = time.Now()
		mm.sessionID = sessionID
		mm.videoStreamID = mm.session.VideoStreamID()
		mm.audioStreamID = mm.session.AudioStreamID()
		p.mu.Unlock()
		p.logger.Info("Monitor capturing",
			"id", mm.id,
			"session_id", sessionID,
			"video_stream", mm.videoStreamID,
			"audio_stream", mm.audioStreamID)
		p.setState(mm, StateCapturing, nil)

		err = p.capture(ctx, mm, &pkt)
		if p.stopping(ctx) {
			break
		}
		p.publishFailure(mm.id, err)
		p.mu.Lock()
		mm.reprimes++
		p.mu.Unlock()
		p.logger.Info("Re-priming after read failure",
			"id", mm.id,
			"session_id", sessionID,
			"code", capture.CodeOf(err))
		if !p.backoff(ctx, mm, 1, err) {
			break
		}
	}

	p.setState(mm, StateIdle, nil)
	p.logger.Info("Monitor stopped", "id", mm.id)
}

// capture reads packets until the session fails or ctx is cancelled.
func (p *pool) capture(ctx context.Context, mm *managedMonitor, pkt *capture.Packet) error {
	first := make(map[avlib.MediaType]int64, 2)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := mm.session.Capture(pkt); err != nil {
			var re *capture.ReadError
			if errors.As(err, &re) {
				metrics.AddReadError(mm.id, string(re.Class))
			}
			return err
		}

		kind := pkt.Kind.String()
		metrics.AddCapturedPacket(mm.id, kind, len(pkt.Data))
		if pkt.PTS != avlib.NoPTS {
			f, ok := first[pkt.Kind]
			if !ok {
				f = pkt.PTS
				first[pkt.Kind] = f
			}
			metrics.SetPosition(mm.id, kind, float64(pkt.PTS-f)/float64(avlib.TimeBaseQ.Den))
		}
		if p.opts.Sink != nil {
			p.opts.Sink(mm.id, pkt)
		}
	}
}

// backoff waits before the next prime. It returns false when the monitor
// should stop instead.
func (p *pool) backoff(ctx context.Context, mm *managedMonitor, attempt int, cause error) bool {
	delay := calculateBackoff(attempt, p.reconnect)
	p.setState(mm, StateBackoff, cause)
	p.logger.Debug("Waiting before prime",
		"id", mm.id,
		"attempt", attempt,
		"max_retries", p.reconnect.MaxRetries,
		"delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !p.signal.Raised()
	case <-ctx.Done():
		return false
	}
}

func (p *pool) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || p.signal.Raised()
}

// Stop stops a monitor by ID.
func (p *pool) Stop(id string) error {
	p.mu.Lock()
	mm, exists := p.monitors[id]
	if !exists {
		p.mu.Unlock()
		return nil
	}
	if mm.finished() {
		delete(p.monitors, id)
		p.mu.Unlock()
		return nil
	}
	oldState := mm.state
	mm.state = StateStopping
	p.mu.Unlock()

	p.notifyStateChange(id, oldState, StateStopping, nil)
	p.logger.Info("Stopping monitor", "id", id)

	mm.cancel()
	mm.ctrl.Cancel()

	select {
	case <-mm.done:
	case <-time.After(stopTimeout):
		p.logger.Warn("Timeout waiting for monitor to stop", "id", id)
	}

	p.mu.Lock()
	if p.monitors[id] == mm {
		delete(p.monitors, id)
	}
	p.mu.Unlock()
	metrics.DeleteCaptureMetrics(id)

	return nil
}

// Restart stops and restarts a monitor.
func (p *pool) Restart(id string) error {
	p.logger.Info("Restarting monitor", "id", id)
	if err := p.Stop(id); err != nil {
		return fmt.Errorf("failed to stop monitor: %w", err)
	}
	return p.Start(id)
}

// GetStatus returns monitor info.
func (p *pool) GetStatus(id string) *Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	mm, exists := p.monitors[id]
	if !exists {
		return &Info{ID: id, State: StateIdle, VideoStreamID: -1, AudioStreamID: -1}
	}

	return &Info{
		ID:            id,
		State:         mm.state,
		StartedAt:     mm.startedAt,
		CapturingAt:   mm.capturingAt,
		Reprimes:      mm.reprimes,
		LastError:     mm.lastError,
		SessionID:     mm.sessionID,
		VideoStreamID: mm.videoStreamID,
		AudioStreamID: mm.audioStreamID,
		Stats:         mm.session.Stats(),
	}
}

// IsRunning checks if a monitor is currently capturing.
func (p *pool) IsRunning(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	mm, exists := p.monitors[id]
	return exists && mm.state == StateCapturing
}

// List returns the IDs of all managed monitors.
func (p *pool) List() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.monitors))
	for id := range p.monitors {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// StopAll stops all monitors.
func (p *pool) StopAll() {
	p.logger.Info("Stopping all monitors")
	p.cancel()

	for _, id := range p.List() {
		_ = p.Stop(id)
	}

	p.wg.Wait()
	p.logger.Info("All monitors stopped")
}

// setState records a transition and fans it out to metrics, events and the
// OnStateChange callback. A stopping monitor only leaves that state for idle.
func (p *pool) setState(mm *managedMonitor, newState State, err error) {
	p.mu.Lock()
	oldState := mm.state
	if oldState == StateStopping && newState != StateIdle {
		p.mu.Unlock()
		return
	}
	mm.state = newState
	if err != nil {
		mm.lastError = err
	} else if newState == StateCapturing {
		mm.lastError = nil
	}
	p.mu.Unlock()

	if oldState == newState {
		return
	}
	metrics.SetCapturing(mm.id, newState == StateCapturing)
	p.notifyStateChange(mm.id, oldState, newState, err)
}

// notifyStateChange invokes the OnStateChange callback and publishes the
// transition when configured.
func (p *pool) notifyStateChange(id string, oldState, newState State, err error) {
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(id, oldState, newState, err)
	}
	if p.opts.Events != nil {
		ev := events.MonitorStateChangedEvent{
			MonitorID: id,
			OldState:  string(oldState),
			NewState:  string(newState),
			Timestamp: time.Now().Format(time.RFC3339),
		}
		if err != nil {
			ev.Error = err.Error()
		}
		p.opts.Events.Publish(ev)
	}
}

func (p *pool) publishFailure(id string, err error) {
	if p.opts.Events == nil || err == nil {
		return
	}
	p.opts.Events.Publish(events.CaptureFailedEvent{
		MonitorID: id,
		Code:      string(capture.CodeOf(err)),
		Message:   err.Error(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
