package monitor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/capturenode/internal/avlib"
	"github.com/smazurov/capturenode/internal/avlib/avlibtest"
	"github.com/smazurov/capturenode/internal/capture"
	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/interrupt"
	"github.com/smazurov/capturenode/internal/metrics"
)

const codecH264 = 27

func poolTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLibrary(block bool) *avlibtest.Library {
	lib := avlibtest.NewLibrary()
	lib.Decoders[codecH264] = &avlibtest.Codec{Name: "h264", Caps: avlib.CapFrameThreads}

	pkts := make([]avlib.Packet, 3)
	for i := range pkts {
		pkts[i] = avlib.Packet{
			PTS:      int64(i) * 3000,
			DTS:      int64(i) * 3000,
			Duration: 3000,
			Key:      i == 0,
			Data:     []byte{0, 0, 0, 1, byte(i)},
		}
	}
	lib.Containers["camera"] = &avlibtest.Container{
		Streams: []avlib.StreamInfo{{
			Index:     0,
			MediaType: avlib.MediaTypeVideo,
			TimeBase:  avlib.Rational{Num: 1, Den: 90000},
			CodecID:   codecH264,
			CodecName: "h264",
			Width:     640,
			Height:    480,
		}},
		Packets: pkts,
		Block:   block,
	}
	return lib
}

func configFor(paths map[string]string) ConfigProvider {
	return func(id string) (capture.Config, error) {
		path, ok := paths[id]
		if !ok {
			return capture.Config{}, errors.New("unknown monitor")
		}
		return capture.Config{Path: path}, nil
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type packetCounter struct {
	mu    sync.Mutex
	count map[string]int
}

func (c *packetCounter) sink(id string, _ *capture.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == nil {
		c.count = make(map[string]int)
	}
	c.count[id]++
}

func (c *packetCounter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[id]
}

func TestPoolStartStop(t *testing.T) {
	lib := testLibrary(true)
	var counter packetCounter
	pool := NewPool(&PoolOptions{
		Library:        lib,
		ConfigProvider: configFor(map[string]string{"front": "camera"}),
		Sink:           counter.sink,
		Logger:         poolTestLogger(),
	})
	defer pool.StopAll()

	if err := pool.Start("front"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "capturing", func() bool { return pool.IsRunning("front") })
	waitFor(t, "three packets", func() bool { return counter.get("front") == 3 })

	info := pool.GetStatus("front")
	if info.State != StateCapturing {
		t.Errorf("State = %v, want capturing", info.State)
	}
	if info.VideoStreamID != 0 || info.AudioStreamID != -1 {
		t.Errorf("stream ids = %d/%d, want 0/-1", info.VideoStreamID, info.AudioStreamID)
	}
	if info.Stats.VideoPackets != 3 {
		t.Errorf("VideoPackets = %d, want 3", info.Stats.VideoPackets)
	}

	// The blocked read returns once Stop cancels the controller.
	if err := pool.Stop("front"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if pool.IsRunning("front") {
		t.Error("expected monitor to not be running")
	}
	if got := pool.GetStatus("front").State; got != StateIdle {
		t.Errorf("State after stop = %v, want idle", got)
	}
	if n := lib.OpenHandles(); n != 0 {
		t.Errorf("%d handles left open after stop", n)
	}
	if metrics.GetCaptureMetrics("front") != nil {
		t.Error("metrics not removed after stop")
	}
}

func TestPoolStartAlreadyRunning(t *testing.T) {
	pool := NewPool(&PoolOptions{
		Library:        testLibrary(true),
		ConfigProvider: configFor(map[string]string{"front": "camera"}),
		Logger:         poolTestLogger(),
	})
	defer pool.StopAll()

	if err := pool.Start("front"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := pool.Start("front"); err == nil {
		t.Error("expected error when starting already running monitor")
	}
}

func TestPoolStartUnknownMonitor(t *testing.T) {
	pool := NewPool(&PoolOptions{
		Library:        testLibrary(false),
		ConfigProvider: configFor(nil),
		Logger:         poolTestLogger(),
	})
	defer pool.StopAll()

	if err := pool.Start("ghost"); err == nil {
		t.Error("expected config error")
	}
	if len(pool.List()) != 0 {
		t.Errorf("List = %v, want empty", pool.List())
	}
}

func TestPoolInvalidConfig(t *testing.T) {
	pool := NewPool(&PoolOptions{
		Library: testLibrary(false),
		ConfigProvider: func(string) (capture.Config, error) {
			return capture.Config{Path: "camera", Colours: "cmyk"}, nil
		},
		Logger: poolTestLogger(),
	})
	defer pool.StopAll()

	if err := pool.Start("front"); err == nil {
		t.Error("expected session creation error")
	}
}

func TestPoolReprimesAfterEndOfStream(t *testing.T) {
	lib := testLibrary(false)
	var counter packetCounter
	pool := NewPool(&PoolOptions{
		Library:        lib,
		ConfigProvider: configFor(map[string]string{"loop": "camera"}),
		Sink:           counter.sink,
		Reconnect:      ReconnectConfig{RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond},
		Logger:         poolTestLogger(),
	})
	defer pool.StopAll()

	if err := pool.Start("loop"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "two re-primes", func() bool { return pool.GetStatus("loop").Reprimes >= 2 })
	if got := counter.get("loop"); got < 6 {
		t.Errorf("packets = %d, want at least 6", got)
	}

	_ = pool.Stop("loop")
	if n := lib.OpenHandles(); n != 0 {
		t.Errorf("%d handles left open after stop", n)
	}
}

func TestPoolGivesUpAfterMaxRetries(t *testing.T) {
	bus := events.New()
	failures := make(chan events.CaptureFailedEvent, 8)
	unsub := bus.Subscribe(func(e events.CaptureFailedEvent) {
		failures <- e
	})
	defer unsub()

	pool := NewPool(&PoolOptions{
		Library:        testLibrary(false),
		ConfigProvider: configFor(map[string]string{"gone": "missing"}),
		Reconnect:      ReconnectConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond},
		Events:         bus,
		Logger:         poolTestLogger(),
	})
	defer pool.StopAll()

	if err := pool.Start("gone"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "error state", func() bool { return pool.GetStatus("gone").State == StateError })

	info := pool.GetStatus("gone")
	if capture.CodeOf(info.LastError) != capture.ErrCodeOpenFailed {
		t.Errorf("LastError = %v, want OPEN_FAILED", info.LastError)
	}

	for range 3 {
		select {
		case e := <-failures:
			if e.MonitorID != "gone" || e.Code != string(capture.ErrCodeOpenFailed) {
				t.Errorf("unexpected failure event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("missing failure event")
		}
	}

	// A monitor that gave up may be started again.
	if err := pool.Start("gone"); err != nil {
		t.Errorf("restart after error: %v", err)
	}
}

func TestPoolStateTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	pool := NewPool(&PoolOptions{
		Library:        testLibrary(true),
		ConfigProvider: configFor(map[string]string{"front": "camera"}),
		OnStateChange: func(_ string, _, newState State, _ error) {
			mu.Lock()
			seen = append(seen, newState)
			mu.Unlock()
		},
		Logger: poolTestLogger(),
	})

	if err := pool.Start("front"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "capturing", func() bool { return pool.IsRunning("front") })
	pool.StopAll()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StatePriming, StateCapturing, StateStopping, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestPoolTerminationSignal(t *testing.T) {
	sig := interrupt.NewSignal()
	lib := testLibrary(true)
	pool := NewPool(&PoolOptions{
		Library:        lib,
		ConfigProvider: configFor(map[string]string{"front": "camera"}),
		Signal:         sig,
		Logger:         poolTestLogger(),
	})
	defer pool.StopAll()

	if err := pool.Start("front"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "capturing", func() bool { return pool.IsRunning("front") })

	sig.Raise()

	waitFor(t, "idle", func() bool { return pool.GetStatus("front").State == StateIdle })
	waitFor(t, "handles released", func() bool { return lib.OpenHandles() == 0 })
}

func TestPoolRestart(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	pool := NewPool(&PoolOptions{
		Library: testLibrary(true),
		ConfigProvider: func(string) (capture.Config, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return capture.Config{Path: "camera"}, nil
		},
		Logger: poolTestLogger(),
	})
	defer pool.StopAll()

	if err := pool.Start("front"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "capturing", func() bool { return pool.IsRunning("front") })

	if err := pool.Restart("front"); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "capturing again", func() bool { return pool.IsRunning("front") })

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected ConfigProvider to be called twice, got %d", calls)
	}
}

func TestPoolList(t *testing.T) {
	pool := NewPool(&PoolOptions{
		Library:        testLibrary(true),
		ConfigProvider: configFor(map[string]string{"b": "camera", "a": "camera"}),
		Logger:         poolTestLogger(),
	})
	defer pool.StopAll()

	for _, id := range []string{"b", "a"} {
		if err := pool.Start(id); err != nil {
			t.Fatalf("Start(%s) failed: %v", id, err)
		}
	}

	ids := pool.List()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("List = %v, want [a b]", ids)
	}
}

func TestNewPoolRequiresOptions(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic without required options")
		}
	}()
	NewPool(&PoolOptions{})
}
