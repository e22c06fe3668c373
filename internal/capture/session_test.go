package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/capturenode/internal/avlib"
	"github.com/smazurov/capturenode/internal/avlib/avlibtest"
	"github.com/smazurov/capturenode/internal/ffmpeg"
	"github.com/smazurov/capturenode/internal/interrupt"
)

const (
	codecH264 = 27
	codecAAC  = 86018
	codecData = 98304
)

var (
	tb90k = avlib.Rational{Num: 1, Den: 90000}
	tbMs  = avlib.Rational{Num: 1, Den: 1000}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func videoStream(index int) avlib.StreamInfo {
	return avlib.StreamInfo{
		Index:     index,
		MediaType: avlib.MediaTypeVideo,
		TimeBase:  tb90k,
		CodecID:   codecH264,
		CodecName: "h264",
		Width:     1280,
		Height:    720,
	}
}

func audioStream(index int, tb avlib.Rational) avlib.StreamInfo {
	return avlib.StreamInfo{
		Index:     index,
		MediaType: avlib.MediaTypeAudio,
		TimeBase:  tb,
		CodecID:   codecAAC,
		CodecName: "aac",
	}
}

// videoPackets returns n packets of a 30 fps stream in a 90 kHz time base.
func videoPackets(index, n int) []avlib.Packet {
	pkts := make([]avlib.Packet, n)
	for i := range pkts {
		pts := int64(i) * 3000
		pkts[i] = avlib.Packet{
			StreamIndex: index,
			PTS:         pts,
			DTS:         pts,
			Duration:    3000,
			Key:         i == 0,
			Data:        []byte{0, 0, 0, 1, byte(i)},
		}
	}
	return pkts
}

func newLibrary() *avlibtest.Library {
	lib := avlibtest.NewLibrary()
	lib.Decoders[codecH264] = &avlibtest.Codec{Name: "h264", Caps: avlib.CapFrameThreads | avlib.CapSliceThreads}
	lib.Decoders[codecAAC] = &avlibtest.Codec{Name: "aac"}
	lib.DeviceTypes = []avlib.DeviceType{"vaapi"}
	lib.Containers["video.mp4"] = &avlibtest.Container{
		Streams: []avlib.StreamInfo{videoStream(0)},
		Packets: videoPackets(0, 3),
	}
	return lib
}

func newSession(t *testing.T, lib avlib.Library, cfg Config) *Session {
	t.Helper()
	ctrl := interrupt.NewController(interrupt.NewSignal(), interrupt.WithLogger(discardLogger()))
	s, err := New(cfg, lib, ctrl, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	ctrl := interrupt.NewController(nil)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing path", Config{}},
		{"unknown colours", Config{Path: "video.mp4", Colours: "cmyk"}},
		{"negative width", Config{Path: "video.mp4", Width: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, newLibrary(), ctrl); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := New(Config{Path: "video.mp4"}, newLibrary(), nil); err == nil {
		t.Error("expected error without controller")
	}
}

func TestEndToEndVideoOnly(t *testing.T) {
	lib := newLibrary()
	s := newSession(t, lib, Config{Path: "video.mp4", SecondPath: ""})

	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if s.State() != StateCapturing {
		t.Fatalf("State = %s, want capturing", s.State())
	}
	if s.VideoStreamID() != 0 {
		t.Errorf("VideoStreamID = %d, want 0", s.VideoStreamID())
	}
	if s.AudioStreamID() != -1 {
		t.Errorf("AudioStreamID = %d, want -1", s.AudioStreamID())
	}

	var pkt Packet
	prev := int64(-1)
	for i := range 3 {
		if err := s.Capture(&pkt); err != nil {
			t.Fatalf("Capture %d: %v", i, err)
		}
		if pkt.Kind != avlib.MediaTypeVideo {
			t.Errorf("packet %d kind = %s, want video", i, pkt.Kind)
		}
		last := s.VideoTracker().Last()
		if last <= prev {
			t.Errorf("packet %d: last_pts %d not increasing after %d", i, last, prev)
		}
		prev = last
	}

	for _, path := range lib.Reads() {
		if path != "video.mp4" {
			t.Errorf("unexpected read from %q", path)
		}
	}
	if got := s.Stats().VideoPackets; got != 3 {
		t.Errorf("VideoPackets = %d, want 3", got)
	}
	if got := s.Stats().Bytes; got != 15 {
		t.Errorf("Bytes = %d, want 15", got)
	}
}

func TestCaptureRescalesTimestamps(t *testing.T) {
	lib := newLibrary()
	lib.Containers["video.mp4"].Packets = []avlib.Packet{
		{StreamIndex: 0, PTS: 9000, DTS: 6000, Duration: 3000, Key: true, Data: []byte{1}},
		{StreamIndex: 0, PTS: avlib.NoPTS, DTS: avlib.NoPTS, Data: []byte{2}},
	}
	s := newSession(t, lib, Config{Path: "video.mp4"})
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	var pkt Packet
	if err := s.Capture(&pkt); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if pkt.PTS != 100000 || pkt.DTS != 66667 || pkt.Duration != 33333 {
		t.Errorf("PTS/DTS/Duration = %d/%d/%d, want 100000/66667/33333", pkt.PTS, pkt.DTS, pkt.Duration)
	}
	if pkt.RawPTS != 9000 || pkt.TimeBase != tb90k || !pkt.Key {
		t.Errorf("raw fields not preserved: %+v", pkt)
	}

	if err := s.Capture(&pkt); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if pkt.PTS != avlib.NoPTS {
		t.Errorf("PTS = %d, want NoPTS preserved", pkt.PTS)
	}
	if s.VideoTracker().Last() != 0 || s.VideoTracker().First() != 9000 {
		t.Errorf("tracker moved on a packet without PTS: first=%d last=%d",
			s.VideoTracker().First(), s.VideoTracker().Last())
	}
}

func TestTrackerNonDecreasingAcrossCapture(t *testing.T) {
	lib := newLibrary()
	lib.Containers["video.mp4"].Packets = []avlib.Packet{
		{StreamIndex: 0, PTS: 1000},
		{StreamIndex: 0, PTS: 4000},
		{StreamIndex: 0, PTS: 2500},
		{StreamIndex: 0, PTS: 7000},
		{StreamIndex: 0, PTS: 500},
	}
	s := newSession(t, lib, Config{Path: "video.mp4"})
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	var pkt Packet
	var lasts []int64
	for range 5 {
		if err := s.Capture(&pkt); err != nil {
			t.Fatalf("Capture: %v", err)
		}
		lasts = append(lasts, s.VideoTracker().Last())
	}

	want := []int64{0, 3000, 3000, 6000, 6000}
	for i := range want {
		if lasts[i] != want[i] {
			t.Errorf("last_pts[%d] = %d, want %d", i, lasts[i], want[i])
		}
	}
}

func TestPrimeWithoutVideo(t *testing.T) {
	lib := newLibrary()
	lib.Containers["audio.aac"] = &avlibtest.Container{
		Streams: []avlib.StreamInfo{audioStream(0, tbMs)},
	}
	s := newSession(t, lib, Config{Path: "audio.aac"})

	err := s.Prime(context.Background())
	if CodeOf(err) != ErrCodeStreamNotFound {
		t.Fatalf("Prime error = %v, want STREAM_NOT_FOUND", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State = %s, want closed", s.State())
	}
	if s.VideoStreamID() != -1 {
		t.Errorf("VideoStreamID = %d, want -1", s.VideoStreamID())
	}
	if n := lib.OpenHandles(); n != 0 {
		t.Errorf("%d handles left open", n)
	}
}

func TestPrimeReleasesOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(lib *avlibtest.Library)
		code  ErrorCode
	}{
		{
			name:  "missing input",
			setup: func(lib *avlibtest.Library) { delete(lib.Containers, "video.mp4") },
			code:  ErrCodeOpenFailed,
		},
		{
			name: "open error",
			setup: func(lib *avlibtest.Library) {
				lib.Containers["video.mp4"].OpenErr = avlib.NewError(-111, "Connection refused")
			},
			code: ErrCodeOpenFailed,
		},
		{
			name:  "no video decoder",
			setup: func(lib *avlibtest.Library) { delete(lib.Decoders, codecH264) },
			code:  ErrCodeOpenFailed,
		},
		{
			name: "video decoder open fails",
			setup: func(lib *avlibtest.Library) {
				lib.Decoders[codecH264].OpenErr = avlib.NewError(-22, "Invalid argument")
			},
			code: ErrCodeOpenFailed,
		},
		{
			name: "video decoder open fails after hardware negotiation",
			setup: func(lib *avlibtest.Library) {
				lib.Decoders[codecH264].OpenErr = avlib.NewError(-22, "Invalid argument")
				lib.Decoders[codecH264].HWConfigs = []avlib.HardwareConfig{
					{Methods: avlib.HWConfigMethodDeviceContext, DeviceType: "vaapi", PixelFormat: 44},
				}
			},
			code: ErrCodeOpenFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newLibrary()
			tt.setup(lib)
			s := newSession(t, lib, Config{Path: "video.mp4", HWAccelName: "vaapi"})

			err := s.Prime(context.Background())
			if CodeOf(err) != tt.code {
				t.Fatalf("Prime error = %v, want %s", err, tt.code)
			}
			if s.State() != StateClosed {
				t.Errorf("State = %s, want closed", s.State())
			}
			if n := lib.OpenHandles(); n != 0 {
				t.Errorf("%d handles left open", n)
			}
		})
	}
}

func TestCloseIdempotent(t *testing.T) {
	lib := newLibrary()
	s := newSession(t, lib, Config{Path: "video.mp4"})
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	for i := range 2 {
		if err := s.Close(); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
		if n := lib.OpenHandles(); n != 0 {
			t.Errorf("Close %d: %d handles left open", i, n)
		}
		if s.primary != nil || s.secondary != nil || s.video != nil || s.audio != nil || s.hw != nil {
			t.Errorf("Close %d: session still references handles", i)
		}
	}

	for _, in := range lib.Inputs() {
		if in.CloseCount() != 1 {
			t.Errorf("input %s closed %d times", in.Path(), in.CloseCount())
		}
	}
}

func TestRePrimeClosesFirst(t *testing.T) {
	lib := newLibrary()
	lib.Containers["video.mp4"].Streams = append(lib.Containers["video.mp4"].Streams, audioStream(1, tbMs))
	s := newSession(t, lib, Config{Path: "video.mp4"})

	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("first Prime: %v", err)
	}
	firstInputs := lib.Inputs()
	firstContexts := lib.DecoderContexts()

	var transitions []State
	s.onState = func(_, st State) { transitions = append(transitions, st) }

	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("second Prime: %v", err)
	}

	for _, in := range firstInputs {
		if in.CloseCount() != 1 {
			t.Errorf("prior input closed %d times, want 1", in.CloseCount())
		}
	}
	for _, cc := range firstContexts {
		if cc.CloseCount() != 1 {
			t.Errorf("prior decoder %s closed %d times, want 1", cc.DecoderName(), cc.CloseCount())
		}
	}
	if n := lib.OpenHandles(); n != 3 {
		t.Errorf("OpenHandles = %d, want 3 (input + 2 decoders)", n)
	}

	want := []State{StateClosed, StateOpening, StateCapturing}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
	if got := s.Stats().Primes; got != 2 {
		t.Errorf("Primes = %d, want 2", got)
	}
}

func TestUnknownAcceleratorFallsBackToSoftware(t *testing.T) {
	lib := newLibrary()
	s := newSession(t, lib, Config{Path: "video.mp4", HWAccelName: "warpdrive"})

	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if s.State() != StateCapturing {
		t.Errorf("State = %s, want capturing", s.State())
	}
	if s.Hardware() != nil {
		t.Error("expected no hardware context")
	}
	if len(lib.Devices()) != 0 {
		t.Errorf("created %d devices, want 0", len(lib.Devices()))
	}
	cc := lib.DecoderContexts()[0]
	if cc.Device != nil || cc.FormatFn != nil {
		t.Error("decoder configured for hardware")
	}
}

func TestHardwareNegotiated(t *testing.T) {
	lib := newLibrary()
	lib.Decoders[codecH264].HWConfigs = []avlib.HardwareConfig{
		{Methods: avlib.HWConfigMethodDeviceContext, DeviceType: "vaapi", PixelFormat: 44, PixelFormatName: "vaapi"},
	}
	s := newSession(t, lib, Config{Path: "video.mp4", HWAccelName: "vaapi", HWAccelDevice: "/dev/dri/renderD128"})

	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	hc := s.Hardware()
	if hc == nil || hc.DeviceType != "vaapi" {
		t.Fatalf("Hardware() = %+v, want vaapi context", hc)
	}

	_ = s.Close()
	if !lib.Devices()[0].Closed() {
		t.Error("hardware device not released on Close")
	}
}

func TestThreadingSelection(t *testing.T) {
	tests := []struct {
		name        string
		caps        avlib.Capability
		options     string
		wantType    avlib.ThreadType
		wantCount   int
		wantThreads string
	}{
		{"frame and slice", avlib.CapFrameThreads | avlib.CapSliceThreads, "", avlib.ThreadTypeFrame, 0, ""},
		{"slice only", avlib.CapSliceThreads, "", avlib.ThreadTypeSlice, 0, ""},
		{"none", 0, "", avlib.ThreadTypeNone, 1, ""},
		{"threads option kept for threaded decoder", avlib.CapFrameThreads, "threads=4", avlib.ThreadTypeFrame, 0, "4"},
		{"threads option dropped for single thread", 0, "threads=4", avlib.ThreadTypeNone, 1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newLibrary()
			lib.Decoders[codecH264].Caps = tt.caps
			s := newSession(t, lib, Config{Path: "video.mp4", Options: tt.options})
			if err := s.Prime(context.Background()); err != nil {
				t.Fatalf("Prime: %v", err)
			}
			cc := lib.DecoderContexts()[0]
			if cc.ThreadType != tt.wantType || cc.ThreadCount != tt.wantCount {
				t.Errorf("threading = %s/%d, want %s/%d", cc.ThreadType, cc.ThreadCount, tt.wantType, tt.wantCount)
			}
			if got, _ := cc.OpenOptions.Get("threads"); got != tt.wantThreads {
				t.Errorf("threads option = %q, want %q", got, tt.wantThreads)
			}
			if !cc.LowDelay {
				t.Error("low delay not set")
			}
		})
	}
}

func TestFastPathDecoder(t *testing.T) {
	tests := []struct {
		name         string
		registerFast bool
		fast         map[string]string
		want         string
	}{
		{"fast decoder available", true, nil, "h264_mmal"},
		{"fast decoder missing", false, nil, "h264"},
		{"fast path disabled", true, map[string]string{}, "h264"},
		{"custom mapping", true, map[string]string{"h264": "h264_v4l2m2m"}, "h264_v4l2m2m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newLibrary()
			if tt.registerFast {
				lib.NamedDecoders["h264_mmal"] = &avlibtest.Codec{Name: "h264_mmal"}
				lib.NamedDecoders["h264_v4l2m2m"] = &avlibtest.Codec{Name: "h264_v4l2m2m"}
			}
			s := newSession(t, lib, Config{Path: "video.mp4", FastDecoders: tt.fast})
			if err := s.Prime(context.Background()); err != nil {
				t.Fatalf("Prime: %v", err)
			}
			if got := lib.DecoderContexts()[0].DecoderName(); got != tt.want {
				t.Errorf("decoder = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInputOptions(t *testing.T) {
	const rtspPath = "rtsp://cam.local/stream"

	tests := []struct {
		name          string
		path          string
		method        string
		options       string
		wantTransport string
	}{
		{"tcp", rtspPath, "rtpRtsp", "", "tcp"},
		{"multicast", rtspPath, "rtpMulti", "", "udp_multicast"},
		{"http tunnel", rtspPath, "rtpRtspHttp", "", "http"},
		{"unicast", rtspPath, "rtpUni", "", "udp"},
		{"unknown method uses default", rtspPath, "rtpCarrierPigeon", "", ""},
		{"no method", rtspPath, "", "", ""},
		{"not rtsp", "video.mp4", "rtpRtsp", "", ""},
		{"method overrides user option", rtspPath, "rtpRtsp", "rtsp_transport=udp", "tcp"},
		{"malformed options keep parsed prefix", rtspPath, "rtpUni", "stimeout=5000000,broken", "udp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newLibrary()
			lib.Containers[rtspPath] = lib.Containers["video.mp4"]
			s := newSession(t, lib, Config{Path: tt.path, Method: ffmpeg.Method(tt.method), Options: tt.options})
			if err := s.Prime(context.Background()); err != nil {
				t.Fatalf("Prime: %v", err)
			}

			got, _ := lib.Inputs()[0].Options.Get("rtsp_transport")
			if got != tt.wantTransport {
				t.Errorf("rtsp_transport = %q, want %q", got, tt.wantTransport)
			}
		})
	}
}

func TestUnconsumedOptionsReachDecoder(t *testing.T) {
	lib := newLibrary()
	lib.Containers["video.mp4"].Consumes = []string{"fflags"}
	lib.Decoders[codecH264].Consumes = []string{"skip_frame"}
	s := newSession(t, lib, Config{Path: "video.mp4", Options: "fflags=nobuffer,skip_frame=nokey,bogus=1"})

	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	opened := lib.DecoderContexts()[0].OpenOptions
	if _, ok := opened.Get("fflags"); ok {
		t.Error("decoder received an option consumed by the input")
	}
	if _, ok := opened.Get("skip_frame"); !ok {
		t.Error("decoder did not receive skip_frame")
	}
	if _, ok := opened.Get("bogus"); !ok {
		t.Error("decoder did not receive the unknown option")
	}
}

func TestSecondaryAudioInput(t *testing.T) {
	lib := newLibrary()
	lib.Containers["mic.aac"] = &avlibtest.Container{
		Streams: []avlib.StreamInfo{audioStream(0, tbMs)},
	}

	s := newSession(t, lib, Config{Path: "video.mp4", SecondPath: "mic.aac"})
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if !s.HasSecondaryInput() {
		t.Fatal("secondary input not opened")
	}
	if s.AudioStreamID() != 0 {
		t.Errorf("AudioStreamID = %d, want 0", s.AudioStreamID())
	}
}

func TestSecondaryNotOpenedWhenPrimaryHasAudio(t *testing.T) {
	lib := newLibrary()
	lib.Containers["video.mp4"].Streams = append(lib.Containers["video.mp4"].Streams, audioStream(1, tbMs))
	lib.Containers["mic.aac"] = &avlibtest.Container{Streams: []avlib.StreamInfo{audioStream(0, tbMs)}}

	s := newSession(t, lib, Config{Path: "video.mp4", SecondPath: "mic.aac"})
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if s.HasSecondaryInput() {
		t.Error("secondary opened although primary carries audio")
	}
	if s.AudioStreamID() != 1 {
		t.Errorf("AudioStreamID = %d, want 1", s.AudioStreamID())
	}
	if len(lib.Inputs()) != 1 {
		t.Errorf("opened %d inputs, want 1", len(lib.Inputs()))
	}
}

func TestSecondaryUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(lib *avlibtest.Library)
	}{
		{"missing", func(*avlibtest.Library) {}},
		{"no audio stream", func(lib *avlibtest.Library) {
			lib.Containers["mic.aac"] = &avlibtest.Container{
				Streams: []avlib.StreamInfo{{Index: 0, MediaType: avlib.MediaTypeOther, CodecID: codecData}},
			}
		}},
		{"audio decoder missing", func(lib *avlibtest.Library) {
			lib.Containers["mic.aac"] = &avlibtest.Container{Streams: []avlib.StreamInfo{audioStream(0, tbMs)}}
			delete(lib.Decoders, codecAAC)
		}},
		{"audio decoder open fails", func(lib *avlibtest.Library) {
			lib.Containers["mic.aac"] = &avlibtest.Container{Streams: []avlib.StreamInfo{audioStream(0, tbMs)}}
			lib.Decoders[codecAAC].OpenErr = errors.New("unsupported sample format")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newLibrary()
			tt.setup(lib)
			s := newSession(t, lib, Config{Path: "video.mp4", SecondPath: "mic.aac"})

			if err := s.Prime(context.Background()); err != nil {
				t.Fatalf("Prime: %v", err)
			}
			if s.State() != StateCapturing {
				t.Errorf("State = %s, want capturing", s.State())
			}
			if s.HasSecondaryInput() || s.AudioStreamID() != -1 {
				t.Error("audio should be unavailable")
			}
			// primary input + video decoder
			if n := lib.OpenHandles(); n != 2 {
				t.Errorf("OpenHandles = %d, want 2", n)
			}
		})
	}
}

func TestSourceSelection(t *testing.T) {
	lib := newLibrary()
	lib.Containers["video.mp4"].Streams = []avlib.StreamInfo{{Index: 0, MediaType: avlib.MediaTypeVideo, TimeBase: tbMs, CodecID: codecH264, CodecName: "h264"}}
	lib.Containers["mic.aac"] = &avlibtest.Container{Streams: []avlib.StreamInfo{audioStream(0, tbMs)}}

	s := newSession(t, lib, Config{Path: "video.mp4", SecondPath: "mic.aac"})
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	tests := []struct {
		name      string
		audioLast int64
		videoLast int64
		want      role
	}{
		{"audio behind", 1000, 1500, roleSecondary},
		{"video behind", 2000, 1500, rolePrimary},
		{"tie prefers primary", 1500, 1500, rolePrimary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.audioTracker = Tracker{first: 0, last: tt.audioLast}
			s.videoTracker = Tracker{first: 0, last: tt.videoLast}
			if got := s.next().role; got != tt.want {
				t.Errorf("next() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSourceSelectionAcrossTimeBases(t *testing.T) {
	lib := newLibrary()
	lib.Containers["mic.aac"] = &avlibtest.Container{Streams: []avlib.StreamInfo{audioStream(0, tbMs)}}

	s := newSession(t, lib, Config{Path: "video.mp4", SecondPath: "mic.aac"})
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	// 90000 ticks at 1/90000 is one second; 900 ms of audio is behind it.
	s.videoTracker = Tracker{first: 0, last: 90000}
	s.audioTracker = Tracker{first: 0, last: 900}
	if got := s.next().role; got != roleSecondary {
		t.Errorf("next() = %s, want secondary", got)
	}
	s.audioTracker = Tracker{first: 0, last: 1100}
	if got := s.next().role; got != rolePrimary {
		t.Errorf("next() = %s, want primary", got)
	}
}

func TestCaptureMergesSecondaryAudio(t *testing.T) {
	lib := newLibrary()
	lib.Containers["video.mp4"] = &avlibtest.Container{
		Streams: []avlib.StreamInfo{{Index: 0, MediaType: avlib.MediaTypeVideo, TimeBase: tbMs, CodecID: codecH264, CodecName: "h264"}},
		Packets: []avlib.Packet{
			{StreamIndex: 0, PTS: 0}, {StreamIndex: 0, PTS: 100}, {StreamIndex: 0, PTS: 200}, {StreamIndex: 0, PTS: 300},
		},
	}
	lib.Containers["mic.aac"] = &avlibtest.Container{
		Streams: []avlib.StreamInfo{audioStream(0, tbMs)},
		Packets: []avlib.Packet{
			{StreamIndex: 0, PTS: 0}, {StreamIndex: 0, PTS: 150}, {StreamIndex: 0, PTS: 250},
		},
	}

	s := newSession(t, lib, Config{Path: "video.mp4", SecondPath: "mic.aac"})
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}

	var pkt Packet
	var kinds []avlib.MediaType
	for range 6 {
		if err := s.Capture(&pkt); err != nil {
			t.Fatalf("Capture: %v", err)
		}
		if pkt.Kind == avlib.MediaTypeAudio && !pkt.Secondary {
			t.Error("audio packet not attributed to the secondary input")
		}
		kinds = append(kinds, pkt.Kind)
	}

	// Comments show the tracked positions before each read.
	want := []avlib.MediaType{
		avlib.MediaTypeVideo, // v=0 a=0 tie
		avlib.MediaTypeVideo, // v=0 a=0 tie, video -> 100
		avlib.MediaTypeAudio, // v=100 a=0
		avlib.MediaTypeAudio, // v=100 a=0, audio -> 150
		avlib.MediaTypeVideo, // v=100 a=150, video -> 200
		avlib.MediaTypeAudio, // v=200 a=150, audio -> 250
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("packet %d kind = %s, want %s (got sequence %v)", i, kinds[i], want[i], kinds)
			break
		}
	}
	st := s.Stats()
	if st.VideoPackets != 3 || st.AudioPackets != 3 {
		t.Errorf("stats = %+v, want 3 video and 3 audio", st)
	}
}

func TestReadFailureClassification(t *testing.T) {
	tests := []struct {
		name       string
		endErr     error
		eofReached bool
		code       ErrorCode
		eos        bool
		transport  bool
	}{
		{"end of stream", avlib.ErrEOF, false, ErrCodeReadEndOfStream, true, false},
		{"end of buffer", avlib.NewError(-5, "Input/output error"), true, ErrCodeReadEndOfStream, true, false},
		{"timed out", avlib.NewError(avlib.CodeTimedOut, "Connection timed out"), false, ErrCodeReadTransportError, false, true},
		{"connection reset", avlib.NewError(avlib.CodeConnectionReset, "Connection reset by peer"), false, ErrCodeReadTransportError, false, true},
		{"invalid data", avlib.NewError(-1094995529, "Invalid data found when processing input"), false, ErrCodeReadOtherError, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newLibrary()
			lib.Containers["video.mp4"].Packets = nil
			lib.Containers["video.mp4"].EndErr = tt.endErr
			lib.Containers["video.mp4"].EOFReached = tt.eofReached
			s := newSession(t, lib, Config{Path: "video.mp4"})
			if err := s.Prime(context.Background()); err != nil {
				t.Fatalf("Prime: %v", err)
			}

			var pkt Packet
			err := s.Capture(&pkt)
			var re *ReadError
			if !errors.As(err, &re) {
				t.Fatalf("Capture error = %v, want *ReadError", err)
			}
			if re.Class != tt.code {
				t.Errorf("Class = %s, want %s", re.Class, tt.code)
			}
			if IsEndOfStream(err) != tt.eos || IsTransport(err) != tt.transport {
				t.Errorf("IsEndOfStream=%v IsTransport=%v", IsEndOfStream(err), IsTransport(err))
			}
			if !errors.Is(err, tt.endErr) {
				t.Error("read error does not wrap the library error")
			}
			if s.State() != StateClosed {
				t.Errorf("State = %s, want closed", s.State())
			}
			if n := lib.OpenHandles(); n != 0 {
				t.Errorf("%d handles left open", n)
			}
			if err := s.Capture(&pkt); !errors.Is(err, ErrNotCapturing) {
				t.Errorf("Capture after failure = %v, want ErrNotCapturing", err)
			}
			if s.Stats().ReadErrors != 1 {
				t.Errorf("ReadErrors = %d, want 1", s.Stats().ReadErrors)
			}
		})
	}
}

func TestCaptureBeforePrime(t *testing.T) {
	s := newSession(t, newLibrary(), Config{Path: "video.mp4"})
	var pkt Packet
	if err := s.Capture(&pkt); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("Capture = %v, want ErrNotCapturing", err)
	}
}

func TestPrimeInterrupted(t *testing.T) {
	lib := newLibrary()
	sig := interrupt.NewSignal()
	ctrl := interrupt.NewController(sig, interrupt.WithLogger(discardLogger()))
	s, err := New(Config{Path: "video.mp4"}, lib, ctrl, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sig.Raise()
	if err := s.Prime(context.Background()); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Prime = %v, want ErrInterrupted", err)
	}
	if len(lib.Inputs()) != 0 {
		t.Error("input opened after termination was requested")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Prime(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Prime with cancelled context = %v", err)
	}
}

func TestDimensionMismatchIsNotFatal(t *testing.T) {
	lib := newLibrary()
	s := newSession(t, lib, Config{Path: "video.mp4", Width: 1920, Height: 1080})
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if s.State() != StateCapturing {
		t.Errorf("State = %s, want capturing", s.State())
	}
}

func TestColourMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ColourMode
		bpp     int
		pixFmt  string
		order   string
		wantErr bool
	}{
		{"", ColourRGB32, 4, "rgba", "rgba", false},
		{"rgb32", ColourRGB32, 4, "rgba", "rgba", false},
		{"3", ColourRGB24, 3, "rgb24", "rgb", false},
		{"GRAY8", ColourGray8, 1, "gray8", "none", false},
		{"2", "", 0, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseColourMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseColourMode(%q) error = %v", tt.in, err)
			}
			if got != tt.want || got.BytesPerPixel() != tt.bpp || got.PixelFormat() != tt.pixFmt {
				t.Errorf("ParseColourMode(%q) = %s (%d, %s)", tt.in, got, got.BytesPerPixel(), got.PixelFormat())
			}
			if !tt.wantErr && got.SubpixelOrder() != tt.order {
				t.Errorf("SubpixelOrder = %s, want %s", got.SubpixelOrder(), tt.order)
			}
		})
	}

	s := newSession(t, newLibrary(), Config{Path: "video.mp4", Colours: ColourGray8})
	if s.ImagePixelFormat() != "gray8" {
		t.Errorf("ImagePixelFormat = %s", s.ImagePixelFormat())
	}

	s = newSession(t, newLibrary(), Config{Path: "video.mp4"})
	if s.Colours() != ColourRGB32 || s.ImagePixelFormat() != "rgba" {
		t.Errorf("default colours = %s (%s), want rgb32 (rgba)", s.Colours(), s.ImagePixelFormat())
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// connectFor simulates a connect that takes d and gives up when interrupted.
func connectFor(clock *testClock, d time.Duration) func(avlib.InterruptFunc) error {
	return func(interrupt avlib.InterruptFunc) error {
		clock.Advance(d)
		if interrupt() {
			return avlib.NewError(avlibtest.CodeExit, "Immediate exit requested")
		}
		return nil
	}
}

func TestEachOpenGetsFullDeadline(t *testing.T) {
	lib := newLibrary()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	lib.Containers["video.mp4"].OnOpen = connectFor(clock, 8*time.Second)
	lib.Containers["mic.aac"] = &avlibtest.Container{
		Streams: []avlib.StreamInfo{audioStream(0, tbMs)},
		OnOpen:  connectFor(clock, 3*time.Second),
	}

	ctrl := interrupt.NewController(interrupt.NewSignal(),
		interrupt.WithClock(clock.Now),
		interrupt.WithLogger(discardLogger()))
	s, err := New(Config{Path: "video.mp4", SecondPath: "mic.aac"}, lib, ctrl, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if !s.HasSecondaryInput() {
		t.Error("secondary connect was charged for the primary connect time")
	}
}

func TestPrimeAfterCancelledContext(t *testing.T) {
	lib := newLibrary()
	ctx, cancel := context.WithCancel(context.Background())
	lib.Containers["video.mp4"].OnOpen = func(avlib.InterruptFunc) error {
		cancel()
		return nil
	}
	s := newSession(t, lib, Config{Path: "video.mp4"})

	err := s.Prime(ctx)
	if CodeOf(err) != ErrCodeOpenFailed || !errors.Is(err, context.Canceled) {
		t.Fatalf("Prime = %v, want OPEN_FAILED wrapping context.Canceled", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State = %s, want closed", s.State())
	}
	if n := lib.OpenHandles(); n != 0 {
		t.Errorf("%d handles left open", n)
	}

	lib.Containers["video.mp4"].OnOpen = nil
	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime with a live context: %v", err)
	}
	var pkt Packet
	if err := s.Capture(&pkt); err != nil {
		t.Errorf("Capture after re-prime: %v", err)
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

// levelOf returns the level of the first record carrying code, or false.
func (h *recordingHandler) levelOf(code ErrorCode) (slog.Level, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		found := false
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "code" && a.Value.String() == string(code) {
				found = true
				return false
			}
			return true
		})
		if found {
			return r.Level, true
		}
	}
	return 0, false
}

func TestHardwareFailureLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		hwaccel string
		devErr  bool
		want    slog.Level
	}{
		{"unknown accelerator warns", "warpdrive", false, slog.LevelWarn},
		{"device creation failure is an error", "vaapi", true, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newLibrary()
			lib.Decoders[codecH264].HWConfigs = []avlib.HardwareConfig{
				{Methods: avlib.HWConfigMethodDeviceContext, DeviceType: "vaapi", PixelFormat: 44},
			}
			if tt.devErr {
				lib.DeviceErrs[""] = avlib.NewError(-12, "Cannot allocate memory")
			}
			rec := &recordingHandler{}
			ctrl := interrupt.NewController(interrupt.NewSignal(), interrupt.WithLogger(discardLogger()))
			s, err := New(Config{Path: "video.mp4", HWAccelName: tt.hwaccel}, lib, ctrl, WithLogger(slog.New(rec)))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })

			if err := s.Prime(context.Background()); err != nil {
				t.Fatalf("Prime: %v", err)
			}
			level, ok := rec.levelOf(ErrCodeHardwareNegotiationFailed)
			if !ok {
				t.Fatal("no negotiation failure logged")
			}
			if level != tt.want {
				t.Errorf("logged at %s, want %s", level, tt.want)
			}
		})
	}
}

func TestUnknownMethodListsSupported(t *testing.T) {
	const rtspPath = "rtsp://cam.local/stream"
	lib := newLibrary()
	lib.Containers[rtspPath] = lib.Containers["video.mp4"]
	rec := &recordingHandler{}
	ctrl := interrupt.NewController(interrupt.NewSignal(), interrupt.WithLogger(discardLogger()))
	s, err := New(Config{Path: rtspPath, Method: "rtpCarrierPigeon"}, lib, ctrl, WithLogger(slog.New(rec)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Prime(context.Background()); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if level, ok := rec.levelOf(ErrCodeTransportUnsupported); !ok || level != slog.LevelWarn {
		t.Fatalf("transport warning = %s/%v, want WARN", level, ok)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var supported []ffmpeg.Method
	for _, r := range rec.records {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "supported" {
				supported, _ = a.Value.Any().([]ffmpeg.Method)
			}
			return true
		})
	}
	if len(supported) != len(ffmpeg.Methods()) {
		t.Errorf("supported = %v, want %v", supported, ffmpeg.Methods())
	}
}
