// Package astiavlib implements the avlib boundary on top of libav through
// go-astiav.
package astiavlib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/smazurov/capturenode/internal/avlib"
	"github.com/smazurov/capturenode/internal/ffmpeg"
	"github.com/smazurov/capturenode/internal/logging"
)

// watchdogInterval is how often an open input polls its interrupt predicate.
const watchdogInterval = 50 * time.Millisecond

// deviceTypeNames are the libav hardware device types checked at startup.
var deviceTypeNames = []string{
	"vdpau", "cuda", "vaapi", "dxva2", "qsv", "videotoolbox",
	"d3d11va", "drm", "opencl", "mediacodec", "vulkan", "d3d12va",
}

// Library is the libav-backed avlib.Library.
type Library struct {
	logger *slog.Logger
}

// New returns a Library and routes libav log output into the ffmpeg.LogModule logger.
func New() *Library {
	l := &Library{logger: logging.GetLogger(ffmpeg.LogModule)}
	l.installLogCallback()
	return l
}

var logOnce sync.Once

func (l *Library) installLogCallback() {
	logOnce.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelInfo)
		astiav.SetLogCallback(func(_ astiav.Classer, lvl astiav.LogLevel, _, msg string) {
			msg = ffmpeg.CleanLogMessage(msg)
			if msg == "" {
				return
			}
			l.logger.Log(context.Background(), ffmpeg.LogLevel(logLevelName(lvl)), msg)
		})
	})
}

func logLevelName(lvl astiav.LogLevel) string {
	switch lvl {
	case astiav.LogLevelQuiet:
		return "quiet"
	case astiav.LogLevelPanic:
		return "panic"
	case astiav.LogLevelFatal:
		return "fatal"
	case astiav.LogLevelError:
		return "error"
	case astiav.LogLevelWarning:
		return "warning"
	case astiav.LogLevelVerbose:
		return "verbose"
	case astiav.LogLevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// OpenInput implements avlib.Library. The container is opened and its stream info read.
func (l *Library) OpenInput(path string, opts *avlib.Options, interrupt avlib.InterruptFunc) (avlib.Input, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("alloc format context failed")
	}

	in := &Input{fc: fc}
	if interrupt != nil {
		in.ii = astiav.NewIOInterrupter()
		fc.SetIOInterrupter(in.ii)
		in.watchdog = avlib.NewWatchdog(in.ii, interrupt, watchdogInterval)
	}

	d := toDictionary(opts)
	defer d.Free()

	if err := in.watchdog.Guard(func() error { return fc.OpenInput(path, nil, d) }); err != nil {
		// libav frees the context on failure; Close only drops the interrupter.
		_ = in.Close()
		return nil, mapError(err)
	}
	fromDictionary(d, opts)

	if err := in.watchdog.Guard(func() error { return fc.FindStreamInfo(nil) }); err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("find stream info: %w", mapError(err))
	}

	in.streams = fc.Streams()
	return in, nil
}

// FindDecoder implements avlib.Library.
func (l *Library) FindDecoder(codecID int) (avlib.Decoder, bool) {
	c := astiav.FindDecoder(astiav.CodecID(codecID))
	if c == nil {
		return nil, false
	}
	return &Decoder{c: c}, true
}

// FindDecoderByName implements avlib.Library.
func (l *Library) FindDecoderByName(name string) (avlib.Decoder, bool) {
	c := astiav.FindDecoderByName(name)
	if c == nil {
		return nil, false
	}
	return &Decoder{c: c}, true
}

// HardwareDeviceTypes implements avlib.Library.
func (l *Library) HardwareDeviceTypes() []avlib.DeviceType {
	var out []avlib.DeviceType
	for _, name := range deviceTypeNames {
		if astiav.FindHardwareDeviceTypeByName(name) != astiav.HardwareDeviceTypeNone {
			out = append(out, avlib.DeviceType(name))
		}
	}
	return out
}

// FindHardwareDeviceType implements avlib.Library.
func (l *Library) FindHardwareDeviceType(name string) avlib.DeviceType {
	if name == "" || astiav.FindHardwareDeviceTypeByName(name) == astiav.HardwareDeviceTypeNone {
		return avlib.DeviceTypeNone
	}
	return avlib.DeviceType(name)
}

// CreateHardwareDevice implements avlib.Library.
func (l *Library) CreateHardwareDevice(t avlib.DeviceType, devicePath string) (avlib.DeviceContext, error) {
	ht := astiav.FindHardwareDeviceTypeByName(string(t))
	if ht == astiav.HardwareDeviceTypeNone {
		return nil, fmt.Errorf("unknown device type %q", t)
	}
	hdc, err := astiav.CreateHardwareDeviceContext(ht, devicePath, nil, 0)
	if err != nil {
		return nil, mapError(err)
	}
	return &Device{typ: t, hdc: hdc}, nil
}

// Input wraps an open format context. libav only checks the interrupter
// flag from its blocking loops, so the Go predicate is polled by a watchdog
// around each blocking call.
type Input struct {
	fc       *astiav.FormatContext
	streams  []*astiav.Stream
	pkt      *astiav.Packet
	ii       *astiav.IOInterrupter
	watchdog *avlib.Watchdog
}

// Streams implements avlib.Input.
func (in *Input) Streams() []avlib.StreamInfo {
	out := make([]avlib.StreamInfo, 0, len(in.streams))
	for _, s := range in.streams {
		cp := s.CodecParameters()
		tb := s.TimeBase()
		out = append(out, avlib.StreamInfo{
			Index:     s.Index(),
			MediaType: mediaType(cp.MediaType()),
			TimeBase:  avlib.Rational{Num: tb.Num(), Den: tb.Den()},
			CodecID:   int(cp.CodecID()),
			CodecName: cp.CodecID().Name(),
			Width:     cp.Width(),
			Height:    cp.Height(),
		})
	}
	return out
}

func mediaType(t astiav.MediaType) avlib.MediaType {
	switch t {
	case astiav.MediaTypeVideo:
		return avlib.MediaTypeVideo
	case astiav.MediaTypeAudio:
		return avlib.MediaTypeAudio
	default:
		return avlib.MediaTypeOther
	}
}

// NewDecoderContext implements avlib.Input.
func (in *Input) NewDecoderContext(index int, dec avlib.Decoder) (avlib.DecoderContext, error) {
	if index < 0 || index >= len(in.streams) {
		return nil, fmt.Errorf("stream %d out of range", index)
	}
	d, ok := dec.(*Decoder)
	if !ok {
		return nil, errors.New("decoder from another library")
	}
	cc := astiav.AllocCodecContext(d.c)
	if cc == nil {
		return nil, errors.New("alloc codec context failed")
	}
	if err := in.streams[index].CodecParameters().ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, fmt.Errorf("copy codec parameters: %w", mapError(err))
	}
	return &DecoderContext{cc: cc, codec: d.c}, nil
}

// ReadPacket implements avlib.Input. The library packet is unreferenced
// before returning; pkt receives a copy of its data.
func (in *Input) ReadPacket(pkt *avlib.Packet) error {
	if in.pkt == nil {
		in.pkt = astiav.AllocPacket()
	}
	if err := in.watchdog.Guard(func() error { return in.fc.ReadFrame(in.pkt) }); err != nil {
		return avlib.EndOfInput(mapError(err), eofReached(in.fc))
	}
	defer in.pkt.Unref()

	pkt.StreamIndex = in.pkt.StreamIndex()
	pkt.PTS = noPTS(in.pkt.Pts())
	pkt.DTS = noPTS(in.pkt.Dts())
	pkt.Duration = in.pkt.Duration()
	pkt.Key = in.pkt.Flags().Has(astiav.PacketFlagKey)
	pkt.Data = append(pkt.Data[:0], in.pkt.Data()...)
	return nil
}

func noPTS(ts int64) int64 {
	if ts == astiav.NoPtsValue {
		return avlib.NoPTS
	}
	return ts
}

// Close implements avlib.Input.
func (in *Input) Close() error {
	if in.pkt != nil {
		in.pkt.Free()
		in.pkt = nil
	}
	if in.fc != nil {
		in.fc.CloseInput()
		in.fc.Free()
		in.fc = nil
	}
	if in.ii != nil {
		in.ii.Free()
		in.ii = nil
	}
	in.streams = nil
	return nil
}

// Decoder wraps a libav codec.
type Decoder struct {
	c *astiav.Codec
}

// Name implements avlib.Decoder.
func (d *Decoder) Name() string { return d.c.Name() }

// Capabilities implements avlib.Decoder.
func (d *Decoder) Capabilities() avlib.Capability { return decoderCapabilities(d.c.Name()) }

// HardwareConfigs implements avlib.Decoder.
func (d *Decoder) HardwareConfigs() []avlib.HardwareConfig {
	hcs := d.c.HardwareConfigs()
	out := make([]avlib.HardwareConfig, 0, len(hcs))
	for _, hc := range hcs {
		var m avlib.HWConfigMethod
		f := hc.MethodFlags()
		if f.Has(astiav.CodecHardwareConfigMethodFlagHwDeviceCtx) {
			m |= avlib.HWConfigMethodDeviceContext
		}
		if f.Has(astiav.CodecHardwareConfigMethodFlagHwFramesCtx) {
			m |= avlib.HWConfigMethodFramesContext
		}
		if f.Has(astiav.CodecHardwareConfigMethodFlagInternal) {
			m |= avlib.HWConfigMethodInternal
		}
		if f.Has(astiav.CodecHardwareConfigMethodFlagAdHoc) {
			m |= avlib.HWConfigMethodAdHoc
		}
		out = append(out, avlib.HardwareConfig{
			Methods:         m,
			DeviceType:      avlib.DeviceType(hc.HardwareDeviceType().String()),
			PixelFormat:     avlib.PixelFormat(hc.PixelFormat()),
			PixelFormatName: hc.PixelFormat().String(),
		})
	}
	return out
}

// DecoderContext wraps a libav codec context.
type DecoderContext struct {
	cc      *astiav.CodecContext
	codec   *astiav.Codec
	hwFlags avlib.HWAccelFlag
}

// SetThreading implements avlib.DecoderContext.
func (d *DecoderContext) SetThreading(t avlib.ThreadType, count int) {
	switch t {
	case avlib.ThreadTypeFrame:
		d.cc.SetThreadType(astiav.ThreadTypeFrame)
	case avlib.ThreadTypeSlice:
		d.cc.SetThreadType(astiav.ThreadTypeSlice)
	}
	d.cc.SetThreadCount(count)
}

// SetLowDelay implements avlib.DecoderContext.
func (d *DecoderContext) SetLowDelay(fast bool) {
	d.cc.SetFlags(d.cc.Flags().Add(astiav.CodecContextFlagLowDelay))
	if fast {
		d.cc.SetFlags2(d.cc.Flags2().Add(astiav.CodecFlag2Fast))
	}
}

// SetHardwareDevice implements avlib.DecoderContext.
func (d *DecoderContext) SetHardwareDevice(dev avlib.DeviceContext) {
	if hd, ok := dev.(*Device); ok {
		d.cc.SetHardwareDeviceContext(hd.hdc)
	}
}

// SetHardwareAccelFlags implements avlib.DecoderContext. The flags are
// applied as the hwaccel_flags option when the decoder is opened.
func (d *DecoderContext) SetHardwareAccelFlags(f avlib.HWAccelFlag) { d.hwFlags = f }

// SetPixelFormatCallback implements avlib.DecoderContext.
func (d *DecoderContext) SetPixelFormatCallback(fn func([]avlib.PixelFormat) avlib.PixelFormat) {
	d.cc.SetPixelFormatCallback(func(pfs []astiav.PixelFormat) astiav.PixelFormat {
		offered := make([]avlib.PixelFormat, len(pfs))
		for i, pf := range pfs {
			offered[i] = avlib.PixelFormat(pf)
		}
		return astiav.PixelFormat(fn(offered))
	})
}

// Open implements avlib.DecoderContext.
func (d *DecoderContext) Open(opts *avlib.Options) error {
	if d.hwFlags != 0 {
		if opts == nil {
			opts = avlib.NewOptions()
		}
		if _, set := opts.Get(string(ffmpeg.KeyHWAccelFlags)); !set {
			opts.Set(string(ffmpeg.KeyHWAccelFlags), hwAccelFlagsValue(d.hwFlags))
		}
	}
	dict := toDictionary(opts)
	defer dict.Free()

	if err := d.cc.Open(d.codec, dict); err != nil {
		return mapError(err)
	}
	fromDictionary(dict, opts)
	return nil
}

func hwAccelFlagsValue(f avlib.HWAccelFlag) string {
	v := ""
	if f&avlib.HWAccelIgnoreLevel != 0 {
		v += "+ignore_level"
	}
	if f&avlib.HWAccelAllowProfileMismatch != 0 {
		v += "+allow_profile_mismatch"
	}
	return v
}

// Width implements avlib.DecoderContext.
func (d *DecoderContext) Width() int { return d.cc.Width() }

// Height implements avlib.DecoderContext.
func (d *DecoderContext) Height() int { return d.cc.Height() }

// PixelFormatName implements avlib.DecoderContext.
func (d *DecoderContext) PixelFormatName() string { return d.cc.PixelFormat().String() }

// Close implements avlib.DecoderContext.
func (d *DecoderContext) Close() error {
	if d.cc != nil {
		d.cc.Free()
		d.cc = nil
	}
	return nil
}

// Device wraps a hardware device context.
type Device struct {
	typ avlib.DeviceType
	hdc *astiav.HardwareDeviceContext
}

// Type implements avlib.DeviceContext.
func (d *Device) Type() avlib.DeviceType { return d.typ }

// Close implements avlib.DeviceContext.
func (d *Device) Close() error {
	if d.hdc != nil {
		d.hdc.Free()
		d.hdc = nil
	}
	return nil
}

func toDictionary(opts *avlib.Options) *astiav.Dictionary {
	d := astiav.NewDictionary()
	for _, e := range opts.Entries() {
		_ = d.Set(e.Key, e.Value, 0)
	}
	return d
}

// fromDictionary replaces opts with what libav left unconsumed in d.
func fromDictionary(d *astiav.Dictionary, opts *avlib.Options) {
	if opts == nil {
		return
	}
	var left []avlib.Option
	flags := astiav.NewDictionaryFlags(astiav.DictionaryFlagIgnoreSuffix)
	var prev *astiav.DictionaryEntry
	for {
		e := d.Get("", prev, flags)
		if e == nil {
			break
		}
		left = append(left, avlib.Option{Key: e.Key(), Value: e.Value()})
		prev = e
	}
	opts.Replace(left)
}

func mapError(err error) error {
	if errors.Is(err, astiav.ErrEof) {
		return avlib.ErrEOF
	}
	var ae astiav.Error
	if errors.As(err, &ae) {
		return avlib.NewError(int(ae), ae.Error())
	}
	return err
}
