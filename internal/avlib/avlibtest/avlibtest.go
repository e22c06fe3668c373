// Package avlibtest provides a synthetic, in-memory decoding library.
//
// Containers are registered by path with their streams and a fixed packet
// sequence. Every handle the library hands out is recorded so tests can check
// what was opened, configured and released.
package avlibtest

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/capturenode/internal/avlib"
)

// CodeExit is what libav returns when the interrupt callback aborts a call.
const CodeExit = -1414092869

// Container is a synthetic input.
type Container struct {
	Streams []avlib.StreamInfo
	Packets []avlib.Packet

	// EndErr is returned once Packets are exhausted. Defaults to avlib.ErrEOF.
	EndErr error
	// EOFReached sets the protocol end-of-buffer flag when EndErr is returned.
	EOFReached bool
	// OpenErr makes OpenInput fail.
	OpenErr error
	// OnOpen runs while OpenInput connects; a non-nil error fails the open.
	OnOpen func(interrupt avlib.InterruptFunc) error
	// Consumes lists the option keys the demuxer recognises.
	Consumes []string
	// Block makes reads past the packet list wait for the interrupt callback.
	Block bool
}

// Codec is a synthetic decoder.
type Codec struct {
	Name      string
	Caps      avlib.Capability
	HWConfigs []avlib.HardwareConfig
	OpenErr   error
	Consumes  []string
	// Width and Height override what the opened context reports.
	Width  int
	Height int
}

// Library implements avlib.Library.
type Library struct {
	mu sync.Mutex

	Containers    map[string]*Container
	Decoders      map[int]*Codec
	NamedDecoders map[string]*Codec
	DeviceTypes   []avlib.DeviceType
	// DeviceErrs fails CreateHardwareDevice for a device path ("" = default).
	DeviceErrs map[string]error

	inputs   []*Input
	contexts []*DecoderContext
	devices  []*Device
	reads    []string
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{
		Containers:    make(map[string]*Container),
		Decoders:      make(map[int]*Codec),
		NamedDecoders: make(map[string]*Codec),
		DeviceErrs:    make(map[string]error),
	}
}

// OpenInput implements avlib.Library.
func (l *Library) OpenInput(path string, opts *avlib.Options, interrupt avlib.InterruptFunc) (avlib.Input, error) {
	l.mu.Lock()
	c, ok := l.Containers[path]
	l.mu.Unlock()
	if !ok {
		return nil, avlib.NewError(-2, "No such file or directory")
	}
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	if c.OnOpen != nil {
		if err := c.OnOpen(interrupt); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	in := &Input{
		lib:       l,
		path:      path,
		container: c,
		interrupt: interrupt,
	}
	if opts != nil {
		in.Options = opts.Clone()
		consume(opts, c.Consumes)
	}
	l.inputs = append(l.inputs, in)
	return in, nil
}

// FindDecoder implements avlib.Library.
func (l *Library) FindDecoder(codecID int) (avlib.Decoder, bool) {
	c, ok := l.Decoders[codecID]
	if !ok {
		return nil, false
	}
	return &Decoder{codec: c}, true
}

// FindDecoderByName implements avlib.Library.
func (l *Library) FindDecoderByName(name string) (avlib.Decoder, bool) {
	c, ok := l.NamedDecoders[name]
	if !ok {
		return nil, false
	}
	return &Decoder{codec: c}, true
}

// HardwareDeviceTypes implements avlib.Library.
func (l *Library) HardwareDeviceTypes() []avlib.DeviceType {
	return slices.Clone(l.DeviceTypes)
}

// FindHardwareDeviceType implements avlib.Library.
func (l *Library) FindHardwareDeviceType(name string) avlib.DeviceType {
	if slices.Contains(l.DeviceTypes, avlib.DeviceType(name)) {
		return avlib.DeviceType(name)
	}
	return avlib.DeviceTypeNone
}

// CreateHardwareDevice implements avlib.Library.
func (l *Library) CreateHardwareDevice(t avlib.DeviceType, devicePath string) (avlib.DeviceContext, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.DeviceErrs[devicePath]; ok {
		return nil, err
	}
	d := &Device{typ: t, Path: devicePath}
	l.devices = append(l.devices, d)
	return d, nil
}

// Inputs returns every input opened so far.
func (l *Library) Inputs() []*Input {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.inputs)
}

// DecoderContexts returns every decoder context allocated so far.
func (l *Library) DecoderContexts() []*DecoderContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.contexts)
}

// Devices returns every hardware device created so far.
func (l *Library) Devices() []*Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.devices)
}

// Reads returns the input path of every ReadPacket call, in order.
func (l *Library) Reads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.reads)
}

// OpenHandles counts handles that were created and not yet closed.
func (l *Library) OpenHandles() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, in := range l.inputs {
		if in.closeCount == 0 {
			n++
		}
	}
	for _, cc := range l.contexts {
		if cc.closeCount == 0 {
			n++
		}
	}
	for _, d := range l.devices {
		if d.closeCount == 0 {
			n++
		}
	}
	return n
}

// Input is a synthetic open container.
type Input struct {
	lib       *Library
	path      string
	container *Container
	interrupt avlib.InterruptFunc
	next      int

	// Options is what OpenInput received, before consumption.
	Options    *avlib.Options
	closeCount int
}

// Path returns the opened path.
func (in *Input) Path() string { return in.path }

// CloseCount returns how often Close was called.
func (in *Input) CloseCount() int {
	in.lib.mu.Lock()
	defer in.lib.mu.Unlock()
	return in.closeCount
}

// Streams implements avlib.Input.
func (in *Input) Streams() []avlib.StreamInfo {
	return slices.Clone(in.container.Streams)
}

// NewDecoderContext implements avlib.Input.
func (in *Input) NewDecoderContext(index int, dec avlib.Decoder) (avlib.DecoderContext, error) {
	in.lib.mu.Lock()
	defer in.lib.mu.Unlock()

	if index < 0 || index >= len(in.container.Streams) {
		return nil, avlib.NewError(-22, "Invalid argument")
	}
	d, ok := dec.(*Decoder)
	if !ok {
		return nil, errors.New("foreign decoder")
	}
	st := in.container.Streams[index]
	cc := &DecoderContext{
		lib:    in.lib,
		codec:  d.codec,
		Stream: st,
		width:  st.Width,
		height: st.Height,
	}
	in.lib.contexts = append(in.lib.contexts, cc)
	return cc, nil
}

// ReadPacket implements avlib.Input.
func (in *Input) ReadPacket(pkt *avlib.Packet) error {
	in.lib.mu.Lock()
	in.lib.reads = append(in.lib.reads, in.path)
	c := in.container
	if in.next < len(c.Packets) {
		src := c.Packets[in.next]
		in.next++
		in.lib.mu.Unlock()

		pkt.StreamIndex = src.StreamIndex
		pkt.PTS = src.PTS
		pkt.DTS = src.DTS
		pkt.Duration = src.Duration
		pkt.Key = src.Key
		pkt.Data = append(pkt.Data[:0], src.Data...)
		return nil
	}
	in.lib.mu.Unlock()

	if c.Block {
		for in.interrupt == nil || !in.interrupt() {
			time.Sleep(time.Millisecond)
		}
		return avlib.NewError(CodeExit, "Immediate exit requested")
	}
	if c.EndErr != nil {
		return avlib.EndOfInput(c.EndErr, c.EOFReached)
	}
	return avlib.ErrEOF
}

// Close implements avlib.Input.
func (in *Input) Close() error {
	in.lib.mu.Lock()
	defer in.lib.mu.Unlock()
	in.closeCount++
	return nil
}

// Decoder is a synthetic decoder handle.
type Decoder struct {
	codec *Codec
}

// Name implements avlib.Decoder.
func (d *Decoder) Name() string { return d.codec.Name }

// Capabilities implements avlib.Decoder.
func (d *Decoder) Capabilities() avlib.Capability { return d.codec.Caps }

// HardwareConfigs implements avlib.Decoder.
func (d *Decoder) HardwareConfigs() []avlib.HardwareConfig {
	return slices.Clone(d.codec.HWConfigs)
}

// DecoderContext records how the capture core configured a decoder.
type DecoderContext struct {
	lib    *Library
	codec  *Codec
	width  int
	height int

	Stream      avlib.StreamInfo
	ThreadType  avlib.ThreadType
	ThreadCount int
	LowDelay    bool
	Device      avlib.DeviceContext
	HWFlags     avlib.HWAccelFlag
	FormatFn    func([]avlib.PixelFormat) avlib.PixelFormat
	Opened      bool
	OpenOptions *avlib.Options
	closeCount  int
}

// DecoderName returns the name of the decoder the context was allocated for.
func (cc *DecoderContext) DecoderName() string { return cc.codec.Name }

// CloseCount returns how often Close was called.
func (cc *DecoderContext) CloseCount() int {
	cc.lib.mu.Lock()
	defer cc.lib.mu.Unlock()
	return cc.closeCount
}

// SetThreading implements avlib.DecoderContext.
func (cc *DecoderContext) SetThreading(t avlib.ThreadType, count int) {
	cc.ThreadType = t
	cc.ThreadCount = count
}

// SetLowDelay implements avlib.DecoderContext.
func (cc *DecoderContext) SetLowDelay(fast bool) { cc.LowDelay = fast }

// SetHardwareDevice implements avlib.DecoderContext.
func (cc *DecoderContext) SetHardwareDevice(dev avlib.DeviceContext) { cc.Device = dev }

// SetHardwareAccelFlags implements avlib.DecoderContext.
func (cc *DecoderContext) SetHardwareAccelFlags(f avlib.HWAccelFlag) { cc.HWFlags = f }

// SetPixelFormatCallback implements avlib.DecoderContext.
func (cc *DecoderContext) SetPixelFormatCallback(fn func([]avlib.PixelFormat) avlib.PixelFormat) {
	cc.FormatFn = fn
}

// Open implements avlib.DecoderContext.
func (cc *DecoderContext) Open(opts *avlib.Options) error {
	if opts != nil {
		cc.OpenOptions = opts.Clone()
	}
	if cc.codec.OpenErr != nil {
		return cc.codec.OpenErr
	}
	if opts != nil {
		consume(opts, cc.codec.Consumes)
	}
	if cc.codec.Width > 0 {
		cc.width = cc.codec.Width
	}
	if cc.codec.Height > 0 {
		cc.height = cc.codec.Height
	}
	cc.Opened = true
	return nil
}

// Width implements avlib.DecoderContext.
func (cc *DecoderContext) Width() int { return cc.width }

// Height implements avlib.DecoderContext.
func (cc *DecoderContext) Height() int { return cc.height }

// PixelFormatName implements avlib.DecoderContext.
func (cc *DecoderContext) PixelFormatName() string { return "yuv420p" }

// Close implements avlib.DecoderContext.
func (cc *DecoderContext) Close() error {
	cc.lib.mu.Lock()
	defer cc.lib.mu.Unlock()
	cc.closeCount++
	return nil
}

// Device is a synthetic hardware device context.
type Device struct {
	typ        avlib.DeviceType
	Path       string
	closeCount int
}

// Type implements avlib.DeviceContext.
func (d *Device) Type() avlib.DeviceType { return d.typ }

// Close implements avlib.DeviceContext.
func (d *Device) Close() error {
	d.closeCount++
	return nil
}

// Closed reports whether Close was called at least once.
func (d *Device) Closed() bool { return d.closeCount > 0 }

func consume(opts *avlib.Options, keys []string) {
	for _, k := range keys {
		opts.Delete(k)
	}
}
