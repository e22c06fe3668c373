// Package avlib defines the boundary between the capture core and the external
// demultiplexing/decoding library.
//
// The capture core only talks to the interfaces declared here. The production
// implementation lives in astiavlib (libav through go-astiav); tests use the
// synthetic containers from avlibtest.
package avlib

import "math"

// NoPTS marks a timestamp the library did not supply.
const NoPTS int64 = math.MinInt64

// MediaType is the kind of an elementary stream.
type MediaType int

// Media types.
const (
	MediaTypeOther MediaType = iota
	MediaTypeVideo
	MediaTypeAudio
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	default:
		return "other"
	}
}

// StreamInfo describes one stream found in an open input.
type StreamInfo struct {
	Index     int
	MediaType MediaType
	TimeBase  Rational
	CodecID   int
	CodecName string
	Width     int
	Height    int
}

// Packet is a coded packet copied out of the library.
// Data is owned by the caller; the library buffer has already been released.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Key         bool
	Data        []byte
}

// Reset clears the packet while keeping the data buffer for reuse.
func (p *Packet) Reset() {
	p.StreamIndex = -1
	p.PTS = NoPTS
	p.DTS = NoPTS
	p.Duration = 0
	p.Key = false
	p.Data = p.Data[:0]
}

// InterruptFunc is polled by the library during blocking calls.
// Returning true aborts the call in progress.
type InterruptFunc func() bool

// Library is the entry point of the decoding library.
type Library interface {
	// OpenInput opens a container and reads its stream info. Entries consumed by the library
	// are removed from opts; what remains was not recognized.
	OpenInput(path string, opts *Options, interrupt InterruptFunc) (Input, error)

	// FindDecoder returns the generic decoder for a codec id.
	FindDecoder(codecID int) (Decoder, bool)

	// FindDecoderByName returns a decoder by its registered name.
	FindDecoderByName(name string) (Decoder, bool)

	// HardwareDeviceTypes lists the device types compiled into the library.
	HardwareDeviceTypes() []DeviceType

	// FindHardwareDeviceType resolves an accelerator name. Unknown names
	// yield DeviceTypeNone.
	FindHardwareDeviceType(name string) DeviceType

	// CreateHardwareDevice opens a device context. An empty devicePath lets
	// the library pick its default device.
	CreateHardwareDevice(t DeviceType, devicePath string) (DeviceContext, error)
}

// Input is an open container context.
type Input interface {
	Streams() []StreamInfo

	// NewDecoderContext allocates a decoder context initialised from the
	// parameters of the stream at index.
	NewDecoderContext(index int, dec Decoder) (DecoderContext, error)

	// ReadPacket reads the next coded packet into pkt.
	ReadPacket(pkt *Packet) error

	Close() error
}

// Decoder is a codec implementation known to the library.
type Decoder interface {
	Name() string
	Capabilities() Capability
	HardwareConfigs() []HardwareConfig
}

// DecoderContext is an allocated, possibly opened, decoder.
type DecoderContext interface {
	// SetThreading selects the thread type; count 0 lets the library decide.
	SetThreading(t ThreadType, count int)
	SetLowDelay(fast bool)
	SetHardwareDevice(dev DeviceContext)
	SetHardwareAccelFlags(f HWAccelFlag)
	SetPixelFormatCallback(fn func(offered []PixelFormat) PixelFormat)

	// Open opens the decoder. Consumed entries are removed from opts.
	Open(opts *Options) error

	Width() int
	Height() int
	PixelFormatName() string
	Close() error
}

// DeviceContext is a hardware acceleration device context.
type DeviceContext interface {
	Type() DeviceType
	Close() error
}

// Capability is a bit set of decoder capabilities.
type Capability uint32

// Decoder capabilities.
const (
	CapFrameThreads Capability = 1 << iota
	CapSliceThreads
)

// Has reports whether all bits of c2 are set in c.
func (c Capability) Has(c2 Capability) bool { return c&c2 == c2 }

// ThreadType selects decoder parallelism.
type ThreadType int

// Thread types.
const (
	ThreadTypeNone ThreadType = iota
	ThreadTypeFrame
	ThreadTypeSlice
)

func (t ThreadType) String() string {
	switch t {
	case ThreadTypeFrame:
		return "frame"
	case ThreadTypeSlice:
		return "slice"
	default:
		return "none"
	}
}

// HWAccelFlag relaxes checks on the accelerated decode path.
type HWAccelFlag uint32

// Hardware acceleration flags.
const (
	HWAccelIgnoreLevel HWAccelFlag = 1 << iota
	HWAccelAllowProfileMismatch
)

// DeviceType names a hardware device type ("vaapi", "cuda", ...).
type DeviceType string

// DeviceTypeNone is returned for unknown accelerator names.
const DeviceTypeNone DeviceType = ""

// HWConfigMethod is a bit set of hardware setup methods.
type HWConfigMethod uint32

// Hardware config methods.
const (
	HWConfigMethodDeviceContext HWConfigMethod = 1 << iota
	HWConfigMethodFramesContext
	HWConfigMethodInternal
	HWConfigMethodAdHoc
)

// HardwareConfig is one hardware configuration supported by a decoder.
type HardwareConfig struct {
	Methods         HWConfigMethod
	DeviceType      DeviceType
	PixelFormat     PixelFormat
	PixelFormatName string
}

// PixelFormat is an opaque library pixel format id.
type PixelFormat int

// PixelFormatNone means no format could be selected.
const PixelFormatNone PixelFormat = -1
