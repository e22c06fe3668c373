// Package hwaccel negotiates hardware accelerated decoding for a decoder
// context and keeps the registry of accelerators the node knows about.
package hwaccel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/smazurov/capturenode/internal/avlib"
)

// Negotiation failures. All of them mean software decode.
var (
	ErrUnknownDevice  = errors.New("unknown hardware device type")
	ErrNoDeviceConfig = errors.New("decoder has no device context config for device type")
	ErrDeviceCreate   = errors.New("hardware device creation failed")
)

// DefaultFlags relax level and profile checks on the accelerated path.
const DefaultFlags = avlib.HWAccelIgnoreLevel | avlib.HWAccelAllowProfileMismatch

// Context is the hardware state negotiated for one decoder. It is owned by the
// session that negotiated it.
type Context struct {
	DeviceType      avlib.DeviceType
	DevicePath      string
	PixelFormat     avlib.PixelFormat
	PixelFormatName string

	device avlib.DeviceContext
}

// Close releases the device. Safe on nil and on repeat.
func (c *Context) Close() error {
	if c == nil || c.device == nil {
		return nil
	}
	err := c.device.Close()
	c.device = nil
	return err
}

// Negotiator attaches a hardware device to decoder contexts.
type Negotiator struct {
	lib    avlib.Library
	logger *slog.Logger
}

// NewNegotiator creates a negotiator for lib.
func NewNegotiator(lib avlib.Library, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{lib: lib, logger: logger}
}

// Negotiate configures cc for hardware decoding with the named accelerator.
//
// The first decoder config that supports a device context of the requested
// type is used. Device creation is retried with the library default device
// when devicePath fails. On any error cc is left untouched and the caller
// decodes in software.
func (n *Negotiator) Negotiate(dec avlib.Decoder, cc avlib.DecoderContext, name, devicePath string) (*Context, error) {
	for _, t := range n.lib.HardwareDeviceTypes() {
		n.logger.Debug("Hardware device type available", "type", t)
	}

	devType := n.lib.FindHardwareDeviceType(name)
	if devType == avlib.DeviceTypeNone {
		n.logger.Debug("Hardware device type not recognized", "name", name)
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}

	cfg, ok := findConfig(dec.HardwareConfigs(), devType)
	if !ok {
		return nil, fmt.Errorf("%w: decoder %s, type %s", ErrNoDeviceConfig, dec.Name(), devType)
	}
	n.logger.Debug("Selected hardware config",
		"decoder", dec.Name(),
		"type", devType,
		"pix_fmt", cfg.PixelFormatName)

	dev, usedPath, err := n.createDevice(devType, devicePath)
	if err != nil {
		return nil, err
	}

	hc := &Context{
		DeviceType:      devType,
		DevicePath:      usedPath,
		PixelFormat:     cfg.PixelFormat,
		PixelFormatName: cfg.PixelFormatName,
		device:          dev,
	}
	cc.SetHardwareDevice(dev)
	cc.SetPixelFormatCallback(n.formatSelector(cfg))
	cc.SetHardwareAccelFlags(DefaultFlags)

	n.logger.Debug("Hardware acceleration enabled", "type", devType, "device", usedPath)
	return hc, nil
}

func findConfig(configs []avlib.HardwareConfig, t avlib.DeviceType) (avlib.HardwareConfig, bool) {
	for _, c := range configs {
		if c.Methods&avlib.HWConfigMethodDeviceContext != 0 && c.DeviceType == t {
			return c, true
		}
	}
	return avlib.HardwareConfig{}, false
}

func (n *Negotiator) createDevice(t avlib.DeviceType, devicePath string) (avlib.DeviceContext, string, error) {
	dev, err := n.lib.CreateHardwareDevice(t, devicePath)
	if err == nil {
		return dev, devicePath, nil
	}
	if devicePath == "" {
		return nil, "", fmt.Errorf("%w: type %s: %w", ErrDeviceCreate, t, err)
	}

	n.logger.Debug("Hardware device open failed, retrying with default device",
		"type", t, "device", devicePath, "error", err)
	dev, retryErr := n.lib.CreateHardwareDevice(t, "")
	if retryErr != nil {
		return nil, "", fmt.Errorf("%w: type %s device %q: %w", ErrDeviceCreate, t, devicePath, retryErr)
	}
	return dev, "", nil
}

// formatSelector returns the get_format callback bound to the negotiated format.
func (n *Negotiator) formatSelector(cfg avlib.HardwareConfig) func([]avlib.PixelFormat) avlib.PixelFormat {
	return func(offered []avlib.PixelFormat) avlib.PixelFormat {
		for _, pf := range offered {
			if pf == cfg.PixelFormat {
				return pf
			}
		}
		n.logger.Error("Hardware pixel format not offered by decoder",
			"want", cfg.PixelFormatName,
			"offered", offered)
		return avlib.PixelFormatNone
	}
}
