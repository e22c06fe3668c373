package capture

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/smazurov/capturenode/internal/ffmpeg"
)

// ColourMode is the image format the consumer expects frames in.
type ColourMode string

// Colour modes.
const (
	ColourRGB32 ColourMode = "rgb32"
	ColourRGB24 ColourMode = "rgb24"
	ColourGray8 ColourMode = "gray8"
)

// ParseColourMode accepts a mode name or its byte count ("4", "3", "1").
// An empty string selects rgb32.
func ParseColourMode(s string) (ColourMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rgb32", "4":
		return ColourRGB32, nil
	case "rgb24", "3":
		return ColourRGB24, nil
	case "gray8", "1":
		return ColourGray8, nil
	}
	return "", fmt.Errorf("unexpected colours: %q", s)
}

// BytesPerPixel returns the pixel size of the mode.
func (c ColourMode) BytesPerPixel() int {
	switch c {
	case ColourRGB32:
		return 4
	case ColourRGB24:
		return 3
	case ColourGray8:
		return 1
	}
	return 0
}

// SubpixelOrder returns the channel order of the mode.
func (c ColourMode) SubpixelOrder() string {
	switch c {
	case ColourRGB32:
		return "rgba"
	case ColourRGB24:
		return "rgb"
	default:
		return "none"
	}
}

// PixelFormat returns the libav pixel format name images are converted to.
func (c ColourMode) PixelFormat() string {
	switch c {
	case ColourRGB32:
		return "rgba"
	case ColourRGB24:
		return "rgb24"
	case ColourGray8:
		return "gray8"
	}
	return ""
}

// DefaultFastDecoders maps codec names to the dedicated decoders tried first.
var DefaultFastDecoders = map[string]string{
	"h264": "h264_mmal",
}

// Config describes one capture source.
type Config struct {
	Path          string
	SecondPath    string
	Method        ffmpeg.Method
	Options       string
	Width         int
	Height        int
	Colours       ColourMode
	HWAccelName   string
	HWAccelDevice string
	// FastDecoders overrides DefaultFastDecoders when non-nil. An empty map
	// disables the fast path.
	FastDecoders map[string]string
}

// Validate checks the fields a session cannot start without.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("path is required")
	}
	if c.Colours.BytesPerPixel() == 0 {
		return fmt.Errorf("unexpected colours: %q", c.Colours)
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("invalid dimensions %dx%d", c.Width, c.Height)
	}
	return nil
}

func (c Config) fastDecoders() map[string]string {
	if c.FastDecoders != nil {
		return c.FastDecoders
	}
	return maps.Clone(DefaultFastDecoders)
}
