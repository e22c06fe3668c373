// Package ffmpeg holds libav conventions shared by capture code: option
// strings, RTSP transport methods, and log level names.
package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/smazurov/capturenode/internal/avlib"
)

// Key is a libav option name the capture core sets itself.
type Key string

// Option keys.
const (
	KeyRTSPTransport Key = "rtsp_transport"
	KeyHWAccelFlags  Key = "hwaccel_flags"
	KeyThreads       Key = "threads"
)

// Separators used by the free-form option string, as in av_dict_parse_string.
const (
	KeyValueSeparator = "="
	PairSeparator     = ","
)

// ParseOptions parses "key=value,key=value" into an ordered dictionary.
//
// Parsing stops at the first malformed pair. The entries parsed before it are
// returned together with the error so the caller can warn and carry on.
// Whitespace around keys and values is trimmed; an empty string yields an
// empty dictionary.
func ParseOptions(s string) (*avlib.Options, error) {
	opts := avlib.NewOptions()
	if strings.TrimSpace(s) == "" {
		return opts, nil
	}

	for _, pair := range strings.Split(s, PairSeparator) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, KeyValueSeparator)
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return opts, fmt.Errorf("malformed option %q", pair)
		}
		opts.Set(key, strings.TrimSpace(value))
	}
	return opts, nil
}
