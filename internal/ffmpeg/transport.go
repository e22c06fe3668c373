package ffmpeg

import (
	"errors"
	"strings"
)

// Method is the capture transport configured for a monitor.
type Method string

// Transport methods.
const (
	MethodMulticast  Method = "rtpMulti"
	MethodTCP        Method = "rtpRtsp"
	MethodHTTPTunnel Method = "rtpRtspHttp"
	MethodUnicastUDP Method = "rtpUni"
)

// ErrUnsupportedTransport is returned for a method with no library mapping.
var ErrUnsupportedTransport = errors.New("unsupported transport")

var rtspTransports = map[Method]string{
	MethodMulticast:  "udp_multicast",
	MethodTCP:        "tcp",
	MethodHTTPTunnel: "http",
	MethodUnicastUDP: "udp",
}

// IsRTSP reports whether path belongs to the RTSP scheme family (rtsp, rtsps, ...).
func IsRTSP(path string) bool {
	if len(path) < 4 {
		return false
	}
	return strings.ToUpper(path[:4]) == "RTSP"
}

// TransportOption returns the rtsp_transport value for method.
func TransportOption(method Method) (string, error) {
	if v, ok := rtspTransports[method]; ok {
		return v, nil
	}
	return "", ErrUnsupportedTransport
}

// Methods lists every supported method.
func Methods() []Method {
	return []Method{MethodMulticast, MethodTCP, MethodHTTPTunnel, MethodUnicastUDP}
}
