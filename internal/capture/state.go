package capture

// State represents the lifecycle state of a capture session.
type State string

// Session states.
const (
	StateClosed    State = "closed"    // No resources held
	StateOpening   State = "opening"   // Prime in progress
	StateCapturing State = "capturing" // Inputs and decoders open
)

// Stats are cumulative counters for a session. They survive re-priming.
type Stats struct {
	Bytes        uint64 `json:"bytes"`
	VideoPackets uint64 `json:"video_packets"`
	AudioPackets uint64 `json:"audio_packets"`
	OtherPackets uint64 `json:"other_packets"`
	ReadErrors   uint64 `json:"read_errors"`
	Primes       uint64 `json:"primes"`
}
