package monitor

import (
	"time"

	"github.com/smazurov/capturenode/internal/capture"
)

// State represents the current state of a monitor.
type State string

// Monitor states.
const (
	StateIdle      State = "idle"      // Not running
	StatePriming   State = "priming"   // Opening inputs and decoders
	StateCapturing State = "capturing" // Reading packets
	StateBackoff   State = "backoff"   // Waiting before the next prime
	StateStopping  State = "stopping"  // Being stopped
	StateError     State = "error"     // Gave up after too many failed primes
)

// Info contains information about a monitor.
type Info struct {
	ID          string
	State       State
	StartedAt   time.Time
	CapturingAt time.Time
	Reprimes    int
	LastError   error
	// SessionID identifies the current capturing session. It changes on
	// every successful prime.
	SessionID     string
	VideoStreamID int
	AudioStreamID int
	Stats         capture.Stats
}
