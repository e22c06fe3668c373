package monitor

import (
	"log/slog"
	"time"

	"github.com/smazurov/capturenode/internal/avlib"
	"github.com/smazurov/capturenode/internal/capture"
	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/interrupt"
)

// ConfigProvider resolves the capture configuration for a monitor ID.
type ConfigProvider func(id string) (capture.Config, error)

// StateChangeCallback is called when a monitor state changes.
type StateChangeCallback func(id string, oldState, newState State, err error)

// PacketSink receives every captured packet. pkt is reused after the call
// returns; sinks that keep it must copy.
type PacketSink func(id string, pkt *capture.Packet)

// PoolOptions configures a new Pool.
type PoolOptions struct {
	// Library opens inputs and decoders (required).
	Library avlib.Library

	// ConfigProvider resolves a monitor's capture config (required).
	ConfigProvider ConfigProvider

	// Signal is the process-wide termination flag shared by all sessions.
	// If nil, a private signal is used.
	Signal *interrupt.Signal

	// Bound overrides interrupt.DefaultBound for blocking library calls.
	Bound time.Duration

	// Reconnect controls re-prime backoff. Zero value uses DefaultReconnectConfig.
	Reconnect ReconnectConfig

	// Sink receives captured packets (optional).
	Sink PacketSink

	// OnStateChange is called when a monitor state transitions (optional).
	OnStateChange StateChangeCallback

	// Events receives state and failure events (optional).
	Events *events.Bus

	// Logger for pool operations. If nil, uses slog.Default().
	Logger *slog.Logger
}
