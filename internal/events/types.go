package events

// Event type constants for kelindar/event.
const (
	TypeMonitorStateChanged uint32 = iota + 1
	TypeCaptureFailed
	TypeMonitorsReloaded
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// MonitorStateChangedEvent is published on every monitor state transition.
type MonitorStateChangedEvent struct {
	MonitorID string `json:"monitor_id" example:"front-door" doc:"Monitor identifier"`
	OldState  string `json:"old_state" example:"priming" doc:"Previous state"`
	NewState  string `json:"new_state" example:"capturing" doc:"Current state"`
	Error     string `json:"error,omitempty" doc:"Error that caused the transition"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for MonitorStateChangedEvent.
func (e MonitorStateChangedEvent) Type() uint32 { return TypeMonitorStateChanged }

// CaptureFailedEvent is published when priming or reading a monitor fails.
type CaptureFailedEvent struct {
	MonitorID string `json:"monitor_id" example:"front-door" doc:"Monitor identifier"`
	Code      string `json:"code" example:"READ_TRANSPORT_ERROR" doc:"Failure classification"`
	Message   string `json:"message" doc:"Error description"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CaptureFailedEvent.
func (e CaptureFailedEvent) Type() uint32 { return TypeCaptureFailed }

// MonitorsReloadedEvent is published after the monitor definitions file was
// reloaded and applied.
type MonitorsReloadedEvent struct {
	Added     []string `json:"added,omitempty" doc:"Monitors started"`
	Removed   []string `json:"removed,omitempty" doc:"Monitors stopped"`
	Changed   []string `json:"changed,omitempty" doc:"Monitors restarted with a new definition"`
	Timestamp string   `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for MonitorsReloadedEvent.
func (e MonitorsReloadedEvent) Type() uint32 { return TypeMonitorsReloaded }

// LogEntryEvent carries one log record to streaming clients.
type LogEntryEvent struct {
	Timestamp  string         `json:"timestamp" example:"2026-01-27T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"capture" doc:"Logging module"`
	MonitorID  string         `json:"monitor_id,omitempty" example:"front" doc:"Monitor the entry is about"`
	Code       string         `json:"code,omitempty" example:"READ_TRANSPORT_ERROR" doc:"Capture error code"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
