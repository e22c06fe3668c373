package logging

import (
	"sync"
	"time"
)

// LogEntry is one buffered log record. MonitorID and Code are lifted out of
// the attributes so capture failures can be filtered per monitor.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	MonitorID  string         `json:"monitor_id,omitempty"`
	Code       string         `json:"code,omitempty"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Query selects buffered entries. Zero fields match everything.
type Query struct {
	Module    string
	MonitorID string
	// MinLevel is one of debug, info, warn, error.
	MinLevel string
	// Limit keeps only the newest Limit matches.
	Limit int
}

func (q Query) matches(e LogEntry) bool {
	if q.Module != "" && e.Module != q.Module {
		return false
	}
	if q.MonitorID != "" && e.MonitorID != q.MonitorID {
		return false
	}
	return q.MinLevel == "" || levelRank(e.Level) >= levelRank(q.MinLevel)
}

func levelRank(level string) int {
	switch level {
	case "error":
		return 3
	case "warn":
		return 2
	case "info":
		return 1
	default:
		return 0
	}
}

// RingBuffer keeps the most recent log entries.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewRingBuffer creates a buffer holding at most size entries.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{entries: make([]LogEntry, size)}
}

// Write stores entry, dropping the oldest one when the buffer is full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.next] = entry
	rb.next++
	if rb.next == len(rb.entries) {
		rb.next = 0
		rb.full = true
	}
}

// ReadAll returns every entry, oldest first, or nil when empty.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Query(Query{})
}

// Query returns the matching entries, oldest first, or nil when none match.
func (rb *RingBuffer) Query(q Query) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []LogEntry
	visit := func(e LogEntry) {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	if rb.full {
		for _, e := range rb.entries[rb.next:] {
			visit(e)
		}
	}
	for _, e := range rb.entries[:rb.next] {
		visit(e)
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}
