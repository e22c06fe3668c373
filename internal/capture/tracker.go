package capture

import "github.com/smazurov/capturenode/internal/avlib"

// Tracker follows the presentation timestamps of one stream kind relative to
// the first timestamp seen since the last reset.
type Tracker struct {
	first int64
	last  int64
}

// NewTracker returns a tracker that has seen no timestamp.
func NewTracker() Tracker {
	return Tracker{first: avlib.NoPTS}
}

// Reset forgets every observed timestamp.
func (t *Tracker) Reset() {
	t.first = avlib.NoPTS
	t.last = 0
}

// Started reports whether a valid timestamp was observed.
func (t Tracker) Started() bool { return t.first != avlib.NoPTS }

// First is the first valid PTS seen, or avlib.NoPTS.
func (t Tracker) First() int64 { return t.first }

// Last is the most recent relative PTS. It never decreases.
func (t Tracker) Last() int64 { return t.last }

// Observe records pts. It returns false when pts is missing or would move
// Last backwards; Last is unchanged in both cases.
func (t *Tracker) Observe(pts int64) bool {
	if pts == avlib.NoPTS {
		return false
	}
	if t.first == avlib.NoPTS {
		t.first = pts
	}
	rel := pts - t.first
	if rel < t.last {
		return false
	}
	t.last = rel
	return true
}
