package capture

import (
	"github.com/smazurov/capturenode/internal/avlib"
)

// Packet is a coded packet handed to the consumer. Timestamps are in
// microseconds; PTS is avlib.NoPTS when the source supplied none.
type Packet struct {
	Kind        avlib.MediaType
	Secondary   bool
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	// RawPTS and TimeBase are the timestamp as read, before rescaling.
	RawPTS   int64
	TimeBase avlib.Rational
	Key      bool
	Data     []byte
}

// Capture reads exactly one packet into pkt.
//
// With a secondary input open, the input whose tracked stream is furthest
// behind is read; ties go to the primary input. A read failure closes the
// session and returns a *ReadError.
func (s *Session) Capture(pkt *Packet) error {
	if s.State() != StateCapturing {
		return ErrNotCapturing
	}
	s.ctrl.Reset()

	src := s.next()
	s.raw.Reset()
	if err := src.input.ReadPacket(&s.raw); err != nil {
		return s.readFailed(src, err)
	}

	kind, tb, tracker := s.classify(src, s.raw.StreamIndex)

	pkt.Kind = kind
	pkt.Secondary = src.role == roleSecondary
	pkt.StreamIndex = s.raw.StreamIndex
	pkt.RawPTS = s.raw.PTS
	pkt.TimeBase = tb
	pkt.PTS = avlib.RescaleQ(s.raw.PTS, tb, avlib.TimeBaseQ)
	pkt.DTS = avlib.RescaleQ(s.raw.DTS, tb, avlib.TimeBaseQ)
	pkt.Duration = avlib.RescaleQ(s.raw.Duration, tb, avlib.TimeBaseQ)
	pkt.Key = s.raw.Key
	pkt.Data = append(pkt.Data[:0], s.raw.Data...)

	if tracker != nil && s.raw.PTS != avlib.NoPTS && !tracker.Observe(s.raw.PTS) {
		s.logger.Debug("Out of order timestamp",
			"kind", kind,
			"pts", s.raw.PTS,
			"first", tracker.First(),
			"last", tracker.Last())
	}

	s.mu.Lock()
	s.stats.Bytes += uint64(len(pkt.Data))
	switch kind {
	case avlib.MediaTypeVideo:
		s.stats.VideoPackets++
	case avlib.MediaTypeAudio:
		s.stats.AudioPackets++
	default:
		s.stats.OtherPackets++
	}
	s.mu.Unlock()
	return nil
}

// next merges the open inputs by position.
func (s *Session) next() *source {
	best := s.primary
	if s.secondary != nil && s.secondary.position() < best.position() {
		best = s.secondary
	}
	return best
}

// classify maps a stream index of src onto the selected streams.
func (s *Session) classify(src *source, index int) (avlib.MediaType, avlib.Rational, *Tracker) {
	if s.video != nil && s.video.src == src && s.video.info.Index == index {
		return avlib.MediaTypeVideo, s.video.info.TimeBase, &s.videoTracker
	}
	if s.audio != nil && s.audio.src == src && s.audio.info.Index == index {
		return avlib.MediaTypeAudio, s.audio.info.TimeBase, &s.audioTracker
	}
	for _, st := range src.input.Streams() {
		if st.Index == index {
			return avlib.MediaTypeOther, st.TimeBase, nil
		}
	}
	return avlib.MediaTypeOther, avlib.Rational{}, nil
}

func (s *Session) readFailed(src *source, err error) error {
	class := classifyRead(err)
	args := []any{"code", class, "input", src.role, "error", err}
	switch class {
	case ErrCodeReadEndOfStream:
		s.logger.Info("End of stream", args...)
	case ErrCodeReadTransportError:
		s.logger.Info("Transport error reading packet", args...)
	default:
		s.logger.Error("Unable to read packet", args...)
	}

	s.mu.Lock()
	s.stats.ReadErrors++
	s.mu.Unlock()

	rerr := &ReadError{Class: class, Secondary: src.role == roleSecondary, Err: err}
	_ = s.Close()
	return rerr
}
