package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/smazurov/capturenode/internal/avlib"
	"github.com/smazurov/capturenode/internal/ffmpeg"
	"github.com/smazurov/capturenode/internal/hwaccel"
)

// open acquires inputs and decoders. Any fatal failure releases everything
// acquired so far before returning.
func (s *Session) open() (err error) {
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	opts := s.inputOptions()

	s.ctrl.Reset()
	in, err := s.lib.OpenInput(s.cfg.Path, opts, s.ctrl.Interrupt)
	if err != nil {
		s.logger.Error("Unable to open input",
			"code", ErrCodeOpenFailed,
			"path", s.cfg.Path,
			"error", err)
		return newError(ErrCodeOpenFailed, "open input "+s.cfg.Path, err)
	}
	s.primary = &source{role: rolePrimary, input: in, tracker: &s.videoTracker}

	video, audio := selectStreams(in.Streams(), s.logger.Debug)
	s.dumpStreams(rolePrimary, in.Streams())
	if video == nil {
		s.logger.Error("Unable to locate video stream",
			"code", ErrCodeStreamNotFound,
			"path", s.cfg.Path)
		return newError(ErrCodeStreamNotFound, "no video stream in "+s.cfg.Path, nil)
	}
	s.primary.timeBase = video.TimeBase
	s.video = &selectedStream{info: *video, src: s.primary}

	if err := s.openVideoDecoder(opts); err != nil {
		return err
	}

	if audio != nil {
		s.audio = &selectedStream{info: *audio, src: s.primary}
	} else if s.cfg.SecondPath != "" {
		s.openSecondary()
	}
	if s.audio != nil {
		s.openAudioDecoder()
	}

	s.logger.Info("Capture session opened",
		"path", s.cfg.Path,
		"video_stream", s.VideoStreamID(),
		"audio_stream", s.AudioStreamID(),
		"secondary", s.secondary != nil,
		"hwaccel", s.hw != nil)
	return nil
}

// inputOptions builds the option dictionary for the primary input.
func (s *Session) inputOptions() *avlib.Options {
	opts, err := ffmpeg.ParseOptions(s.cfg.Options)
	if err != nil {
		s.logger.Warn("Could not parse ffmpeg input options",
			"code", ErrCodeConfigParseWarning,
			"options", s.cfg.Options,
			"error", err)
	}

	if ffmpeg.IsRTSP(s.cfg.Path) && s.cfg.Method != "" {
		transport, err := ffmpeg.TransportOption(s.cfg.Method)
		if err != nil {
			s.logger.Warn("Unknown capture method, using library default transport",
				"code", ErrCodeTransportUnsupported,
				"method", s.cfg.Method,
				"supported", ffmpeg.Methods())
		} else {
			opts.Set(string(ffmpeg.KeyRTSPTransport), transport)
		}
	}
	return opts
}

// selectStreams picks the first video and first audio stream. Further streams
// of either kind are reported through skipped and ignored.
func selectStreams(streams []avlib.StreamInfo, skipped func(msg string, args ...any)) (video, audio *avlib.StreamInfo) {
	for i := range streams {
		st := &streams[i]
		switch st.MediaType {
		case avlib.MediaTypeVideo:
			if video == nil {
				video = st
			} else {
				skipped("Ignoring additional video stream", "index", st.Index)
			}
		case avlib.MediaTypeAudio:
			if audio == nil {
				audio = st
			} else {
				skipped("Ignoring additional audio stream", "index", st.Index)
			}
		}
	}
	return video, audio
}

func (s *Session) findVideoDecoder(st avlib.StreamInfo) (avlib.Decoder, bool) {
	if name, ok := s.cfg.fastDecoders()[st.CodecName]; ok && name != "" {
		if dec, found := s.lib.FindDecoderByName(name); found {
			s.logger.Debug("Using fast path decoder", "decoder", name)
			return dec, true
		}
		s.logger.Debug("Fast path decoder not available, using generic decoder", "decoder", name)
	}
	return s.lib.FindDecoder(st.CodecID)
}

func (s *Session) openVideoDecoder(opts *avlib.Options) error {
	st := s.video.info

	dec, ok := s.findVideoDecoder(st)
	if !ok {
		s.logger.Error("Unable to locate video codec",
			"code", ErrCodeOpenFailed,
			"codec", st.CodecName)
		return newError(ErrCodeOpenFailed, fmt.Sprintf("no decoder for codec %s", st.CodecName), nil)
	}

	cc, err := s.primary.input.NewDecoderContext(st.Index, dec)
	if err != nil {
		s.logger.Error("Unable to allocate video decoder",
			"code", ErrCodeOpenFailed,
			"decoder", dec.Name(),
			"error", err)
		return newError(ErrCodeOpenFailed, "allocate video decoder", err)
	}
	s.video.cc = cc
	cc.SetLowDelay(true)

	if s.cfg.HWAccelName != "" {
		hc, err := s.negotiator.Negotiate(dec, cc, s.cfg.HWAccelName, s.cfg.HWAccelDevice)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, hwaccel.ErrDeviceCreate) {
				level = slog.LevelError
			}
			s.logger.Log(context.Background(), level, "Hardware acceleration unavailable, decoding in software",
				"code", ErrCodeHardwareNegotiationFailed,
				"hwaccel", s.cfg.HWAccelName,
				"device", s.cfg.HWAccelDevice,
				"error", err)
		} else {
			s.hw = hc
		}
	}

	threadType, threadCount := threading(dec.Capabilities())
	cc.SetThreading(threadType, threadCount)
	if threadType == avlib.ThreadTypeNone {
		// Options are applied when the decoder opens and would override the count.
		if v, set := opts.Get(string(ffmpeg.KeyThreads)); set {
			s.logger.Warn("Decoder is single threaded, ignoring threads option",
				"decoder", dec.Name(),
				"threads", v)
			opts.Delete(string(ffmpeg.KeyThreads))
		}
	}

	if err := cc.Open(opts); err != nil {
		s.logger.Error("Unable to open video decoder",
			"code", ErrCodeOpenFailed,
			"decoder", dec.Name(),
			"error", err)
		return newError(ErrCodeOpenFailed, "open video decoder "+dec.Name(), err)
	}
	for _, key := range opts.Keys() {
		s.logger.Warn("Option not recognized", "option", key)
	}

	if s.cfg.Width > 0 && s.cfg.Height > 0 && (cc.Width() != s.cfg.Width || cc.Height() != s.cfg.Height) {
		s.logger.Warn("Monitor dimensions differ from stream",
			"expected", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
			"actual", fmt.Sprintf("%dx%d", cc.Width(), cc.Height()))
	}
	s.logger.Debug("Video decoder opened",
		"decoder", dec.Name(),
		"threads", threadType,
		"pix_fmt", cc.PixelFormatName(),
		"width", cc.Width(),
		"height", cc.Height())
	return nil
}

// threading picks frame threads, then slice threads, and falls back to a
// single thread for decoders that advertise neither.
func threading(caps avlib.Capability) (avlib.ThreadType, int) {
	switch {
	case caps.Has(avlib.CapFrameThreads):
		return avlib.ThreadTypeFrame, 0
	case caps.Has(avlib.CapSliceThreads):
		return avlib.ThreadTypeSlice, 0
	default:
		return avlib.ThreadTypeNone, 1
	}
}

// openSecondary opens the audio-only input. Failure leaves the session video-only.
func (s *Session) openSecondary() {
	s.ctrl.Reset()
	in, err := s.lib.OpenInput(s.cfg.SecondPath, nil, s.ctrl.Interrupt)
	if err != nil {
		s.logger.Warn("Unable to open secondary input, continuing without audio",
			"code", ErrCodeSecondaryInputUnavailable,
			"path", s.cfg.SecondPath,
			"error", err)
		return
	}

	streams := in.Streams()
	s.dumpStreams(roleSecondary, streams)
	_, audio := selectStreams(streams, s.logger.Debug)
	if audio == nil {
		s.logger.Warn("No audio stream in secondary input, continuing without audio",
			"code", ErrCodeSecondaryInputUnavailable,
			"path", s.cfg.SecondPath)
		_ = in.Close()
		return
	}

	s.secondary = &source{
		role:     roleSecondary,
		input:    in,
		tracker:  &s.audioTracker,
		timeBase: audio.TimeBase,
	}
	s.audio = &selectedStream{info: *audio, src: s.secondary}
}

// openAudioDecoder opens the audio decoder. Failure drops audio for the session.
func (s *Session) openAudioDecoder() {
	st := s.audio.info

	dec, ok := s.lib.FindDecoder(st.CodecID)
	if !ok {
		s.dropAudio("Unable to locate audio codec", fmt.Errorf("no decoder for codec %s", st.CodecName))
		return
	}
	cc, err := s.audio.src.input.NewDecoderContext(st.Index, dec)
	if err != nil {
		s.dropAudio("Unable to allocate audio decoder", err)
		return
	}
	s.audio.cc = cc
	if err := cc.Open(nil); err != nil {
		s.dropAudio("Unable to open audio decoder", err)
		return
	}
	s.logger.Debug("Audio decoder opened", "decoder", dec.Name(), "secondary", s.secondary != nil)
}

func (s *Session) dropAudio(msg string, err error) {
	s.logger.Warn(msg+", continuing without audio",
		"code", ErrCodeOpenFailed,
		"codec", s.audio.info.CodecName,
		"error", err)
	if s.audio.cc != nil {
		_ = s.audio.cc.Close()
	}
	s.audio = nil
	if s.secondary != nil {
		_ = s.secondary.input.Close()
		s.secondary = nil
	}
}

func (s *Session) dumpStreams(r role, streams []avlib.StreamInfo) {
	for _, st := range streams {
		s.logger.Debug("Stream",
			"input", r,
			"index", st.Index,
			"type", st.MediaType,
			"codec", st.CodecName,
			"time_base", st.TimeBase,
			"width", st.Width,
			"height", st.Height)
	}
}
